// Rendezvous relay: signaling server entry point.
//
// Parties connect over WebSocket at /ws, receive an ephemeral identity, and
// exchange offers, answers and ICE candidates addressed by identity. Once two
// parties hold a direct WebRTC path the relay is no longer involved.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rendezvous/internal/config"
	"github.com/1ureka/rendezvous/internal/relay"
	"github.com/1ureka/rendezvous/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadRelay(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Rendezvous relay v%s", version))
	pterm.Println()

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	server := relay.NewServer(relay.NewRouter(), cfg.Options())
	if err := server.ListenAndServe(ctx, cfg.Addr); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("relay stopped")
}
