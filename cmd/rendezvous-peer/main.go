// Rendezvous peer: terminal chat entry point.
//
// The peer joins a relay, shows the identity it was assigned, and negotiates a
// direct WebRTC DataChannel with another party through that relay. Once the
// channel is open, stdin lines are sent to the other party and everything it
// sends is printed.
//
// Commands:
//
//	/connect <identity>   send an offer to identity
//	/peers                list parties the relay announced
//	/quit                 leave
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/rendezvous/internal/config"
	"github.com/1ureka/rendezvous/internal/negotiation"
	"github.com/1ureka/rendezvous/internal/signaling"
	"github.com/1ureka/rendezvous/internal/transport"
	"github.com/1ureka/rendezvous/internal/util"
)

var version = "dev"

const assignWait = 10 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadPeer(os.Args[1:])
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

	pterm.Info.Println(fmt.Sprintf("Rendezvous peer v%s", version))
	pterm.Println()

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.PeerConfig) error {
	wsURL, err := signaling.NormalizeURL(cfg.Relay)
	if err != nil {
		return err
	}

	client, err := signaling.Dial(ctx, wsURL, cfg.IdleTimeout)
	if err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	defer client.Close()

	assignCtx, cancel := context.WithTimeout(ctx, assignWait)
	identity, err := client.Identity(assignCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("relay did not assign an identity: %w", err)
	}

	util.LogSuccess("connected to relay as %s", pterm.LightCyan(identity))

	peer := negotiation.NewPeer(client, transport.Factory(cfg.Transport()), cfg.Options())
	defer peer.Close()

	go func() {
		if err := peer.Run(ctx); err != nil && ctx.Err() == nil {
			util.LogWarning("%v", err)
		}
	}()

	c := &chat{peer: peer}
	go c.watch()

	target := cfg.Target
	if target == "" {
		target = askTarget()
	}
	if target != "" {
		c.connect(ctx, target)
	} else {
		util.LogInfo("waiting for an offer, share your identity with the other party")
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if !c.handle(ctx, line) {
				return nil
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

// chat tracks which remote stdin lines go to and renders peer events.
type chat struct {
	peer *negotiation.Peer

	mu     sync.Mutex
	active string
	names  []string
}

func (c *chat) connect(ctx context.Context, target string) {
	if _, err := c.peer.Initiate(ctx, target); err != nil {
		util.LogError("failed to connect to %s: %v", target, err)
		return
	}
	util.LogInfo("offer sent to %s", target)
}

// handle processes one stdin line. It returns false when the user quits.
func (c *chat) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return false

	case "/peers":
		c.mu.Lock()
		names := append([]string(nil), c.names...)
		c.mu.Unlock()
		util.LogInfo("online: %s", strings.Join(names, ", "))
		return true

	case "/connect":
		if len(fields) != 2 {
			util.LogWarning("usage: /connect <identity>")
			return true
		}
		c.connect(ctx, fields[1])
		return true
	}

	c.mu.Lock()
	remote := c.active
	c.mu.Unlock()

	if remote == "" {
		util.LogWarning("not connected yet")
		return true
	}
	if err := c.peer.Send(remote, []byte(line)); err != nil {
		util.LogError("failed to send: %v", err)
	}
	return true
}

// watch renders peer events until the event stream closes.
func (c *chat) watch() {
	for ev := range c.peer.Events() {
		switch ev.Kind {
		case negotiation.EventState:
			c.onState(ev)

		case negotiation.EventMessage:
			pterm.Println(pterm.LightCyan(ev.Remote) + pterm.Gray(" > ") + string(ev.Data))

		case negotiation.EventError:
			util.LogWarning("%s: %v", ev.Remote, ev.Err)

		case negotiation.EventPeers:
			c.mu.Lock()
			c.names = ev.Names
			c.mu.Unlock()
			util.LogDebug("relay reports %d parties online", len(ev.Names))
		}
	}
}

func (c *chat) onState(ev negotiation.Event) {
	switch ev.State {
	case negotiation.StateConnected:
		c.mu.Lock()
		c.active = ev.Remote
		c.mu.Unlock()
		util.LogSuccess("direct channel to %s is open, type to chat", ev.Remote)

	case negotiation.StateFailed:
		c.clear(ev.Remote)
		util.LogError("session with %s failed: %s", ev.Remote, ev.Reason)

	case negotiation.StateClosed:
		c.clear(ev.Remote)
		util.LogPeer(ev.Remote, "session closed")

	default:
		util.LogPeer(ev.Remote, "%s", ev.State)
	}
}

func (c *chat) clear(remote string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == remote {
		c.active = ""
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askTarget prompts for the identity to connect to. An empty answer means
// waiting for the other side to connect.
func askTarget() string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Identity to connect to (empty to wait)").
		Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}

// readLines forwards stdin lines until EOF.
func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}
