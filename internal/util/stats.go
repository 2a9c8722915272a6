package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay/peer counter set.
var Stats = &stats{}

type stats struct {
	Joined    atomic.Int64 // connections that were assigned an identity
	Left      atomic.Int64 // connections that released their identity
	Forwarded atomic.Int64 // messages routed to a live target
	NotFound  atomic.Int64 // messages addressed to an unknown identity
	Rejected  atomic.Int64 // malformed or binary frames answered with an error
	Dropped   atomic.Int64 // queued messages evicted by a full outbox
	BytesSent atomic.Int64 // bytes written to websockets or data channels
	BytesRecv atomic.Int64 // bytes read from websockets or data channels
}

func (s *stats) AddJoin()      { s.Joined.Add(1) }
func (s *stats) AddLeave()     { s.Left.Add(1) }
func (s *stats) AddForward()   { s.Forwarded.Add(1) }
func (s *stats) AddNotFound()  { s.NotFound.Add(1) }
func (s *stats) AddRejected()  { s.Rejected.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Online returns the number of currently connected parties.
func (s *stats) Online() int64 { return s.Joined.Load() - s.Left.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs statistics every interval
// when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur, prev, interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	online, forwarded, notFound, rejected, dropped, sent, recv int64
}

func takeSnapshot() snapshot {
	return snapshot{
		online:    Stats.Online(),
		forwarded: Stats.Forwarded.Load(),
		notFound:  Stats.NotFound.Load(),
		rejected:  Stats.Rejected.Load(),
		dropped:   Stats.Dropped.Load(),
		sent:      Stats.BytesSent.Load(),
		recv:      Stats.BytesRecv.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the delta between two snapshots for the logger.
func formatStats(cur, prev snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	return fmt.Sprintf("Online: %3d | Fwd: %4d | Miss: %3d | Rej: %3d | Drop: %3d | In: %s/s | Out: %s/s",
		cur.online,
		cur.forwarded-prev.forwarded,
		cur.notFound-prev.notFound,
		cur.rejected-prev.rejected,
		cur.dropped-prev.dropped,
		formatBytes(float64(cur.recv-prev.recv)/secs),
		formatBytes(float64(cur.sent-prev.sent)/secs),
	)
}
