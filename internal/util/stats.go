package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/pterm/pterm"
)

// Stats counts traffic for one channel. All fields are safe for concurrent
// use.
type Stats struct {
	TotalConns  atomic.Int64 // logical connections opened since start
	ClosedConns atomic.Int64 // logical connections closed since start
	BytesSent   atomic.Int64 // frame bytes written to the medium
	BytesRecv   atomic.Int64 // frame bytes read from the medium
	FramesSent  atomic.Int64
	FramesRecv  atomic.Int64

	rtt atomic.Int64 // last round-trip time in nanoseconds
}

func (s *Stats) AddConn()    { s.TotalConns.Add(1) }
func (s *Stats) RemoveConn() { s.ClosedConns.Add(1) }

func (s *Stats) AddSent(n int) {
	s.BytesSent.Add(int64(n))
	s.FramesSent.Add(1)
}

func (s *Stats) AddRecv(n int) {
	s.BytesRecv.Add(int64(n))
	s.FramesRecv.Add(1)
}

func (s *Stats) SetRTT(d time.Duration) { s.rtt.Store(int64(d)) }
func (s *Stats) RTT() time.Duration     { return time.Duration(s.rtt.Load()) }

// StartStatsReporter launches a goroutine that logs the traffic of s every
// interval while anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, name string, s *Stats, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := s.TotalConns.Load()
				closed := s.ClosedConns.Load()
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()

				secs := interval.Seconds()
				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(fmt.Sprintf("[%s] %s", name, formatStats(inS, outS, inC, outC, s.RTT())))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats renders one reporter line, e.g.
// "In: 1.5kB/s | Out: 20MB/s | Conn: 2↑ 0↓ | RTT: 1.2s".
func formatStats(inS, outS float64, inC, outC int64, rtt time.Duration) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %d↑ %d↓ | RTT: %s",
		units.HumanSize(inS),
		units.HumanSize(outS),
		inC,
		outC,
		rtt.Round(time.Millisecond),
	)
}
