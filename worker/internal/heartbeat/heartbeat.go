// Package heartbeat builds the periodic heartbeat frames a worker writes
// onto its session connection to prove liveness and report load.
package heartbeat

import (
	"time"

	"github.com/Jay-Jay-Tee/the-grid-x/pkg/gridxapi"
)

// Ticker emits a heartbeat frame on Frames() every interval until Stop is
// called. The caller owns writing each frame to the session connection.
type Ticker struct {
	interval time.Duration
	running  func() int
	ticker   *time.Ticker
	frames   chan gridxapi.Frame
	done     chan struct{}
}

// New starts a Ticker that calls running() for the current in-flight job
// count each beat.
func New(interval time.Duration, running func() int) *Ticker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := &Ticker{
		interval: interval,
		running:  running,
		ticker:   time.NewTicker(interval),
		frames:   make(chan gridxapi.Frame, 1),
		done:     make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *Ticker) loop() {
	for {
		select {
		case <-t.done:
			return
		case now := <-t.ticker.C:
			running := 0
			if t.running != nil {
				running = t.running()
			}
			status := "idle"
			if running > 0 {
				status = "busy"
			}
			frame, err := gridxapi.NewFrame(gridxapi.FrameHeartbeat, gridxapi.HeartbeatPayload{
				TimestampUnix: now.Unix(),
				Status:        status,
				RunningJobs:   running,
			})
			if err != nil {
				continue
			}
			select {
			case t.frames <- frame:
			default:
				// previous heartbeat frame wasn't consumed yet; drop this
				// one rather than block the ticker goroutine.
			}
		}
	}
}

// Frames is the channel the connection's write loop should select on.
func (t *Ticker) Frames() <-chan gridxapi.Frame {
	return t.frames
}

func (t *Ticker) Stop() {
	t.ticker.Stop()
	close(t.done)
}
