package kernel

import (
	"time"

	"github.com/gaspardpetit/kbridge/internal/metrics"
)

var pingFrame = []byte("ping")

// LastHeartbeat returns when the kernel last echoed a heartbeat.
func (t *Transport) LastHeartbeat() time.Time {
	return time.Unix(0, t.lastBeat.Load())
}

// Alive reports whether the kernel answered a heartbeat within two intervals.
// Heartbeats are advisory; a dead kernel does not close the transport.
func (t *Transport) Alive() bool {
	if t.hbInterval <= 0 {
		return true
	}
	return time.Since(t.LastHeartbeat()) <= 2*t.hbInterval
}

func (t *Transport) heartbeatLoop(s Socket) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.hbInterval)
	defer ticker.Stop()
	for {
		if err := s.Send([][]byte{pingFrame}); err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Debug().Err(err).Msg("heartbeat send")
		} else if _, err := s.Recv(); err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Debug().Err(err).Msg("heartbeat receive")
		} else {
			t.lastBeat.Store(time.Now().UnixNano())
		}
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Transport) heartbeatMonitor() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.hbInterval)
	defer ticker.Stop()
	missed := false
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			alive := t.Alive()
			if !alive && !missed {
				t.log.Warn().Time("last_heartbeat", t.LastHeartbeat()).Msg("kernel heartbeat missed")
			}
			if !alive {
				metrics.RecordHeartbeatMissed()
			} else if missed {
				t.log.Info().Msg("kernel heartbeat recovered")
			}
			missed = !alive
		}
	}
}
