package bridge

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/ping"
	"github.com/probelab/netprobe/pkg/types"
)

// handlePing serves a live ping subscription. The producer streams
// samples until the subscriber sends stop_ping, disconnects, or the
// optional duration elapses.
func (b *Bridge) handlePing(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["target"]

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := newSubscriber(conn)
	defer conn.Close()

	metrics.StreamSubscribers.WithLabelValues("ping").Inc()
	defer metrics.StreamSubscribers.WithLabelValues("ping").Dec()

	logger := b.logger.With().Str("subscriber_id", sub.id).Str("target", target).Logger()
	logger.Info().Msg("ping subscriber connected")

	if err := sub.send(EventPingMonitorConnected, connectedEvent{
		Type:     EventPingMonitorConnected,
		ClientID: sub.id,
		Message:  "ping monitor connected",
		Target:   target,
	}); err != nil {
		return
	}

	interval := b.config.DefaultInterval
	if v := r.URL.Query().Get("interval"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			interval = time.Duration(secs * float64(time.Second))
		}
	}
	var duration time.Duration
	if v := r.URL.Query().Get("duration"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			duration = time.Duration(secs * float64(time.Second))
		}
	}

	// The stop signal is shared between the control loop and the
	// producer; inbound stop_ping terminates the stream within one wait
	// slice.
	sig := b.registerStop(sub.id)
	defer b.releaseStop(sub.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	task := b.registry.CreatePingTask(target, interval.Seconds())
	_ = b.registry.UpdatePingTask(task.ID, func(t *types.PingTask) {
		t.Status = types.TaskRunning
	})

	// Control loop: answers pings, honors stop_ping, and detects the
	// subscriber going away.
	go func() {
		defer cancel()
		for {
			var frame controlFrame
			if err := conn.ReadJSON(&frame); err != nil {
				sub.markClosed()
				return
			}
			switch frame.Type {
			case ControlPing:
				_ = sub.send(EventPong, pongEvent{Type: EventPong, Timestamp: wallclock()})
			case ControlStopPing:
				logger.Info().Msg("subscriber requested stop")
				sig.Set()
			}
		}
	}()

	pingerForStream := b.pingerWithInterval(interval)
	samples := pingerForStream.ContinuousPing(ctx, target, ping.ContinuousOptions{
		Duration: duration,
		Stop:     sig.Done(),
	})

	for sample := range samples {
		_ = b.registry.AppendPingSample(task.ID, sample)
		_ = b.registry.UpdatePingTask(task.ID, func(t *types.PingTask) {
			t.TotalPings++
			if sample.Success {
				t.SuccessPings++
			}
			t.LastPing = sample.Timestamp
		})
		b.updateQuality(task.ID)

		event := pingResultEvent{
			Type:         EventPingResult,
			Target:       target,
			Sequence:     sample.Sequence,
			Success:      sample.Success,
			Status:       statusForSample(sample),
			ResponseTime: sample.ResponseTime,
			TTL:          sample.TTL,
			PacketSize:   sample.PacketSize,
			Timestamp:    epochSeconds(sample.Timestamp),
			Error:        !sample.Success,
			ErrorMessage: sample.Error,
		}
		if !sample.Success {
			event.ErrorType = string(sample.ErrorKind)
		}
		if err := sub.send(EventPingResult, event); err != nil {
			logger.Debug().Err(err).Msg("subscriber write failed")
			break
		}

		if sample.ErrorKind == types.PingErrNameResolution && sample.Sequence == 1 {
			_ = sub.send(EventPingError, pingErrorEvent{
				Type:      EventPingError,
				Target:    target,
				Error:     "name resolution failed: " + sample.Error,
				Timestamp: wallclock(),
			})
		}
	}

	_ = b.registry.UpdatePingTask(task.ID, func(t *types.PingTask) {
		t.Status = types.TaskCompleted
	})
	logger.Info().Msg("ping stream ended")

	// The producer is done but the subscription stays open until the
	// subscriber leaves or errors; the control loop owns that exit.
	<-ctx.Done()
}

// pingerWithInterval derives a pinger whose interval matches the
// subscriber's request
func (b *Bridge) pingerWithInterval(interval time.Duration) *ping.Pinger {
	if interval == b.config.DefaultInterval {
		return b.pinger
	}
	cfg := b.pinger.Config()
	cfg.Interval = interval
	return ping.NewPinger(cfg)
}

// updateQuality refreshes the task's quality rating from its recent
// samples
func (b *Bridge) updateQuality(taskID string) {
	samples, err := b.registry.PingSamples(taskID)
	if err != nil || len(samples) == 0 {
		return
	}
	if len(samples) > 20 {
		samples = samples[len(samples)-20:]
	}
	_, rating := ping.AssessConnectionQuality(samples)
	_ = b.registry.UpdatePingTask(taskID, func(t *types.PingTask) {
		t.Quality = rating
	})
}
