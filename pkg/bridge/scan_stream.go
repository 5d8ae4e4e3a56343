package bridge

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/scanner"
	"github.com/probelab/netprobe/pkg/types"
)

// batchYield is the short pause between scan batches so one stream does
// not monopolize the scheduler
const batchYield = time.Millisecond

// handleScan serves a live port scan subscription. Ports are probed in
// batches of min(maxThreads, remaining); each batch yields progress and
// any open findings. Closed and filtered results are aggregated, never
// streamed individually.
func (b *Bridge) handleScan(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := newSubscriber(conn)
	defer conn.Close()

	metrics.StreamSubscribers.WithLabelValues("scan").Inc()
	defer metrics.StreamSubscribers.WithLabelValues("scan").Dec()

	logger := b.logger.With().Str("subscriber_id", sub.id).Logger()
	logger.Info().Msg("scan subscriber connected")

	if err := sub.send(EventMonitorConnected, connectedEvent{
		Type:     EventMonitorConnected,
		ClientID: sub.id,
		Message:  "scan monitor connected",
	}); err != nil {
		return
	}

	query := r.URL.Query()
	targets := splitTargets(query.Get("target"))
	if len(targets) == 0 {
		targets = []string{"127.0.0.1"}
	}
	portSpec := query.Get("ports")
	if portSpec == "" {
		portSpec = "1-1024"
	}
	proto := types.Protocol(query.Get("protocol"))
	if proto == "" {
		proto = types.ProtocolTCP
	}
	maxThreads := b.config.MaxThreads
	if v := query.Get("max_threads"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxThreads = n
		}
	}

	ports, err := scanner.ParsePortSpec(portSpec)
	if err != nil {
		_ = sub.send(EventScanTargetError, scanTargetErrorEvent{
			Type:      EventScanTargetError,
			Error:     err.Error(),
			Timestamp: wallclock(),
		})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain control frames; a read error marks the subscriber gone so
	// the producer exits at the next batch boundary.
	go func() {
		defer cancel()
		for {
			var frame controlFrame
			if err := conn.ReadJSON(&frame); err != nil {
				sub.markClosed()
				return
			}
			if frame.Type == ControlPing {
				_ = sub.send(EventPong, pongEvent{Type: EventPong, Timestamp: wallclock()})
			}
		}
	}()

	task := b.registry.CreateScanTask(targets, ports, proto)
	_ = b.registry.UpdateScanTask(task.ID, func(t *types.ScanTask) {
		t.Status = types.TaskRunning
	})

	b.runScanStream(ctx, sub, task.ID, targets, ports, proto, maxThreads, logger)
}

// runScanStream drives the scanner for every target and pumps events to
// the subscriber
func (b *Bridge) runScanStream(ctx context.Context, sub *subscriber, taskID string, targets []string, ports []int, proto types.Protocol, maxThreads int, logger zerolog.Logger) {
	totalProbes := len(targets) * len(ports)
	scanned := 0
	openFound := 0

	for _, target := range targets {
		if sub.isClosed() || ctx.Err() != nil {
			b.abandonScan(taskID, logger)
			return
		}

		if err := sub.send(EventScanStarted, scanStartedEvent{
			Type:       EventScanStarted,
			TaskID:     taskID,
			Target:     target,
			TotalPorts: len(ports),
			ScanType:   string(proto),
			Timestamp:  wallclock(),
		}); err != nil {
			b.abandonScan(taskID, logger)
			return
		}

		targetErrors := 0
		for offset := 0; offset < len(ports); {
			// Subscriber disconnects are honored at batch boundaries
			if sub.isClosed() || ctx.Err() != nil {
				b.abandonScan(taskID, logger)
				return
			}

			size := maxThreads
			if remaining := len(ports) - offset; remaining < size {
				size = remaining
			}
			batch := ports[offset : offset+size]
			offset += size

			results := b.scanner.ScanBatch(ctx, []string{target}, batch, proto)
			_ = b.registry.AppendScanResults(taskID, results...)

			for _, res := range results {
				switch res.Status {
				case types.PortOpen:
					openFound++
					if err := sub.send(EventScanPortFound, scanPortFoundEvent{
						Type:      EventScanPortFound,
						TaskID:    taskID,
						Target:    target,
						Port:      res.Port,
						Result:    res,
						Timestamp: wallclock(),
					}); err != nil {
						b.abandonScan(taskID, logger)
						return
					}
				case types.PortError:
					targetErrors++
				}
			}
			scanned += len(results)

			progress := 100.0 * float64(scanned) / float64(totalProbes)
			_ = b.registry.UpdateScanTask(taskID, func(t *types.ScanTask) {
				t.Progress = progress
				t.PortsScanned = scanned
				t.OpenPorts = openFound
			})

			if err := sub.send(EventScanProgress, scanProgressEvent{
				Type:           EventScanProgress,
				TaskID:         taskID,
				Progress:       progress,
				CurrentTarget:  target,
				PortsScanned:   scanned,
				OpenPortsFound: openFound,
				TotalPorts:     totalProbes,
				TotalTargets:   len(targets),
				ScanType:       string(proto),
				Timestamp:      wallclock(),
			}); err != nil {
				b.abandonScan(taskID, logger)
				return
			}

			select {
			case <-time.After(batchYield):
			case <-ctx.Done():
			}
		}

		if targetErrors == len(ports) && len(ports) > 0 {
			// Every probe errored; surface it but keep scanning the
			// remaining targets
			_ = sub.send(EventScanTargetError, scanTargetErrorEvent{
				Type:      EventScanTargetError,
				TaskID:    taskID,
				Target:    target,
				Error:     "all probes failed",
				Timestamp: wallclock(),
			})
		}
	}

	_ = b.registry.UpdateScanTask(taskID, func(t *types.ScanTask) {
		t.Status = types.TaskCompleted
		t.Progress = 100
	})

	_ = sub.send(EventScanCompleted, scanCompletedEvent{
		Type:         EventScanCompleted,
		TaskID:       taskID,
		TotalTargets: len(targets),
		ScanType:     string(proto),
		Timestamp:    wallclock(),
	})
	logger.Info().Str("task_id", taskID).Int("open", openFound).Msg("scan stream completed")
}

// abandonScan marks the task cancelled after the subscriber went away
func (b *Bridge) abandonScan(taskID string, logger zerolog.Logger) {
	_ = b.registry.Cancel(taskID)
	logger.Info().Str("task_id", taskID).Msg("scan stream abandoned by subscriber")
}

// splitTargets parses a comma-separated target list
func splitTargets(raw string) []string {
	parts := strings.Split(raw, ",")
	targets := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			targets = append(targets, p)
		}
	}
	return targets
}
