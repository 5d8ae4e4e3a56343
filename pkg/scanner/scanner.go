package scanner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/probelab/netprobe/pkg/log"
	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/types"
)

const (
	// MaxConcurrentLimit caps the semaphore size regardless of configuration
	MaxConcurrentLimit = 500

	retryBackoff = 100 * time.Millisecond

	// udpProbePayload is the small datagram sent to elicit a response
	udpProbePayload = "netprobe"
)

// ErrInvalidRange is returned by ScanRange when start > end
var ErrInvalidRange = errors.New("invalid port range: start must be <= end")

// Config holds port scanner configuration
type Config struct {
	// MaxConcurrent bounds in-flight probes (default 100, capped at 500)
	MaxConcurrent int
	// Timeout is the per-probe connection timeout
	Timeout time.Duration
	// RetryCount is the number of retries on transient errors
	RetryCount int
	// ServiceDetection maps open ports to well-known service names
	ServiceDetection bool
	// BannerGrabbing reads up to 1 KiB from open TCP ports
	BannerGrabbing bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    100,
		Timeout:          3 * time.Second,
		RetryCount:       1,
		ServiceDetection: false,
		BannerGrabbing:   false,
	}
}

// ProgressFunc is invoked after each probe completes during range and
// batch scans
type ProgressFunc func(completed, total int, host string, port int)

// Scanner probes TCP and UDP ports with bounded concurrency
type Scanner struct {
	config   Config
	sem      *semaphore.Weighted
	progress ProgressFunc
	mu       sync.Mutex
}

// NewScanner creates a new scanner from cfg, clamping out-of-range values
func NewScanner(cfg Config) *Scanner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.MaxConcurrent > MaxConcurrentLimit {
		cfg.MaxConcurrent = MaxConcurrentLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	return &Scanner{
		config: cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// SetProgressFunc registers a callback invoked after every probe
func (s *Scanner) SetProgressFunc(fn ProgressFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = fn
}

func (s *Scanner) progressFunc() ProgressFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// ScanPort performs one probe against host:port. Validation failures and
// socket errors are reported in the result status, never as an error.
func (s *Scanner) ScanPort(ctx context.Context, host string, port int, proto types.Protocol) *types.ProbeResult {
	result := &types.ProbeResult{
		Host:      host,
		Port:      port,
		Protocol:  proto,
		Timestamp: time.Now(),
	}

	if host == "" {
		result.Status = types.PortError
		result.Error = "host must not be empty"
		return result
	}
	if port < 1 || port > 65535 {
		result.Status = types.PortError
		result.Error = fmt.Sprintf("port %d out of range 1-65535", port)
		return result
	}
	if !proto.Valid() {
		result.Status = types.PortError
		result.Error = fmt.Sprintf("unsupported protocol %q", proto)
		return result
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ProbeDuration, string(proto))

	switch proto {
	case types.ProtocolUDP:
		s.probeUDP(ctx, result)
	case types.ProtocolSYN:
		// Raw-socket SYN scans need elevated privileges; a short-timeout
		// connect is close enough for reachability purposes.
		s.probeTCP(ctx, result, s.synTimeout())
	default:
		s.probeTCP(ctx, result, s.config.Timeout)
	}

	metrics.ProbesTotal.WithLabelValues(string(proto), string(result.Status)).Inc()
	return result
}

// ScanRange probes every port in [start, end] on host. Result order is
// not guaranteed.
func (s *Scanner) ScanRange(ctx context.Context, host string, start, end int, proto types.Protocol) ([]*types.ProbeResult, error) {
	if start > end {
		return nil, ErrInvalidRange
	}
	ports := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		ports = append(ports, p)
	}
	return s.run(ctx, []string{host}, ports, proto), nil
}

// ScanBatch probes the cartesian product of targets and ports
func (s *Scanner) ScanBatch(ctx context.Context, targets []string, ports []int, proto types.Protocol) []*types.ProbeResult {
	return s.run(ctx, targets, ports, proto)
}

// run fans probes out under the concurrency semaphore. Partial failures
// never abort the batch.
func (s *Scanner) run(ctx context.Context, targets []string, ports []int, proto types.Protocol) []*types.ProbeResult {
	total := len(targets) * len(ports)
	results := make([]*types.ProbeResult, 0, total)

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		completed int
	)

	logger := log.WithComponent("scanner")
	progress := s.progressFunc()

	for _, host := range targets {
		for _, port := range ports {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				// Context cancelled while waiting for a permit; the
				// remaining probes are skipped.
				logger.Debug().Err(err).Msg("scan cancelled while waiting for permit")
				wg.Wait()
				return results
			}

			wg.Add(1)
			go func(host string, port int) {
				defer wg.Done()
				defer s.sem.Release(1)

				res := s.ScanPort(ctx, host, port, proto)

				mu.Lock()
				results = append(results, res)
				completed++
				done := completed
				mu.Unlock()

				if progress != nil {
					progress(done, total, host, port)
				}
			}(host, port)
		}
	}

	wg.Wait()
	return results
}

// probeTCP attempts a full connect and classifies the outcome
func (s *Scanner) probeTCP(ctx context.Context, result *types.ProbeResult, timeout time.Duration) {
	address := net.JoinHostPort(result.Host, strconv.Itoa(result.Port))
	dialer := &net.Dialer{Timeout: timeout}

	var lastErr error
	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				result.Status = types.PortError
				result.Error = ctx.Err().Error()
				return
			}
		}

		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			elapsed := float64(time.Since(start).Microseconds()) / 1000.0
			result.Status = types.PortOpen
			result.ResponseTime = types.Float64Ptr(elapsed)
			if s.config.ServiceDetection {
				result.ServiceName = ServiceName(result.Port)
			}
			if s.config.BannerGrabbing {
				result.Banner = grabBanner(conn)
			}
			conn.Close()
			return
		}

		if isRefused(err) {
			// Closed ports answer immediately; retrying is pointless.
			result.Status = types.PortClosed
			return
		}
		lastErr = err
	}

	if isTimeout(lastErr) {
		result.Status = types.PortTimeout
		return
	}
	result.Status = types.PortError
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
}

// probeUDP sends a small payload and waits for any response. No response
// within the timeout means open-or-filtered, reported as filtered.
func (s *Scanner) probeUDP(ctx context.Context, result *types.ProbeResult) {
	address := net.JoinHostPort(result.Host, strconv.Itoa(result.Port))
	dialer := &net.Dialer{Timeout: s.config.Timeout}

	var lastErr error
	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				result.Status = types.PortError
				result.Error = ctx.Err().Error()
				return
			}
		}

		start := time.Now()
		conn, err := dialer.DialContext(ctx, "udp", address)
		if err != nil {
			lastErr = err
			continue
		}

		_ = conn.SetDeadline(time.Now().Add(s.config.Timeout))
		if _, err := conn.Write([]byte(udpProbePayload)); err != nil {
			conn.Close()
			lastErr = err
			continue
		}

		buf := make([]byte, 1024)
		_, err = conn.Read(buf)
		conn.Close()

		if err == nil {
			elapsed := float64(time.Since(start).Microseconds()) / 1000.0
			result.Status = types.PortOpen
			result.ResponseTime = types.Float64Ptr(elapsed)
			if s.config.ServiceDetection {
				result.ServiceName = ServiceName(result.Port)
			}
			return
		}
		if isTimeout(err) {
			result.Status = types.PortFiltered
			return
		}
		if isRefused(err) {
			// ICMP port unreachable surfaces as a refused read
			result.Status = types.PortClosed
			return
		}
		lastErr = err
	}

	result.Status = types.PortError
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
}

// synTimeout shortens the configured timeout for the connect-based SYN
// approximation
func (s *Scanner) synTimeout() time.Duration {
	t := s.config.Timeout / 3
	if t < 500*time.Millisecond {
		t = 500 * time.Millisecond
	}
	return t
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
