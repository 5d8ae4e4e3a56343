package ping

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/probelab/netprobe/pkg/log"
	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/types"
)

const (
	// stopSlice is how often interval waits re-check the stop signal
	stopSlice = 100 * time.Millisecond

	// externalTimeout is used for well-known external hosts that tend to
	// rate-limit or answer slowly from some networks
	externalTimeout = 8 * time.Second
)

// wellKnownExternals widens the probe timeout when matched in a hostname
var wellKnownExternals = []string{"google", "youtube", "facebook", "twitter"}

// Config holds ping engine configuration
type Config struct {
	// PacketSize is the total ICMP packet size including the 8-byte header
	PacketSize int
	// Timeout is the per-probe timeout
	Timeout time.Duration
	// Interval is the delay between probes in counted and continuous mode
	Interval time.Duration
	// UseSystemCommand enables the OS ping strategy (preferred, yields TTL)
	UseSystemCommand bool
	// UseLibraryFallback enables the unprivileged ICMP library strategy
	UseLibraryFallback bool
	// UseRawSocket enables the raw-socket strategy (needs privileges)
	UseRawSocket bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		PacketSize:         64,
		Timeout:            5 * time.Second,
		Interval:           time.Second,
		UseSystemCommand:   true,
		UseLibraryFallback: true,
		UseRawSocket:       false,
	}
}

// ContinuousOptions controls a ContinuousPing run
type ContinuousOptions struct {
	// Duration bounds the run; zero means unbounded
	Duration time.Duration
	// Stop terminates the producer cooperatively when closed or signalled
	Stop <-chan struct{}
}

// Pinger measures host reachability through an ordered list of probe
// strategies
type Pinger struct {
	config     Config
	strategies []strategy
}

// NewPinger creates a pinger with the strategy chain implied by cfg
func NewPinger(cfg Config) *Pinger {
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = DefaultConfig().PacketSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	p := &Pinger{config: cfg}
	if cfg.UseSystemCommand {
		p.strategies = append(p.strategies, newSystemStrategy())
	}
	if cfg.UseLibraryFallback {
		p.strategies = append(p.strategies, newLibraryStrategy())
	}
	if cfg.UseRawSocket {
		p.strategies = append(p.strategies, newRawStrategy())
	}
	return p
}

// Config returns a copy of the pinger configuration
func (p *Pinger) Config() Config {
	return p.config
}

// Ping performs a single probe against host
func (p *Pinger) Ping(ctx context.Context, host string) types.PingSample {
	return p.probe(ctx, host, 1, p.timeoutFor(host))
}

// PingCount performs count probes separated by the configured interval.
// Sequence numbers start at 1. The host resolves once up front; a
// resolution failure yields a single error sample.
func (p *Pinger) PingCount(ctx context.Context, host string, count int) []types.PingSample {
	samples := make([]types.PingSample, 0, count)
	timeout := p.timeoutFor(host)

	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return append(samples, p.resolutionFailure(host, 1, err))
	}

	for seq := 1; seq <= count; seq++ {
		samples = append(samples, p.probeResolved(ctx, host, ip, seq, timeout))
		if seq < count {
			select {
			case <-time.After(p.config.Interval):
			case <-ctx.Done():
				return samples
			}
		}
	}
	return samples
}

// ContinuousPing produces samples on the returned channel until the
// duration elapses, the stop signal fires, the context is cancelled, or
// name resolution fails on the first probe. The channel is closed when
// the producer exits.
func (p *Pinger) ContinuousPing(ctx context.Context, host string, opts ContinuousOptions) <-chan types.PingSample {
	out := make(chan types.PingSample)

	go func() {
		defer close(out)

		logger := log.WithComponent("ping")
		timeout := p.timeoutFor(host)

		// One resolution attempt for the whole stream; every sample
		// reuses the address. A host that never resolved will not start
		// resolving mid-stream.
		ip, err := resolveIPv4(ctx, host)
		if err != nil {
			logger.Debug().Str("host", host).Msg("name resolution failed, terminating continuous ping")
			select {
			case out <- p.resolutionFailure(host, 1, err):
			case <-ctx.Done():
			case <-opts.Stop:
			}
			return
		}

		var deadline time.Time
		if opts.Duration > 0 {
			deadline = time.Now().Add(opts.Duration)
		}

		for seq := 1; ; seq++ {
			sample := p.probeResolved(ctx, host, ip, seq, timeout)

			select {
			case out <- sample:
			case <-ctx.Done():
				return
			case <-opts.Stop:
				return
			}

			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return
			}

			if !p.waitInterval(ctx, opts.Stop) {
				return
			}
		}
	}()

	return out
}

// waitInterval sleeps one interval in stop-checking slices. It returns
// false when the producer should exit.
func (p *Pinger) waitInterval(ctx context.Context, stop <-chan struct{}) bool {
	remaining := p.config.Interval
	for remaining > 0 {
		slice := stopSlice
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-time.After(slice):
			remaining -= slice
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		}
	}
	return true
}

// probe resolves the host and performs one probe
func (p *Pinger) probe(ctx context.Context, host string, seq int, timeout time.Duration) types.PingSample {
	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return p.resolutionFailure(host, seq, err)
	}
	return p.probeResolved(ctx, host, ip, seq, timeout)
}

// resolutionFailure builds the error sample for a host that did not
// resolve
func (p *Pinger) resolutionFailure(host string, seq int, err error) types.PingSample {
	sample := types.PingSample{
		Host:       host,
		PacketSize: p.config.PacketSize,
		Sequence:   seq,
		Timestamp:  time.Now(),
		Success:    false,
		ErrorKind:  types.PingErrNameResolution,
		Method:     types.MethodAllFailed,
		Error:      err.Error(),
	}
	metrics.PingSamplesTotal.WithLabelValues(string(sample.Method), "failure").Inc()
	return sample
}

// probeResolved walks the strategy chain against an already-resolved
// address until one method produces an answer
func (p *Pinger) probeResolved(ctx context.Context, host, ip string, seq int, timeout time.Duration) types.PingSample {
	sample := types.PingSample{
		Host:       host,
		ResolvedIP: ip,
		PacketSize: p.config.PacketSize,
		Sequence:   seq,
		Timestamp:  time.Now(),
		ErrorKind:  types.PingErrNone,
	}

	var lastKind types.PingErrorKind
	var lastErr error

	for _, s := range p.strategies {
		res, err := s.probe(ctx, ip, seq, p.config.PacketSize, timeout)
		if err == nil {
			sample.Success = true
			sample.ResponseTime = types.Float64Ptr(res.rtt)
			sample.TTL = res.ttl
			sample.Method = s.method()
			metrics.PingSamplesTotal.WithLabelValues(string(sample.Method), "success").Inc()
			metrics.PingRTT.Observe(res.rtt / 1000.0)
			return sample
		}
		if isUnavailable(err) {
			// Strategy cannot run in this environment; not a probe failure
			continue
		}
		lastKind = classifyProbeError(err)
		lastErr = err
	}

	sample.Success = false
	sample.Method = types.MethodAllFailed
	if lastErr != nil {
		sample.ErrorKind = lastKind
		sample.Error = lastErr.Error()
	} else {
		// Every strategy was unavailable
		sample.ErrorKind = types.PingErrPermissionDenied
		sample.Error = "no usable ping method available"
	}
	metrics.PingSamplesTotal.WithLabelValues(string(sample.Method), "failure").Inc()
	return sample
}

// timeoutFor widens the timeout for well-known external hosts
func (p *Pinger) timeoutFor(host string) time.Duration {
	lower := strings.ToLower(host)
	for _, name := range wellKnownExternals {
		if strings.Contains(lower, name) {
			if p.config.Timeout < externalTimeout {
				return externalTimeout
			}
			break
		}
	}
	return p.config.Timeout
}

// resolveIPv4 returns host unchanged when it is already an IPv4 literal,
// otherwise resolves it through the host resolver
func resolveIPv4(ctx context.Context, host string) (string, error) {
	if host == "" {
		return "", &net.DNSError{Err: "empty host", Name: host}
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return ip.String(), nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", &net.DNSError{Err: "no IPv4 address", Name: host, IsNotFound: true}
}
