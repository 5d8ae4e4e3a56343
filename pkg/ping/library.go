package ping

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/probelab/netprobe/pkg/types"
)

// libraryStrategy probes through the pro-bing library in unprivileged
// UDP-ICMP mode. It works without root on most platforms but cannot see
// the reply TTL.
type libraryStrategy struct{}

func newLibraryStrategy() *libraryStrategy {
	return &libraryStrategy{}
}

func (l *libraryStrategy) method() types.PingMethod {
	return types.MethodLibraryFallback
}

func (l *libraryStrategy) probe(ctx context.Context, ip string, seq, packetSize int, timeout time.Duration) (probeOutcome, error) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return probeOutcome{}, fmt.Errorf("create pinger: %w", err)
	}

	pinger.SetPrivileged(false)
	pinger.Count = 1
	pinger.Timeout = timeout
	if size := packetSize - 8; size >= 24 {
		// pro-bing needs room for its tracking payload
		pinger.Size = size
	}

	if err := pinger.RunWithContext(ctx); err != nil {
		if isPermissionDenied(err) {
			return probeOutcome{}, fmt.Errorf("%v: %w", err, errUnavailable)
		}
		return probeOutcome{}, err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return probeOutcome{}, errProbeTimeout
	}

	rtt := float64(stats.AvgRtt.Microseconds()) / 1000.0
	return probeOutcome{rtt: rtt}, nil
}
