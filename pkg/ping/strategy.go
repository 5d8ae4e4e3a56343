package ping

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/probelab/netprobe/pkg/types"
)

// errUnavailable marks a strategy that cannot run in this environment
// (missing binary, insufficient privileges). It is distinct from a probe
// that ran and failed.
var errUnavailable = errors.New("ping method unavailable")

// errProbeTimeout marks a probe that ran but saw no reply in time
var errProbeTimeout = errors.New("probe timed out")

// probeOutcome is what a successful strategy run reports
type probeOutcome struct {
	// rtt in milliseconds
	rtt float64
	// ttl from the reply IP header; nil when the method cannot see it
	ttl *int
}

// strategy is one capability-bearing probe method in the fallback chain
type strategy interface {
	method() types.PingMethod
	probe(ctx context.Context, ip string, seq, packetSize int, timeout time.Duration) (probeOutcome, error)
}

// isUnavailable reports whether err marks an unavailable strategy
func isUnavailable(err error) bool {
	return errors.Is(err, errUnavailable)
}

// classifyProbeError maps a strategy failure to a sample error kind
func classifyProbeError(err error) types.PingErrorKind {
	switch {
	case err == nil:
		return types.PingErrNone
	case errors.Is(err, errProbeTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.PingErrTimeout
	case isUnreachable(err):
		return types.PingErrUnreachable
	case isPermissionDenied(err):
		return types.PingErrPermissionDenied
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return types.PingErrTimeout
	}
	return types.PingErrGeneric
}

func isPermissionDenied(err error) bool {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied")
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	return strings.Contains(err.Error(), "unreachable")
}
