package ping

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/probelab/netprobe/pkg/types"
)

// systemStrategy shells out to the OS ping binary. It is preferred over
// the in-process methods because the reply TTL is visible in the output.
type systemStrategy struct {
	binary string
}

func newSystemStrategy() *systemStrategy {
	path, err := exec.LookPath("ping")
	if err != nil {
		return &systemStrategy{}
	}
	return &systemStrategy{binary: path}
}

func (s *systemStrategy) method() types.PingMethod {
	return types.MethodSystemCommand
}

func (s *systemStrategy) probe(ctx context.Context, ip string, seq, packetSize int, timeout time.Duration) (probeOutcome, error) {
	if s.binary == "" {
		return probeOutcome{}, fmt.Errorf("ping binary not found: %w", errUnavailable)
	}

	// Payload size excludes the 8-byte ICMP header on unix ping
	dataSize := packetSize - 8
	if dataSize < 0 {
		dataSize = 0
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.CommandContext(ctx, s.binary,
			"-n", "1",
			"-l", strconv.Itoa(dataSize),
			"-w", strconv.Itoa(int(timeout.Milliseconds())),
			ip)
	case "darwin":
		cmd = exec.CommandContext(ctx, s.binary,
			"-c", "1",
			"-s", strconv.Itoa(dataSize),
			"-W", strconv.Itoa(int(timeout.Milliseconds())),
			ip)
	default:
		timeoutSec := int(timeout.Seconds())
		if timeoutSec < 1 {
			timeoutSec = 1
		}
		cmd = exec.CommandContext(ctx, s.binary,
			"-c", "1",
			"-s", strconv.Itoa(dataSize),
			"-W", strconv.Itoa(timeoutSec),
			ip)
	}

	raw, err := cmd.CombinedOutput()
	output := decodePingOutput(raw)

	if parsed, ok := parsePingOutput(output); ok {
		return parsed, nil
	}

	if outputIndicatesTimeout(output) {
		return probeOutcome{}, errProbeTimeout
	}
	if outputIndicatesUnreachable(output) {
		return probeOutcome{}, fmt.Errorf("destination unreachable")
	}
	if err != nil {
		// Non-zero exit with no recognizable output; ping exits 1 on no
		// reply, so treat it as a timeout rather than a hard error.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return probeOutcome{}, errProbeTimeout
		}
		return probeOutcome{}, fmt.Errorf("ping command failed: %w", err)
	}
	return probeOutcome{}, fmt.Errorf("unparseable ping output")
}

var (
	// rttPattern matches "time=12.3 ms", "time<1ms" and "时间=12ms";
	// rttLoosePattern catches plain "12.3 ms" figures, so localized and
	// mojibake output still parses
	rttPattern = regexp.MustCompile(`(?i)(?:time|时间)\s*[=<]\s*([0-9]+(?:\.[0-9]+)?)\s*ms`)

	rttLoosePattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*ms`)

	// ttlPattern tolerates TTL=57, ttl=57 and the full-width equals some
	// localized ping builds emit
	ttlPattern = regexp.MustCompile(`(?i)ttl\s*[=＝]\s*([0-9]+)`)
)

// parsePingOutput extracts RTT and TTL from one-probe ping output. The
// output must carry both a millisecond figure and a TTL to count as
// success; loss summaries alone never match both.
func parsePingOutput(output string) (probeOutcome, bool) {
	ttlMatch := ttlPattern.FindStringSubmatch(output)
	if ttlMatch == nil {
		return probeOutcome{}, false
	}

	var rttStr string
	if m := rttPattern.FindStringSubmatch(output); m != nil {
		rttStr = m[1]
	} else if m := rttLoosePattern.FindStringSubmatch(output); m != nil {
		rttStr = m[1]
	} else {
		return probeOutcome{}, false
	}

	rtt, err := strconv.ParseFloat(rttStr, 64)
	if err != nil {
		return probeOutcome{}, false
	}
	ttl, err := strconv.Atoi(ttlMatch[1])
	if err != nil || ttl < 1 || ttl > 255 {
		return probeOutcome{}, false
	}
	return probeOutcome{rtt: rtt, ttl: types.IntPtr(ttl)}, true
}

// decodePingOutput tolerates the local-code-page output of localized
// ping builds. Valid UTF-8 passes through unchanged; anything else is
// tried as GBK/CP936 before falling back to (lossy) UTF-8, since GBK
// bytes are rarely valid UTF-8 but decoding UTF-8 as GBK misdecodes.
func decodePingOutput(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw); err == nil {
		return string(decoded)
	}
	return strings.ToValidUTF8(string(raw), "?")
}

func outputIndicatesTimeout(output string) bool {
	markers := []string{
		"100% packet loss",
		"100% loss",
		"Request timed out",
		"请求超时",
	}
	for _, m := range markers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

func outputIndicatesUnreachable(output string) bool {
	markers := []string{
		"Destination host unreachable",
		"Destination Host Unreachable",
		"Network is unreachable",
		"无法访问目标主机",
	}
	for _, m := range markers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}
