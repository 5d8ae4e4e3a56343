package bridge

import (
	"time"

	"github.com/probelab/netprobe/pkg/types"
)

// Outbound event types (bridge -> subscriber)
const (
	EventConnectionEstablished = "connection_established"
	EventPingMonitorConnected  = "ping_monitor_connected"
	EventPingResult            = "ping_result"
	EventPingError             = "ping_error"
	EventMonitorConnected      = "monitor_connected"
	EventScanStarted           = "scan_started"
	EventScanPortFound         = "scan_port_found"
	EventScanProgress          = "scan_progress"
	EventScanTargetError       = "scan_target_error"
	EventScanCompleted         = "scan_completed"
	EventPong                  = "pong"
)

// Inbound control types (subscriber -> bridge)
const (
	ControlPing     = "ping"
	ControlStopPing = "stop_ping"
)

// controlFrame is the inbound message shape from subscribers
type controlFrame struct {
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Content string `json:"content,omitempty"`
}

// connectedEvent greets a new subscriber
type connectedEvent struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Message  string `json:"message"`
	Target   string `json:"target,omitempty"`
}

// pingResultEvent carries one sample to a subscriber
type pingResultEvent struct {
	Type         string   `json:"type"`
	Target       string   `json:"target"`
	Sequence     int      `json:"sequence"`
	Success      bool     `json:"success"`
	Status       string   `json:"status"`
	ResponseTime *float64 `json:"response_time,omitempty"`
	TTL          *int     `json:"ttl,omitempty"`
	PacketSize   int      `json:"packet_size"`
	Timestamp    float64  `json:"timestamp"`
	Error        bool     `json:"error"`
	ErrorMessage string   `json:"error_message,omitempty"`
	ErrorType    string   `json:"error_type,omitempty"`
}

// pingErrorEvent reports a subscription-level failure
type pingErrorEvent struct {
	Type      string  `json:"type"`
	Target    string  `json:"target"`
	Error     string  `json:"error"`
	Timestamp float64 `json:"timestamp"`
}

// scanStartedEvent opens one target's scan
type scanStartedEvent struct {
	Type       string  `json:"type"`
	TaskID     string  `json:"task_id"`
	Target     string  `json:"target"`
	TotalPorts int     `json:"total_ports"`
	ScanType   string  `json:"scan_type"`
	Timestamp  float64 `json:"timestamp"`
}

// scanPortFoundEvent reports one open port
type scanPortFoundEvent struct {
	Type      string             `json:"type"`
	TaskID    string             `json:"task_id"`
	Target    string             `json:"target"`
	Port      int                `json:"port"`
	Result    *types.ProbeResult `json:"result"`
	Timestamp float64            `json:"timestamp"`
}

// scanProgressEvent is emitted after each batch completes
type scanProgressEvent struct {
	Type           string  `json:"type"`
	TaskID         string  `json:"task_id"`
	Progress       float64 `json:"progress"`
	CurrentTarget  string  `json:"current_target"`
	PortsScanned   int     `json:"ports_scanned"`
	OpenPortsFound int     `json:"open_ports_found"`
	TotalPorts     int     `json:"total_ports"`
	TotalTargets   int     `json:"total_targets"`
	ScanType       string  `json:"scan_type"`
	Timestamp      float64 `json:"timestamp"`
}

// scanTargetErrorEvent reports a per-target failure; the scan continues
type scanTargetErrorEvent struct {
	Type      string  `json:"type"`
	TaskID    string  `json:"task_id"`
	Target    string  `json:"target"`
	Error     string  `json:"error"`
	Timestamp float64 `json:"timestamp"`
}

// scanCompletedEvent closes the subscription's scan
type scanCompletedEvent struct {
	Type         string  `json:"type"`
	TaskID       string  `json:"task_id"`
	TotalTargets int     `json:"total_targets"`
	ScanType     string  `json:"scan_type"`
	Timestamp    float64 `json:"timestamp"`
}

// pongEvent answers a subscriber ping
type pongEvent struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// statusForSample maps a sample to the subscriber-facing status string
func statusForSample(sample types.PingSample) string {
	if sample.Success {
		return "success"
	}
	switch sample.ErrorKind {
	case types.PingErrNameResolution, types.PingErrPermissionDenied:
		return "error"
	}
	// Timeouts, unreachable hosts, and everything else read as timeout
	// to subscribers
	return "timeout"
}

// wallclock returns the current time as seconds since the epoch
func wallclock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
