package bridge

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netprobe/pkg/ping"
	"github.com/probelab/netprobe/pkg/registry"
	"github.com/probelab/netprobe/pkg/scanner"
	"github.com/probelab/netprobe/pkg/types"
)

// testBridge wires a bridge into an httptest server. The pinger has no
// usable strategies so ping streams produce deterministic failure
// samples without touching the network.
func testBridge(t *testing.T) (*Bridge, *registry.Registry, string) {
	t.Helper()

	reg := registry.New()
	pinger := ping.NewPinger(ping.Config{
		PacketSize:         64,
		Timeout:            200 * time.Millisecond,
		Interval:           50 * time.Millisecond,
		UseSystemCommand:   false,
		UseLibraryFallback: false,
		UseRawSocket:       false,
	})
	sc := scanner.NewScanner(scanner.Config{Timeout: 500 * time.Millisecond})

	b := New(Config{DefaultInterval: 50 * time.Millisecond, MaxThreads: 4}, reg, pinger, sc)

	router := mux.NewRouter()
	b.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return b, reg, wsURL
}

// readEvent reads one JSON event as a loose map
func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &event))
	return event
}

func TestStatusForSample(t *testing.T) {
	tests := []struct {
		name   string
		sample types.PingSample
		want   string
	}{
		{
			name:   "success",
			sample: types.PingSample{Success: true},
			want:   "success",
		},
		{
			name:   "timeout",
			sample: types.PingSample{ErrorKind: types.PingErrTimeout},
			want:   "timeout",
		},
		{
			name:   "unreachable maps to timeout",
			sample: types.PingSample{ErrorKind: types.PingErrUnreachable},
			want:   "timeout",
		},
		{
			name:   "name resolution maps to error",
			sample: types.PingSample{ErrorKind: types.PingErrNameResolution},
			want:   "error",
		},
		{
			name:   "permission maps to error",
			sample: types.PingSample{ErrorKind: types.PingErrPermissionDenied},
			want:   "error",
		},
		{
			name:   "generic maps to timeout",
			sample: types.PingSample{ErrorKind: types.PingErrGeneric},
			want:   "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForSample(tt.sample))
		})
	}
}

func TestSplitTargets(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitTargets("a, b"))
	assert.Equal(t, []string{"10.0.0.1"}, splitTargets("10.0.0.1"))
	assert.Empty(t, splitTargets(""))
	assert.Empty(t, splitTargets(" , "))
}

func TestPingStreamGreetingAndResults(t *testing.T) {
	_, reg, wsURL := testBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/ping/127.0.0.1?interval=0.05", nil)
	require.NoError(t, err)
	defer conn.Close()

	greeting := readEvent(t, conn, time.Second)
	assert.Equal(t, EventPingMonitorConnected, greeting["type"])
	assert.Equal(t, "127.0.0.1", greeting["target"])
	assert.NotEmpty(t, greeting["client_id"])

	// With no usable strategy every sample fails with permission_denied,
	// which subscribers see as status error
	first := readEvent(t, conn, time.Second)
	assert.Equal(t, EventPingResult, first["type"])
	assert.Equal(t, float64(1), first["sequence"])
	assert.Equal(t, false, first["success"])
	assert.Equal(t, "error", first["status"])
	assert.Equal(t, string(types.PingErrPermissionDenied), first["error_type"])

	second := readEvent(t, conn, time.Second)
	assert.Equal(t, float64(2), second["sequence"])

	// The registry tracks the stream as a ping task
	tasks := reg.ListPingTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "127.0.0.1", tasks[0].Target)
	assert.GreaterOrEqual(t, tasks[0].TotalPings, 1)
}

func TestPingStreamStopPing(t *testing.T) {
	_, _, wsURL := testBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/ping/127.0.0.1?interval=0.05", nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent(t, conn, time.Second) // greeting
	readEvent(t, conn, time.Second) // first result

	require.NoError(t, conn.WriteJSON(map[string]string{"type": ControlStopPing}))

	// A few in-flight results may still arrive; the stream must go
	// quiet shortly after the stop
	quietBy := time.Now().Add(time.Second)
	lastSeen := time.Now()
	wentQuiet := false
	for time.Now().Before(quietBy) {
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, _, err := conn.ReadMessage()
		if err != nil {
			wentQuiet = true
			break
		}
		lastSeen = time.Now()
	}
	assert.True(t, wentQuiet, "stream kept sending after stop_ping")
	assert.Less(t, time.Since(lastSeen), time.Second)
}

func TestPingStreamPong(t *testing.T) {
	_, _, wsURL := testBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/ping/127.0.0.1", nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent(t, conn, time.Second) // greeting
	require.NoError(t, conn.WriteJSON(map[string]string{"type": ControlPing}))

	// Skim events until the pong shows up among ping results
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		event := readEvent(t, conn, time.Second)
		if event["type"] == EventPong {
			assert.Greater(t, event["timestamp"], 0.0)
			return
		}
	}
	t.Fatal("no pong received")
}

func TestScanStreamLifecycle(t *testing.T) {
	_, reg, wsURL := testBridge(t)

	// One open port in the scanned window
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	openPort := ln.Addr().(*net.TCPAddr).Port

	url := fmt.Sprintf("%s/ws/scan?target=127.0.0.1&ports=%d-%d&max_threads=3",
		wsURL, openPort-6, openPort)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	greeting := readEvent(t, conn, time.Second)
	assert.Equal(t, EventMonitorConnected, greeting["type"])

	var (
		started   int
		completed int
		found     int
		progress  []float64
	)

	for completed == 0 {
		event := readEvent(t, conn, 5*time.Second)
		switch event["type"] {
		case EventScanStarted:
			started++
			assert.Equal(t, float64(7), event["total_ports"])
		case EventScanPortFound:
			found++
			assert.Equal(t, float64(openPort), event["port"])
		case EventScanProgress:
			progress = append(progress, event["progress"].(float64))
		case EventScanCompleted:
			completed++
			assert.Equal(t, float64(1), event["total_targets"])
		}
	}

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, found)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.InDelta(t, 100.0, progress[len(progress)-1], 0.001)

	// The registry task completed alongside the stream
	tasks := reg.ListScanTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskCompleted, tasks[0].Status)
	assert.Equal(t, 100.0, tasks[0].Progress)
}

func TestScanStreamBadPortSpec(t *testing.T) {
	_, _, wsURL := testBridge(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/scan?ports=bogus", nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent(t, conn, time.Second) // greeting
	event := readEvent(t, conn, time.Second)
	assert.Equal(t, EventScanTargetError, event["type"])
	assert.NotEmpty(t, event["error"])
}

func TestScanStreamSubscriberDisconnect(t *testing.T) {
	_, reg, wsURL := testBridge(t)

	// A window of closed ports keeps the scan busy long enough to
	// observe the disconnect handling
	url := wsURL + "/ws/scan?target=127.0.0.1&ports=49000-49120&max_threads=2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	readEvent(t, conn, time.Second) // greeting
	conn.Close()

	// The producer notices at a batch boundary and abandons the task
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		tasks := reg.ListScanTasks()
		if len(tasks) == 1 && tasks[0].Status == types.TaskCancelled {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scan task was not abandoned after subscriber disconnect")
}
