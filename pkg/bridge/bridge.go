package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/probelab/netprobe/pkg/log"
	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/ping"
	"github.com/probelab/netprobe/pkg/registry"
	"github.com/probelab/netprobe/pkg/scanner"
)

// Config holds stream bridge configuration
type Config struct {
	// DefaultInterval between ping samples when the subscriber does not
	// ask for one
	DefaultInterval time.Duration
	// MaxThreads bounds the per-batch probe count for streamed scans
	MaxThreads int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultInterval: time.Second,
		MaxThreads:      50,
	}
}

// Bridge pumps engine output to live websocket subscribers
type Bridge struct {
	config   Config
	logger   zerolog.Logger
	registry *registry.Registry
	pinger   *ping.Pinger
	scanner  *scanner.Scanner
	upgrader websocket.Upgrader

	// stopsMu guards the stop-signal map keyed by subscriber id; the
	// control loop writes, the producer reads
	stopsMu sync.Mutex
	stops   map[string]*registry.StopSignal
}

// New creates a bridge over the given collaborators
func New(cfg Config, reg *registry.Registry, pinger *ping.Pinger, sc *scanner.Scanner) *Bridge {
	def := DefaultConfig()
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = def.MaxThreads
	}

	return &Bridge{
		config:   cfg,
		logger:   log.WithComponent("bridge"),
		registry: reg,
		pinger:   pinger,
		scanner:  sc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin in development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		stops: make(map[string]*registry.StopSignal),
	}
}

// Register attaches the bridge's websocket routes to router
func (b *Bridge) Register(router *mux.Router) {
	router.HandleFunc("/ws/ping/{target}", b.handlePing)
	router.HandleFunc("/ws/scan", b.handleScan)
}

// registerStop creates and tracks the stop signal for a subscriber
func (b *Bridge) registerStop(subscriberID string) *registry.StopSignal {
	sig := registry.NewStopSignal()
	b.stopsMu.Lock()
	b.stops[subscriberID] = sig
	b.stopsMu.Unlock()
	return sig
}

// releaseStop fires and forgets a subscriber's stop signal
func (b *Bridge) releaseStop(subscriberID string) {
	b.stopsMu.Lock()
	sig, ok := b.stops[subscriberID]
	delete(b.stops, subscriberID)
	b.stopsMu.Unlock()
	if ok {
		sig.Set()
	}
}

// subscriber wraps a websocket connection with serialized writes.
// gorilla/websocket allows one concurrent writer; the producer and the
// control loop both send.
type subscriber struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	closedMu sync.Mutex
	closed   bool
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		id:   uuid.New().String(),
		conn: conn,
	}
}

// send writes one JSON event, counting it for metrics
func (s *subscriber) send(eventType string, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		return err
	}
	metrics.StreamEventsTotal.WithLabelValues(eventType).Inc()
	return nil
}

// markClosed flags the subscriber as gone; producers poll this at batch
// boundaries
func (s *subscriber) markClosed() {
	s.closedMu.Lock()
	s.closed = true
	s.closedMu.Unlock()
}

func (s *subscriber) isClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}
