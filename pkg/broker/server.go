package broker

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/probelab/netprobe/pkg/log"
	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/types"
)

const (
	// sweepInterval is how often idle sessions are checked
	sweepInterval = 30 * time.Second

	// strikeLimit closes a session after this many malformed frames, so a
	// misbehaving peer cannot spin the error counter forever
	strikeLimit = 32
)

// ServerConfig holds broker server configuration
type ServerConfig struct {
	Host string
	// Port to bind; 0 picks an ephemeral port, exposed via Addr
	Port              int
	MaxConnections    int
	MessageBufferSize int
	// ClientTimeout evicts sessions with no activity for this long
	ClientTimeout  time.Duration
	MaxHistorySize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              0,
		MaxConnections:    1000,
		MessageBufferSize: 8192,
		ClientTimeout:     300 * time.Second,
		MaxHistorySize:    1000,
	}
}

// ServerStats is a point-in-time snapshot of server counters
type ServerStats struct {
	ActiveSessions   int       `json:"active_sessions"`
	TotalConnections uint64    `json:"total_connections"`
	MessagesReceived uint64    `json:"messages_received"`
	MessagesSent     uint64    `json:"messages_sent"`
	BytesReceived    uint64    `json:"bytes_received"`
	BytesSent        uint64    `json:"bytes_sent"`
	Errors           uint64    `json:"errors"`
	StartedAt        time.Time `json:"started_at"`
	Uptime           float64   `json:"uptime"`
}

// session is the server-side state for one connected peer. Writes to the
// connection are serialized through writeMu so broadcast and unicast
// frames never interleave. The record is mutated by the read loop while
// Sessions and the eviction sweep take snapshots, so its fields are
// guarded by mu.
type session struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
	strikes int

	mu     sync.Mutex
	record *types.BrokerSession
}

func (s *session) write(msg *types.BrokerMessage) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return WriteMessage(s.conn, msg)
}

func (s *session) snapshot() types.BrokerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.record
}

func (s *session) setStatus(status types.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Status = status
}

func (s *session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.LastActivity = time.Now()
}

func (s *session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.LastActivity
}

// Server is a length-framed TCP message broker
type Server struct {
	config   ServerConfig
	logger   zerolog.Logger
	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*session
	history  []*types.BrokerMessage

	statsMu sync.Mutex
	stats   ServerStats

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates a broker server from cfg
func NewServer(cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = def.MessageBufferSize
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = def.ClientTimeout
	}
	if cfg.MaxHistorySize <= 0 {
		cfg.MaxHistorySize = def.MaxHistorySize
	}

	return &Server{
		config:   cfg,
		logger:   log.WithComponent("broker-server"),
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

// Start binds the listener and launches the accept and eviction loops
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.listener = listener

	s.statsMu.Lock()
	s.stats.StartedAt = time.Now()
	s.statsMu.Unlock()

	s.wg.Add(2)
	go s.acceptLoop()
	go s.evictionLoop()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("broker server started")
	return nil
}

// Addr returns the bound listener address, useful with port 0
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener, disconnects every session concurrently, and
// waits for the background loops to drain
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	active := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range active {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			s.disconnectSession(sess, "server shutting down")
		}(sess)
	}
	wg.Wait()

	s.wg.Wait()
	s.logger.Info().Msg("broker server stopped")
}

// Sessions returns snapshots of the current session records
func (s *Server) Sessions() []types.BrokerSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.BrokerSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// History returns a snapshot of the retained message history
func (s *Server) History() []*types.BrokerMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.BrokerMessage, len(s.history))
	copy(out, s.history)
	return out
}

// Stats returns a snapshot of the server counters
func (s *Server) Stats() ServerStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	stats := s.stats
	stats.Uptime = time.Since(stats.StartedAt).Seconds()

	s.mu.RLock()
	stats.ActiveSessions = len(s.sessions)
	s.mu.RUnlock()
	return stats
}

// ErrorCount returns the number of frame and dispatch errors seen
func (s *Server) ErrorCount() uint64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats.Errors
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.mu.Lock()
		if len(s.sessions) >= s.config.MaxConnections {
			s.mu.Unlock()
			// Full house; close without a greeting so the peer fails fast
			conn.Close()
			s.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Int("max", s.config.MaxConnections).
				Msg("connection limit reached, rejecting")
			continue
		}

		clientID := uuid.New().String()
		sess := &session{
			id:   clientID,
			conn: conn,
			record: &types.BrokerSession{
				ClientID:     clientID,
				RemoteAddr:   conn.RemoteAddr().String(),
				ConnectedAt:  time.Now(),
				LastActivity: time.Now(),
				Status:       types.SessionConnecting,
			},
		}
		s.sessions[clientID] = sess
		s.mu.Unlock()

		s.statsMu.Lock()
		s.stats.TotalConnections++
		s.statsMu.Unlock()
		metrics.BrokerSessions.Inc()

		s.wg.Add(1)
		go s.serveSession(sess)
	}
}

func (s *Server) serveSession(sess *session) {
	defer s.wg.Done()

	logger := s.logger.With().Str("client_id", sess.id).Logger()

	welcome := NewMessage(types.MessageSystem, fmt.Sprintf("welcome %s", sess.id))
	welcome.Sender = "server"
	welcome.Target = sess.id
	welcome.Metadata = map[string]interface{}{"client_id": sess.id}
	if n, err := sess.write(welcome); err != nil {
		logger.Debug().Err(err).Msg("welcome frame failed")
		s.removeSession(sess)
		return
	} else {
		s.countSent(welcome, n)
	}

	sess.setStatus(types.SessionConnected)
	logger.Info().Str("remote", sess.conn.RemoteAddr().String()).Msg("client connected")

	for {
		body, err := ReadFrame(sess.conn, s.config.MessageBufferSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				// Oversized frames are rejected but the peer stays
				s.countError()
				sess.strikes++
				logger.Warn().Int("strikes", sess.strikes).Msg("oversized frame rejected")
				if sess.strikes >= strikeLimit {
					break
				}
				continue
			}
			if !isClosedErr(err) && !s.stopping() {
				logger.Debug().Err(err).Msg("read failed")
			}
			break
		}

		sess.touch()

		msg, err := DecodeMessage(body)
		if err != nil {
			s.countError()
			sess.strikes++
			logger.Debug().Err(err).Int("strikes", sess.strikes).Msg("dropping malformed frame")
			if sess.strikes >= strikeLimit {
				break
			}
			continue
		}

		s.statsMu.Lock()
		s.stats.MessagesReceived++
		s.stats.BytesReceived += uint64(len(body) + frameHeaderSize)
		s.statsMu.Unlock()
		metrics.BrokerMessagesTotal.WithLabelValues(string(msg.Type), "in").Inc()

		s.dispatch(sess, msg, logger)
	}

	s.disconnectSession(sess, "")
}

// dispatch routes one received message by type
func (s *Server) dispatch(sess *session, msg *types.BrokerMessage, logger zerolog.Logger) {
	msg.Sender = sess.id

	switch msg.Type {
	case types.MessageBroadcast, types.MessageChat:
		s.recordHistory(msg)
		s.broadcast(msg)
	case types.MessagePrivate:
		s.recordHistory(msg)
		if !s.unicast(msg.Target, msg) {
			// Soft failure: the target may have just left
			logger.Debug().Str("target", msg.Target).Msg("private message target not found")
		}
	case types.MessageHeartbeat:
		// Activity timestamp already updated; nothing else to do
	default:
		s.countError()
		logger.Debug().Str("type", string(msg.Type)).Msg("unhandled message type")
	}
}

// broadcast delivers msg to every connected session. Deliveries run
// concurrently and fail independently.
func (s *Server) broadcast(msg *types.BrokerMessage) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target *session) {
			defer wg.Done()
			n, err := target.write(msg)
			if err != nil {
				s.logger.Debug().
					Err(err).
					Str("client_id", target.id).
					Msg("broadcast delivery failed")
				return
			}
			s.countSent(msg, n)
		}(target)
	}
	wg.Wait()
}

// unicast delivers msg to one session, reporting whether it was found
func (s *Server) unicast(clientID string, msg *types.BrokerMessage) bool {
	s.mu.RLock()
	target, ok := s.sessions[clientID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	n, err := target.write(msg)
	if err != nil {
		s.logger.Debug().Err(err).Str("client_id", clientID).Msg("unicast delivery failed")
		return true
	}
	s.countSent(msg, n)
	return true
}

func (s *Server) recordHistory(msg *types.BrokerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	if len(s.history) > s.config.MaxHistorySize {
		s.history = s.history[len(s.history)-s.config.MaxHistorySize:]
	}
}

// evictionLoop closes sessions that have gone quiet past the client
// timeout
func (s *Server) evictionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictIdle()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) evictIdle() {
	cutoff := time.Now().Add(-s.config.ClientTimeout)

	s.mu.RLock()
	idle := make([]*session, 0)
	for _, sess := range s.sessions {
		if sess.lastActivity().Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range idle {
		s.logger.Info().
			Str("client_id", sess.id).
			Time("last_activity", sess.lastActivity()).
			Msg("evicting idle session")
		s.disconnectSession(sess, "idle timeout")
	}
}

// disconnectSession walks the session through disconnecting and removes
// it. Safe to call more than once.
func (s *Server) disconnectSession(sess *session, reason string) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	sess.setStatus(types.SessionDisconnecting)
	if reason != "" {
		bye := NewMessage(types.MessageSystem, reason)
		bye.Sender = "server"
		_, _ = sess.write(bye)
	}
	_ = sess.conn.Close()
	sess.setStatus(types.SessionDisconnected)
	metrics.BrokerSessions.Dec()

	s.logger.Info().Str("client_id", sess.id).Msg("client disconnected")
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	sess.setStatus(types.SessionError)
	_ = sess.conn.Close()
	sess.setStatus(types.SessionDisconnected)
	metrics.BrokerSessions.Dec()
}

func (s *Server) countSent(msg *types.BrokerMessage, n int) {
	s.statsMu.Lock()
	s.stats.MessagesSent++
	s.stats.BytesSent += uint64(n)
	s.statsMu.Unlock()
	metrics.BrokerMessagesTotal.WithLabelValues(string(msg.Type), "out").Inc()
}

func (s *Server) countError() {
	s.statsMu.Lock()
	s.stats.Errors++
	s.statsMu.Unlock()
	metrics.BrokerErrorsTotal.Inc()
}

func (s *Server) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}
