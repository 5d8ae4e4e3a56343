package broker

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/probelab/netprobe/pkg/log"
	"github.com/probelab/netprobe/pkg/types"
)

// ErrNotConnected is returned by SendMessage when the client is offline
// and buffering is disabled or full
var ErrNotConnected = errors.New("client not connected")

// ClientConfig holds broker client configuration
type ClientConfig struct {
	ServerHost string
	ServerPort int

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	// MaxReconnectAttempts below zero means retry forever; zero means no
	// reconnect attempts are made
	MaxReconnectAttempts int
	AutoReconnect        bool

	// BufferMessages enqueues sends while disconnected
	BufferMessages bool
	MaxBufferSize  int
	// MaxRetries bounds re-enqueues of a message whose send failed
	MaxRetries int

	MessageBufferSize int
}

// DefaultClientConfig returns a ClientConfig with sensible defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectAttempts: -1,
		AutoReconnect:        true,
		BufferMessages:       true,
		MaxBufferSize:        1000,
		MaxRetries:           3,
		MessageBufferSize:    8192,
	}
}

// ClientStats is a point-in-time snapshot of client counters
type ClientStats struct {
	State             types.ClientState `json:"state"`
	MessagesSent      uint64            `json:"messages_sent"`
	MessagesReceived  uint64            `json:"messages_received"`
	Errors            uint64            `json:"errors"`
	BufferedMessages  int               `json:"buffered_messages"`
	DroppedMessages   uint64            `json:"dropped_messages"`
	ReconnectAttempts int               `json:"reconnect_attempts"`
	ConnectFailures   uint64            `json:"connect_failures"`
}

// MessageHandler receives every message delivered to the client
type MessageHandler func(*types.BrokerMessage)

// Client is a broker client with heartbeats, buffering and
// auto-reconnect
type Client struct {
	config ClientConfig
	logger zerolog.Logger
	buffer *messageBuffer

	mu              sync.Mutex
	state           types.ClientState
	conn            net.Conn
	clientID        string
	handler         MessageHandler
	shouldReconnect bool
	attempts        int
	started         bool

	messagesSent     uint64
	messagesReceived uint64
	errorCount       uint64
	connectFailures  uint64

	reconnectCh chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewClient creates a broker client from cfg
func NewClient(cfg ClientConfig) *Client {
	def := DefaultClientConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = def.MaxBufferSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = def.MessageBufferSize
	}

	return &Client{
		config:      cfg,
		logger:      log.WithComponent("broker-client"),
		buffer:      newMessageBuffer(cfg.MaxBufferSize),
		state:       types.ClientDisconnected,
		reconnectCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// OnMessage registers the handler invoked for every received message
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// State returns the current connection state
func (c *Client) State() types.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the id assigned by the server's welcome frame
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Stats returns a snapshot of the client counters
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		State:             c.state,
		MessagesSent:      c.messagesSent,
		MessagesReceived:  c.messagesReceived,
		Errors:            c.errorCount,
		BufferedMessages:  c.buffer.len(),
		DroppedMessages:   c.buffer.droppedCount(),
		ReconnectAttempts: c.attempts,
		ConnectFailures:   c.connectFailures,
	}
}

// Connect opens the framed connection, starts the background loops, and
// flushes any buffered messages in priority order
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state == types.ClientConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = types.ClientConnecting
	c.shouldReconnect = c.config.AutoReconnect
	c.mu.Unlock()

	addr := net.JoinHostPort(c.config.ServerHost, strconv.Itoa(c.config.ServerPort))
	conn, err := net.DialTimeout("tcp", addr, c.config.ConnectTimeout)
	if err != nil {
		c.mu.Lock()
		c.state = types.ClientError
		c.connectFailures++
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = types.ClientConnected
	if !c.started {
		c.started = true
		c.wg.Add(2)
		go c.heartbeatLoop()
		go c.reconnectLoop()
	}
	c.wg.Add(1)
	go c.receiveLoop(conn)
	c.mu.Unlock()

	c.logger.Info().Str("addr", addr).Msg("connected to broker")
	c.flushBuffer()
	return nil
}

// Disconnect cleanly shuts the client down; reconnection stops
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.conn = nil
	c.state = types.ClientDisconnected
	started := c.started
	c.started = false
	c.mu.Unlock()

	if conn != nil {
		// Send a courtesy disconnect frame; the peer may already be gone
		_, _ = WriteMessage(conn, NewMessage(types.MessageDisconnect, "goodbye"))
		_ = conn.Close()
	}

	if started {
		close(c.stopCh)
		c.wg.Wait()
		c.mu.Lock()
		c.stopCh = make(chan struct{})
		c.mu.Unlock()
	}
	c.logger.Info().Msg("disconnected from broker")
}

// SendMessage delivers msg now when connected, otherwise buffers it when
// buffering is enabled and the buffer has room
func (c *Client) SendMessage(msg *types.BrokerMessage, priority types.MessagePriority) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == types.ClientConnected
	c.mu.Unlock()

	if connected && conn != nil {
		if err := c.writeMessage(conn, msg); err != nil {
			// The write failing doubles as loss detection
			c.handleConnectionLoss(conn, err)
			item := &types.BufferedMessage{Message: msg, Priority: priority, Retries: 1}
			if c.config.BufferMessages && item.Retries <= c.config.MaxRetries {
				c.buffer.pushRetry(item)
			}
			return err
		}
		return nil
	}

	if c.config.BufferMessages {
		if c.buffer.push(msg, priority) {
			return nil
		}
		c.countError()
		return fmt.Errorf("%w: buffer full, message dropped", ErrNotConnected)
	}
	return ErrNotConnected
}

// writeMessage frames and writes one message, counting the send
func (c *Client) writeMessage(conn net.Conn, msg *types.BrokerMessage) error {
	if _, err := WriteMessage(conn, msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.messagesSent++
	c.mu.Unlock()
	return nil
}

// flushBuffer sends everything queued while disconnected. Failed sends
// go back into the buffer until their retry budget runs out.
func (c *Client) flushBuffer() {
	for {
		item := c.buffer.pop()
		if item == nil {
			return
		}

		c.mu.Lock()
		conn := c.conn
		connected := c.state == types.ClientConnected
		c.mu.Unlock()
		if !connected || conn == nil {
			c.buffer.pushRetry(item)
			return
		}

		if err := c.writeMessage(conn, item.Message); err != nil {
			item.Retries++
			if item.Retries <= c.config.MaxRetries {
				c.buffer.pushRetry(item)
			} else {
				c.countError()
				c.logger.Warn().Str("message_id", item.Message.MessageID).Msg("dropping message after max retries")
			}
			c.handleConnectionLoss(conn, err)
			return
		}
	}
}

// receiveLoop reads frames until the connection dies
func (c *Client) receiveLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		body, err := ReadFrame(conn, c.config.MessageBufferSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				c.countError()
				continue
			}
			// Incomplete reads mean the peer or the link went away
			c.handleConnectionLoss(conn, err)
			return
		}

		msg, err := DecodeMessage(body)
		if err != nil {
			c.countError()
			continue
		}

		c.mu.Lock()
		c.messagesReceived++
		// The welcome frame carries our server-assigned id
		if c.clientID == "" && msg.Type == types.MessageSystem {
			if id, ok := msg.Metadata["client_id"].(string); ok {
				c.clientID = id
			}
		}
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}

// heartbeatLoop sends a heartbeat frame at the configured interval while
// connected
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			connected := c.state == types.ClientConnected
			c.mu.Unlock()
			if !connected || conn == nil {
				continue
			}

			hb := NewMessage(types.MessageHeartbeat, "ping")
			if err := c.writeMessage(conn, hb); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat failed")
				c.handleConnectionLoss(conn, err)
			}
		case <-c.stopCh:
			return
		}
	}
}

// reconnectLoop waits for loss signals and re-dials until it succeeds or
// the attempt budget is spent
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.reconnectCh:
		case <-c.stopCh:
			return
		}

		for {
			c.mu.Lock()
			retry := c.shouldReconnect
			attempts := c.attempts
			c.mu.Unlock()
			if !retry {
				break
			}
			if c.config.MaxReconnectAttempts >= 0 && attempts >= c.config.MaxReconnectAttempts {
				c.logger.Warn().Int("attempts", attempts).Msg("reconnect budget exhausted, giving up")
				c.mu.Lock()
				c.shouldReconnect = false
				c.state = types.ClientDisconnected
				c.mu.Unlock()
				break
			}

			select {
			case <-time.After(c.config.ReconnectInterval):
			case <-c.stopCh:
				return
			}

			c.mu.Lock()
			c.attempts++
			c.state = types.ClientReconnecting
			c.mu.Unlock()

			if err := c.Connect(); err != nil {
				c.logger.Debug().Err(err).Int("attempt", c.attempts).Msg("reconnect failed")
				continue
			}
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
			break
		}
	}
}

// handleConnectionLoss tears the current connection down and kicks the
// reconnect loop. Concurrent callers for the same connection collapse
// into one loss event.
func (c *Client) handleConnectionLoss(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn || conn == nil {
		// Someone else already handled this connection
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = types.ClientError
	retry := c.shouldReconnect
	c.mu.Unlock()

	_ = conn.Close()
	if !isClosedErr(err) {
		c.logger.Warn().Err(err).Msg("connection lost")
	} else {
		c.logger.Info().Msg("connection closed by server")
	}

	if retry {
		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
	}
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}
