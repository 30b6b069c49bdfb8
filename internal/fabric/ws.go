package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSConfig configures WebSocket transport behavior.
type WSConfig struct {
	// DialRetries is the number of connection attempts before Dial gives up.
	// Retries apply only to connection setup, never per message.
	DialRetries int
	// ReconnectDelay is the initial delay before a retry attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential backoff.
	MaxReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
	// InboxCapacity bounds the remote endpoint's local inbox.
	InboxCapacity int
}

// DefaultWSConfig returns default WebSocket transport configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		DialRetries:       5,
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		InboxCapacity:     256,
	}
}

// helloFrame is the first message a remote sends after connecting,
// identifying which service endpoint it represents.
type helloFrame struct {
	ID string `json:"id"`
}

// Gateway attaches remote service endpoints to a local Registry over
// WebSocket. Frames received from a remote are routed through the registry
// exactly as if the service were in-process.
type Gateway struct {
	registry *Registry
	upgrader websocket.Upgrader
	config   WSConfig
	logger   zerolog.Logger
}

// NewGateway creates a gateway in front of the given registry.
func NewGateway(registry *Registry, config WSConfig, logger zerolog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		config:   config,
		logger:   logger.With().Str("component", "fabric_gateway").Logger(),
	}
}

// ServeHTTP upgrades the connection, reads the hello frame, registers the
// remote as an endpoint, and pumps inbound frames into the registry until
// the connection drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	var hello helloFrame
	if err := json.Unmarshal(raw, &hello); err != nil || hello.ID == "" {
		g.logger.Warn().Err(err).Msg("invalid hello frame, dropping connection")
		conn.Close()
		return
	}

	ep := &wsEndpoint{id: hello.ID, conn: conn, writeTimeout: g.config.WriteTimeout}
	if err := g.registry.Register(ep); err != nil {
		g.logger.Warn().Err(err).Str("endpoint", hello.ID).Msg("remote rejected")
		conn.Close()
		return
	}
	defer func() {
		g.registry.Deregister(hello.ID)
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(g.config.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			g.logger.Info().Str("endpoint", hello.ID).Err(err).Msg("remote disconnected")
			return
		}
		env, targets, err := decodeFrame(raw)
		if err != nil {
			// Malformed inbound message: logged and discarded.
			g.logger.Warn().Str("endpoint", hello.ID).Err(err).Msg("discarding malformed frame")
			continue
		}
		g.registry.Send(r.Context(), env, targets...)
	}
}

// wsEndpoint adapts a gateway-side connection to the Endpoint interface.
type wsEndpoint struct {
	id           string
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (e *wsEndpoint) ID() string { return e.id }

func (e *wsEndpoint) Deliver(env Envelope) error {
	data, err := encodeFrame(env, nil)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout))
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

// Remote is the client side of the WebSocket transport. It satisfies Sender,
// so a service wired to a Remote is indistinguishable from one wired to the
// in-process Registry.
type Remote struct {
	id     string
	conn   *websocket.Conn
	config WSConfig
	logger zerolog.Logger

	inbox   *Inbox
	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

// Dial connects a remote service endpoint to a gateway, retrying with
// exponential backoff up to DialRetries attempts.
func Dial(ctx context.Context, url, id string, config WSConfig, logger zerolog.Logger) (*Remote, error) {
	log := logger.With().Str("component", "fabric_remote").Str("endpoint", id).Logger()

	var conn *websocket.Conn
	var err error
	delay := config.ReconnectDelay
	for attempt := 1; ; attempt++ {
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			break
		}
		if attempt >= config.DialRetries {
			return nil, fmt.Errorf("dial %s after %d attempts: %w", url, attempt, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > config.MaxReconnectDelay {
			delay = config.MaxReconnectDelay
		}
	}

	hello, _ := json.Marshal(helloFrame{ID: id})
	conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	r := &Remote{
		id:     id,
		conn:   conn,
		config: config,
		logger: log,
		inbox:  NewInbox(id, config.InboxCapacity),
		done:   make(chan struct{}),
	}

	r.wg.Add(2)
	go r.readLoop()
	go r.pingLoop()
	return r, nil
}

// Inbox returns the queue of envelopes addressed to this endpoint.
func (r *Remote) Inbox() *Inbox { return r.inbox }

// Send implements Sender over the WebSocket connection.
func (r *Remote) Send(_ context.Context, env Envelope, targets ...string) error {
	data, err := encodeFrame(env, targets)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// Transport errors are logged and surfaced; the caller decides
		// whether the message mattered enough to act on.
		r.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("send failed")
		return err
	}
	return nil
}

// Close tears down the connection and stops the pump goroutines.
func (r *Remote) Close() error {
	close(r.done)
	err := r.conn.Close()
	r.wg.Wait()
	r.inbox.Close()
	return err
}

func (r *Remote) readLoop() {
	defer r.wg.Done()

	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
	})

	for {
		r.conn.SetReadDeadline(time.Now().Add(r.config.ReadTimeout))
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.logger.Warn().Err(err).Msg("read loop terminated")
			}
			return
		}
		env, _, err := decodeFrame(raw)
		if err != nil {
			r.logger.Warn().Err(err).Msg("discarding malformed frame")
			continue
		}
		if err := r.inbox.Deliver(env); err != nil {
			r.logger.Warn().Err(err).Str("kind", string(env.Kind)).Msg("inbox overflow, envelope dropped")
		}
	}
}

func (r *Remote) pingLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			r.conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
			err := r.conn.WriteMessage(websocket.PingMessage, nil)
			r.writeMu.Unlock()
			if err != nil {
				r.logger.Warn().Err(err).Msg("ping failed")
			}
		}
	}
}
