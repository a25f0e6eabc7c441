package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

/*
LEARNING: CLIENT SIDE OF THE HUB

The relay runs one read pump and one write pump per connection. The client
mirrors that with a single long-lived goroutine per transport:

	dial ──► onOpen ──► read pump (blocks) ──► onClose ──► backoff ──► dial ...

Writes happen on the caller's goroutine (Send) behind a mutex, because gorilla
allows only one concurrent writer. Control frames (ping, pong, close) are the
exception: WriteControl is safe alongside everything else.
*/

var (
	// ErrNotConnected is returned by Send while no connection is open
	ErrNotConnected = errors.New("transport not connected")

	// ErrClosed is returned by Open after Close
	ErrClosed = errors.New("transport closed")
)

const (
	writeWait = 10 * time.Second
)

// Options configure a WebSocket transport
type Options struct {
	// URL is the relay base address, e.g. ws://localhost:8080. http and
	// https are accepted and mapped to ws and wss.
	URL   string
	DocID string

	// ClientID identifies this connection to the relay; generated when empty
	ClientID string
	UserID   string
	UserName string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// PingInterval is how often the client pings; the connection is dropped
	// when nothing is read for two intervals.
	PingInterval time.Duration

	HandshakeTimeout time.Duration
	Logger           *log.Logger
}

// WebSocket is a reconnecting gorilla/websocket client
type WebSocket struct {
	opts     Options
	endpoint string
	dialer   *websocket.Dialer
	logger   *log.Logger

	onOpen    func()
	onMessage func([]byte)
	onClose   func(error)

	mu      sync.Mutex // guards conn, started and cancel
	conn    *websocket.Conn
	started bool
	cancel  context.CancelFunc
	writeMu sync.Mutex
	ready   atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWebSocket validates opts and builds the document endpoint
func NewWebSocket(opts Options) (*WebSocket, error) {
	if opts.DocID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 250 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	endpoint, err := DocumentURL(opts.URL, opts.DocID, url.Values{
		"client_id": {opts.ClientID},
		"user_id":   {opts.UserID},
		"user_name": {opts.UserName},
	})
	if err != nil {
		return nil, err
	}

	return &WebSocket{
		opts:     opts,
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger:    opts.Logger,
		onOpen:    func() {},
		onMessage: func([]byte) {},
		onClose:   func(error) {},
		done:      make(chan struct{}),
	}, nil
}

// DocumentURL returns the relay WebSocket address for docID. Empty query
// values are left out.
func DocumentURL(base, docID string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", base, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme %q", base, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", base)
	}

	u = u.JoinPath("ws", "document", url.PathEscape(docID))

	q := url.Values{}
	for k, vs := range query {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint is the address the transport dials
func (w *WebSocket) Endpoint() string { return w.endpoint }

// ClientID is the identifier sent to the relay
func (w *WebSocket) ClientID() string { return w.opts.ClientID }

// OnOpen, OnMessage and OnClose must be registered before Open. Callbacks
// run on the transport goroutine.
func (w *WebSocket) OnOpen(fn func()) { w.onOpen = fn }
func (w *WebSocket) OnMessage(fn func(frame []byte)) { w.onMessage = fn }
func (w *WebSocket) OnClose(fn func(err error)) { w.onClose = fn }

// Ready reports whether a connection is currently open
func (w *WebSocket) Ready() bool { return w.ready.Load() }

// Open starts connecting in the background and returns immediately. The
// transport keeps reconnecting until ctx is done or Close is called.
func (w *WebSocket) Open(ctx context.Context) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("transport already open")
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Send writes one text frame
func (w *WebSocket) Send(frame string) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil || !w.ready.Load() {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		// Unblocks the read pump, which reports the close and reconnects
		conn.Close()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close stops reconnecting and closes the current connection
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)

		w.mu.Lock()
		conn := w.conn
		if w.cancel != nil {
			w.cancel()
		}
		w.mu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		}
		w.wg.Wait()
	})
	return nil
}

func (w *WebSocket) run(ctx context.Context) {
	defer w.wg.Done()

	reconnect := backoff.NewExponentialBackOff()
	reconnect.InitialInterval = w.opts.ReconnectInitial
	reconnect.MaxInterval = w.opts.ReconnectMax
	reconnect.MaxElapsedTime = 0
	reconnect.Reset()

	for {
		conn, _, err := w.dialer.DialContext(ctx, w.endpoint, nil)
		if err == nil {
			reconnect.Reset()
			err = w.serve(ctx, conn)
			w.onClose(err)
		} else {
			w.logger.Printf("⚠️  Failed to connect to %s: %v", w.endpoint, err)
		}

		timer := time.NewTimer(reconnect.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve owns one connection until it fails or the transport is closed
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) error {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	w.conn = conn
	w.mu.Unlock()

	readWait := 2 * w.opts.PingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	stopPing := make(chan struct{})
	var pingWG sync.WaitGroup
	pingWG.Add(1)
	go func() {
		defer pingWG.Done()
		w.pingLoop(ctx, conn, stopPing)
	}()

	w.ready.Store(true)
	w.logger.Printf("✓ Connected to %s", w.endpoint)
	w.onOpen()

	err := w.readPump(conn)

	w.ready.Store(false)
	close(stopPing)
	pingWG.Wait()

	w.mu.Lock()
	w.conn = nil
	w.mu.Unlock()
	conn.Close()

	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	return err
}

func (w *WebSocket) readPump(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Printf("WebSocket error: %v", err)
			}
			return err
		}
		w.onMessage(message)
	}
}

// pingLoop keeps the connection alive and drops it when ctx is done
func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(w.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
