// Package hume is a minimal client for Hume's Empathic Voice Interface chat
// socket: submit text, receive typed events.
package hume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultChatURL  = "wss://api.hume.ai/v0/evi/chat"
	DefaultTokenURL = "https://api.hume.ai/oauth2-cc/token"
)

// ErrClosed is returned by Next once the chat socket has closed.
var ErrClosed = errors.New("hume chat closed")

type Config struct {
	APIKey    string
	SecretKey string

	ChatURL  string
	TokenURL string
	// ConfigID selects a saved EVI configuration. Empty uses the account default.
	ConfigID string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// HTTPClient is used for the token exchange.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client opens EVI chats. It is safe for concurrent use; each Connect returns
// an independent chat.
type Client struct {
	chatURL          string
	configID         string
	tokens           *tokenCache
	logger           *slog.Logger
	dialer           *websocket.Dialer
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("hume api key is required")
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("hume secret key is required")
	}
	if cfg.ChatURL == "" {
		cfg.ChatURL = DefaultChatURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, err := url.Parse(cfg.ChatURL); err != nil {
		return nil, fmt.Errorf("parse chat url: %w", err)
	}

	return &Client{
		chatURL:          cfg.ChatURL,
		configID:         strings.TrimSpace(cfg.ConfigID),
		tokens:           newTokenCache(cfg),
		logger:           cfg.Logger,
		dialer:           &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		writeTimeout:     cfg.WriteTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
	}, nil
}

// tokenCache exchanges the API key and secret key for an access token using
// the client-credentials grant and keeps it until it expires. The exchange runs
// under the caller's ctx, so connect timeouts and cancellation bound it.
type tokenCache struct {
	cc         clientcredentials.Config
	httpClient *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

func newTokenCache(cfg Config) *tokenCache {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 10 * time.Second}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient := &http.Client{
		Timeout:   base.Timeout,
		Transport: otelhttp.NewTransport(transport),
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.APIKey,
		ClientSecret: cfg.SecretKey,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	return &tokenCache{cc: cc, httpClient: httpClient}
}

// Token returns the cached token or fetches a new one. The lock is not held
// during the exchange, so one slow fetch cannot outlive another caller's ctx.
func (t *tokenCache) Token(ctx context.Context) (*oauth2.Token, error) {
	t.mu.Lock()
	tok := t.tok
	t.mu.Unlock()
	if tok.Valid() {
		return tok, nil
	}

	tok, err := t.cc.Token(context.WithValue(ctx, oauth2.HTTPClient, t.httpClient))
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.tok = tok
	t.mu.Unlock()
	return tok, nil
}

// Connect opens a chat socket and returns once the websocket handshake has
// completed.
func (c *Client) Connect(ctx context.Context) (*Chat, error) {
	ctx, span := tracer.Start(ctx, "hume connect")
	defer span.End()

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return nil, fmt.Errorf("fetch hume access token: %w", err)
	}

	u, err := url.Parse(c.chatURL)
	if err != nil {
		return nil, fmt.Errorf("parse chat url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", tok.AccessToken)
	if c.configID != "" {
		q.Set("config_id", c.configID)
		span.SetAttributes(attribute.String("hume.config_id", c.configID))
	}
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "websocket dial failed")
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	chat := newChat(conn, c.writeTimeout)
	chat.logger = c.logger
	go chat.readLoop()
	return chat, nil
}

type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Chat is one open EVI conversation socket. Next must be called from a single
// goroutine; SendUserInput and Close may be called from any goroutine.
type Chat struct {
	conn         wsConn
	writeTimeout time.Duration

	events chan Event
	done   chan struct{}
	stop   chan struct{}

	errMu   sync.Mutex
	readErr error

	writeMu sync.Mutex
	closed  atomic.Bool

	logger *slog.Logger
}

func newChat(conn wsConn, writeTimeout time.Duration) *Chat {
	return &Chat{
		conn:         conn,
		writeTimeout: writeTimeout,
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
		stop:         make(chan struct{}),
	}
}

// SendUserInput submits text as a user turn.
func (c *Chat) SendUserInput(ctx context.Context, text string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(userInputMessage{Type: "user_input", Text: text})
	if err != nil {
		return fmt.Errorf("encode user_input: %w", err)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send user_input: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send user_input: %w", err)
	}
	return nil
}

// Next blocks until the next event arrives, the socket closes, or ctx ends.
// After the socket closes it returns ErrClosed or the read error that closed it.
func (c *Chat) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			return Event{}, c.err()
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Done is closed when the read loop exits.
func (c *Chat) Done() <-chan struct{} {
	return c.done
}

func (c *Chat) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.stop)
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Chat) err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return ErrClosed
	}
	return c.readErr
}

func (c *Chat) readLoop() {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			switch {
			case c.closed.Load(), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.readErr = ErrClosed
			default:
				c.readErr = fmt.Errorf("read hume event: %w", err)
			}
			c.errMu.Unlock()
			return
		}

		ev, err := DecodeEvent(data)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("skipping undecodable hume event", "error", err, "bytes", len(data))
			}
			continue
		}
		select {
		case c.events <- ev:
		case <-c.stop:
			c.errMu.Lock()
			c.readErr = ErrClosed
			c.errMu.Unlock()
			return
		}
	}
}
