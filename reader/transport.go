package reader

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	ratemetrics "marketflow/internal/metrics/rate"
	"marketflow/internal/session"
	"marketflow/logger"
)

const defaultHandshakeTimeout = 10 * time.Second

// ConnectorOption customises a WSConnector.
type ConnectorOption func(*WSConnector)

// WithLocalIP binds outgoing connections to ip. Invalid addresses are ignored.
func WithLocalIP(ip string) ConnectorOption {
	return func(c *WSConnector) {
		if parsed := net.ParseIP(ip); parsed != nil {
			c.dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: parsed}}).DialContext
		}
	}
}

// WithWriteRate paces outgoing frames. Providers cap client messages per
// second and disconnect clients that exceed the cap.
func WithWriteRate(perSecond float64, burst int) ConnectorOption {
	return func(c *WSConnector) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			c.limit = rate.Limit(perSecond)
			c.burst = burst
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ConnectorOption {
	return func(c *WSConnector) {
		if d > 0 {
			c.dialer.HandshakeTimeout = d
		}
	}
}

// WSConnector dials provider websockets with gorilla/websocket.
type WSConnector struct {
	exchange string
	dialer   *websocket.Dialer
	header   http.Header
	limit    rate.Limit
	burst    int
	tracker  *ratemetrics.ConnTracker
	log      *logger.Log
}

func NewWSConnector(exchange string, opts ...ConnectorOption) *WSConnector {
	c := &WSConnector{
		exchange: exchange,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		header:  http.Header{"User-Agent": []string{userAgent}},
		limit:   rate.Inf,
		burst:   1,
		tracker: ratemetrics.NewConnTracker(time.Second),
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tracker exposes outgoing message and handshake counts.
func (c *WSConnector) Tracker() *ratemetrics.ConnTracker {
	return c.tracker
}

// Connect dials endpoint. A handshake refused with 429 or 418 is returned as
// a *RateLimitError.
func (c *WSConnector) Connect(ctx context.Context, endpoint string) (session.Conn, error) {
	c.tracker.RegisterConnectionAttempt()

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, c.header)
	if err != nil {
		if resp != nil {
			if limitErr := rateLimitFromStatus(c.exchange, resp.StatusCode, resp.Header); limitErr != nil {
				c.report(limitErr)
				return nil, fmt.Errorf("dial %s: %w", endpoint, limitErr)
			}
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c.log.WithComponent(component(c.exchange)).WithFields(logger.Fields{
		"endpoint": endpoint,
	}).Debug("websocket connected")

	return &wsConn{
		conn:    conn,
		ctx:     ctx,
		limiter: rate.NewLimiter(c.limit, c.burst),
		tracker: c.tracker,
	}, nil
}

func (c *WSConnector) report(err *RateLimitError) {
	if err.Banned {
		ratemetrics.ReportIPBan(c.log, c.exchange, "", "websocket")
		return
	}
	ratemetrics.ReportRateLimitExceeded(c.log, c.exchange, "", "websocket")
}

// wsConn serialises writes; gorilla allows one concurrent reader and one
// concurrent writer.
type wsConn struct {
	conn    *websocket.Conn
	ctx     context.Context
	limiter *rate.Limiter
	tracker *ratemetrics.ConnTracker

	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.tracker.RegisterOutgoing(1)
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close sends a close frame before dropping the connection.
func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
