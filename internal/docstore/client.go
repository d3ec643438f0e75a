package docstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/logger"
)

// ClientConfig configures the TCP store client.
type ClientConfig struct {
	Addr           string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Client speaks the store wire protocol over one shared TCP connection.
// Requests are correlated to responses by ref id; a dropped connection fails
// every pending request and reconnects with doubling backoff.
type Client struct {
	cfg    ClientConfig
	logger *logger.Logger

	writeMu sync.Mutex
	connMu  sync.RWMutex
	conn    net.Conn

	pendingMu sync.Mutex
	pending   map[uint64]chan *Response

	nextRef atomic.Uint64

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewClient dials the store and starts the response reader. The initial dial
// is synchronous so a misconfigured address fails at startup.
func NewClient(ctx context.Context, cfg ClientConfig, log *logger.Logger) (*Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		logger:  log.Named("docstore"),
		pending: make(map[uint64]chan *Response),
		closed:  make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("docstore dial %s: %w", cfg.Addr, err)
	}
	c.setConn(conn)

	c.wg.Add(1)
	go c.readLoop(conn)

	c.logger.Info("connected to document store", zap.String("addr", cfg.Addr))
	return c, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", c.cfg.Addr)
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) currentConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// readLoop decodes responses and routes them to waiters. On a read error it
// fails all pending requests and hands off to the reconnect loop.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	for {
		refID, resp, err := DecodeResponse(conn)
		if err != nil {
			c.failPending()
			select {
			case <-c.closed:
				return
			default:
			}
			c.logger.Warn("store connection lost", zap.Error(err))
			c.reconnect()
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[refID]
		if ok {
			delete(c.pending, refID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

// reconnect dials with doubling backoff capped at 30 seconds until the
// client is closed, then restarts the read loop.
func (c *Client) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.setConn(conn)
			c.logger.Info("reconnected to document store", zap.String("addr", c.cfg.Addr))
			c.wg.Add(1)
			go c.readLoop(conn)
			return
		}

		c.logger.Warn("store reconnect failed",
			zap.Duration("retry_in", backoff),
			zap.Error(err))
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (c *Client) failPending() {
	c.setConn(nil)
	c.pendingMu.Lock()
	for ref, ch := range c.pending {
		delete(c.pending, ref)
		close(ch)
	}
	c.pendingMu.Unlock()
}

// roundTrip sends one request and waits for its correlated response.
func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	select {
	case <-c.closed:
		return nil, ErrNotConnected
	default:
	}

	conn := c.currentConn()
	if conn == nil {
		return nil, ErrNotConnected
	}

	refID := c.nextRef.Add(1)
	ch := make(chan *Response, 1)

	c.pendingMu.Lock()
	c.pending[refID] = ch
	c.pendingMu.Unlock()

	abandon := func() {
		c.pendingMu.Lock()
		delete(c.pending, refID)
		c.pendingMu.Unlock()
	}

	c.writeMu.Lock()
	err := EncodeRequest(conn, refID, req)
	c.writeMu.Unlock()
	if err != nil {
		abandon()
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-timer.C:
		abandon()
		return nil, ErrTimeout
	case <-c.closed:
		abandon()
		return nil, ErrNotConnected
	}
}

// PutDocument stores meta and body under key.
func (c *Client) PutDocument(ctx context.Context, key string, meta, body []byte) error {
	resp, err := c.roundTrip(ctx, &Request{Op: opPut, Key: key, Meta: meta, Body: body})
	if err != nil {
		return err
	}
	return respToErr(resp)
}

// GetDocument fetches the document at key.
func (c *Client) GetDocument(ctx context.Context, key string) (*Document, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: opGet, Key: key})
	if err != nil {
		return nil, err
	}
	switch resp.Op {
	case opDocument:
		return &Document{Key: key, Meta: resp.Meta, Body: resp.Body}, nil
	case opNotFound:
		return nil, ErrNotFound
	default:
		return nil, respToErr(resp)
	}
}

// DeleteDocument removes the document at key. Deleting a missing key is not
// an error.
func (c *Client) DeleteDocument(ctx context.Context, key string) error {
	resp, err := c.roundTrip(ctx, &Request{Op: opDelete, Key: key})
	if err != nil {
		return err
	}
	if resp.Op == opNotFound {
		return nil
	}
	return respToErr(resp)
}

// ListDocuments returns every stored key.
func (c *Client) ListDocuments(ctx context.Context) ([]string, error) {
	resp, err := c.roundTrip(ctx, &Request{Op: opList})
	if err != nil {
		return nil, err
	}
	if resp.Op == opKeyList {
		return resp.Keys, nil
	}
	return nil, respToErr(resp)
}

// Close shuts the client down and fails any pending requests.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if conn := c.currentConn(); conn != nil {
			_ = conn.Close()
		}
		c.failPending()
	})
	c.wg.Wait()
	return nil
}

func respToErr(resp *Response) error {
	switch resp.Op {
	case opOk:
		return nil
	case opNotFound:
		return ErrNotFound
	case opError:
		return errors.New("docstore: " + resp.Message)
	default:
		return fmt.Errorf("docstore: unexpected response op 0x%02x", resp.Op)
	}
}

var _ Store = (*Client)(nil)
