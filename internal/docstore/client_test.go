package docstore

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ringforge/ringforge/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return log
}

// loopbackServer serves the store protocol on a localhost listener, backed
// by a MemoryStore.
type loopbackServer struct {
	ln    net.Listener
	store *MemoryStore
	wg    sync.WaitGroup
}

func startLoopbackServer(t *testing.T) *loopbackServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &loopbackServer{ln: ln, store: NewMemoryStore()}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *loopbackServer) addr() string { return s.ln.Addr().String() }

func (s *loopbackServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *loopbackServer) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		refID, req, err := DecodeRequest(conn)
		if err != nil {
			return
		}
		resp := s.handle(req)
		if err := EncodeResponse(conn, refID, resp); err != nil {
			return
		}
	}
}

func (s *loopbackServer) handle(req *Request) *Response {
	ctx := context.Background()
	switch req.Op {
	case opPut:
		if err := s.store.PutDocument(ctx, req.Key, req.Meta, req.Body); err != nil {
			return &Response{Op: opError, Message: err.Error()}
		}
		return &Response{Op: opOk}
	case opGet:
		doc, err := s.store.GetDocument(ctx, req.Key)
		if errors.Is(err, ErrNotFound) {
			return &Response{Op: opNotFound}
		}
		if err != nil {
			return &Response{Op: opError, Message: err.Error()}
		}
		return &Response{Op: opDocument, Meta: doc.Meta, Body: doc.Body}
	case opDelete:
		if err := s.store.DeleteDocument(ctx, req.Key); err != nil {
			return &Response{Op: opError, Message: err.Error()}
		}
		return &Response{Op: opOk}
	case opList:
		keys, err := s.store.ListDocuments(ctx)
		if err != nil {
			return &Response{Op: opError, Message: err.Error()}
		}
		return &Response{Op: opKeyList, Keys: keys}
	default:
		return &Response{Op: opError, Message: "unknown op"}
	}
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), ClientConfig{
		Addr:           addr,
		DialTimeout:    time.Second,
		RequestTimeout: 2 * time.Second,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientPutGetDeleteList(t *testing.T) {
	srv := startLoopbackServer(t)
	c := newTestClient(t, srv.addr())
	ctx := context.Background()

	if err := c.PutDocument(ctx, "dmq:f1:ag_x:msg_1", []byte(`{"ttl":300}`), []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.PutDocument(ctx, "mem:f1:plan", nil, []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	doc, err := c.GetDocument(ctx, "dmq:f1:ag_x:msg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(doc.Body) != "hello" || string(doc.Meta) != `{"ttl":300}` {
		t.Errorf("got doc %+v", doc)
	}

	keys, err := c.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want 2 entries", keys)
	}

	if err := c.DeleteDocument(ctx, "dmq:f1:ag_x:msg_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetDocument(ctx, "dmq:f1:ag_x:msg_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
	// Deleting a key that is already gone still succeeds.
	if err := c.DeleteDocument(ctx, "dmq:f1:ag_x:msg_1"); err != nil {
		t.Errorf("second delete = %v", err)
	}
}

func TestClientGetMissingIsNotFound(t *testing.T) {
	srv := startLoopbackServer(t)
	c := newTestClient(t, srv.addr())

	_, err := c.GetDocument(context.Background(), "no:such:key")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClientConcurrentRequestsCorrelate(t *testing.T) {
	srv := startLoopbackServer(t)
	c := newTestClient(t, srv.addr())
	ctx := context.Background()

	const n = 16
	for i := byte(0); i < n; i++ {
		key := "mem:f1:" + string(rune('a'+i))
		if err := c.PutDocument(ctx, key, nil, []byte{i}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := byte(0); i < n; i++ {
		wg.Add(1)
		go func(i byte) {
			defer wg.Done()
			key := "mem:f1:" + string(rune('a'+i))
			doc, err := c.GetDocument(ctx, key)
			if err != nil {
				errs <- err
				return
			}
			if len(doc.Body) != 1 || doc.Body[0] != i {
				errs <- errors.New("response correlated to wrong request: " + key)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	// A listener that accepts but never responds.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(io.Discard, conn) }()
		}
	}()

	c, err := NewClient(context.Background(), ClientConfig{
		Addr:           ln.Addr().String(),
		DialTimeout:    time.Second,
		RequestTimeout: 100 * time.Millisecond,
	}, testLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()

	if err := c.PutDocument(context.Background(), "k", nil, []byte("v")); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestClientClosedRejectsRequests(t *testing.T) {
	srv := startLoopbackServer(t)
	c := newTestClient(t, srv.addr())
	c.Close()

	if err := c.PutDocument(context.Background(), "k", nil, []byte("v")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
