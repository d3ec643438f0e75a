package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ringforge/ringforge/internal/common/ident"
	"github.com/ringforge/ringforge/internal/common/logger"
	"github.com/ringforge/ringforge/internal/directory"
	"github.com/ringforge/ringforge/internal/pubsub"
	"github.com/ringforge/ringforge/internal/router"
	"github.com/ringforge/ringforge/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Outbound queue capacity per session.
	sendBuffer = 256
)

// Session is one authenticated agent socket. The write pump is the only
// goroutine touching the socket's write side; every other component reaches
// the agent through the send queue.
type Session struct {
	ID         string
	Caller     router.Caller
	TenantID   string
	AuthMethod string

	framework    string
	capabilities []string

	gw     *Gateway
	conn   *websocket.Conn
	sub    *pubsub.Subscriber
	logger *logger.Logger

	mu       sync.Mutex
	closed   bool
	closeMsg []byte
	tags     map[string]struct{}

	send      chan []byte
	closeOnce sync.Once
}

func newSession(g *Gateway, conn *websocket.Conn, agent *directory.Agent, method string) *Session {
	id := ident.NewSessionID()
	return &Session{
		ID: id,
		Caller: router.Caller{
			AgentID: agent.AgentID,
			FleetID: agent.FleetID,
			SquadID: agent.SquadID,
			Name:    agent.Name,
		},
		TenantID:     agent.TenantID,
		AuthMethod:   method,
		framework:    agent.Framework,
		capabilities: agent.Capabilities,
		gw:           g,
		conn:         conn,
		sub:          g.broker.NewSubscriber(0),
		logger: g.logger.WithFields(
			zap.String("session_id", id),
			zap.String("agent_id", agent.AgentID),
			zap.String("fleet_id", agent.FleetID)),
		tags: make(map[string]struct{}),
		send: make(chan []byte, sendBuffer),
	}
}

// ReadPump reads frames from the socket and dispatches them until the peer
// goes away. It owns teardown: when it returns the session is terminated.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.gw.terminate(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		tctx, cancel := context.WithTimeout(context.Background(), writeWait)
		s.gw.directory.Touch(tctx, s.Caller.AgentID)
		cancel()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			s.logger.Debug("malformed frame", zap.Error(err))
			s.sendFrame(wire.NewErrorFrame("", wire.ErrInvalidPayload, "malformed frame", ""))
			continue
		}
		s.gw.dispatch(ctx, s, frame)
	}
}

// WritePump writes queued frames and keepalive pings. Each frame is its own
// message; clients decode one JSON envelope per read.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, s.closeMessage())
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardDeliveries moves pub/sub deliveries to the send queue. It exits
// when the subscriber closes.
func (s *Session) forwardDeliveries() {
	for d := range s.sub.C() {
		s.enqueue(d.Data)
	}
}

// enqueue hands raw bytes to the write pump. Frames arriving after close are
// dropped; a full queue drops the frame rather than block a publisher.
func (s *Session) enqueue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Warn("send queue full, dropping frame")
	}
}

func (s *Session) sendFrame(frame *wire.Frame) {
	data, err := wire.Encode(frame)
	if err != nil {
		s.logger.Error("frame encode failed", zap.Error(err))
		return
	}
	s.enqueue(data)
}

// close detaches the subscriber and closes the send queue, which stops the
// write pump. Safe to call more than once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.sub.Close()
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
	})
}

// setCloseMessage picks the close frame the write pump sends on exit.
func (s *Session) setCloseMessage(msg []byte) {
	s.mu.Lock()
	s.closeMsg = msg
	s.mu.Unlock()
}

func (s *Session) closeMessage() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeMsg != nil {
		return s.closeMsg
	}
	return []byte{}
}

// addTags subscribes the session to each tag's topic and returns the sorted
// subscription set.
func (s *Session) addTags(tags []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tags {
		s.tags[t] = struct{}{}
		s.sub.Subscribe(pubsub.TagTopic(s.Caller.FleetID, t))
	}
	return s.tagListLocked()
}

// removeTags drops tag subscriptions and returns what remains.
func (s *Session) removeTags(tags []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tags {
		delete(s.tags, t)
		s.sub.Unsubscribe(pubsub.TagTopic(s.Caller.FleetID, t))
	}
	return s.tagListLocked()
}

func (s *Session) tagListLocked() []string {
	out := make([]string, 0, len(s.tags))
	for t := range s.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
