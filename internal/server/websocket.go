package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"github.com/goevery/intercept/internal/handler"
	"github.com/goevery/intercept/internal/ierr"
	"github.com/goevery/intercept/internal/rpc"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	readLimit      = 4096
	outboundBuffer = 64
)

type WebSocketServer struct {
	logger   *zap.Logger
	upgrader *websocket.Upgrader
	feed     Feed
	router   *Router

	mu          sync.Mutex
	connections map[string]*connection
}

func NewWebSocketServer(
	logger *zap.Logger,
	upgrader *websocket.Upgrader,
	feed Feed,
	router *Router,
) *WebSocketServer {
	return &WebSocketServer{
		logger:      logger,
		upgrader:    upgrader,
		feed:        feed,
		router:      router,
		connections: make(map[string]*connection),
	}
}

func (s *WebSocketServer) Register(router *mux.Router) {
	router.HandleFunc("/websocket", s.handle).Methods(http.MethodGet)
}

// Close disconnects every open websocket.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.connections {
		_ = c.conn.Close()
	}
}

func (s *WebSocketServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &connection{
		id:            uuid.NewString(),
		conn:          conn,
		feed:          s.feed,
		router:        s.router,
		out:           make(chan any, outboundBuffer),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[broadcaster.Source]*broadcaster.Subscriber),
	}
	c.logger = s.logger.With(
		zap.String("connectionId", c.id),
		zap.String("clientIp", r.RemoteAddr),
	)

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()

	c.logger.Info("websocket connection established")

	c.serve()

	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()

	c.logger.Info("websocket connection closed")
}

// connection implements handler.Follower. Every outbound frame goes through
// out so a subscribe response is always written before its replay.
type connection struct {
	id     string
	logger *zap.Logger
	conn   *websocket.Conn
	feed   Feed
	router *Router
	out    chan any

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subscriptions map[broadcaster.Source]*broadcaster.Subscriber
	pending       []*broadcaster.Subscriber
	forwarders    sync.WaitGroup
}

var _ handler.Follower = (*connection)(nil)

func (c *connection) serve() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	c.cancel()
	c.unfollowAll()
	c.forwarders.Wait()
	<-writerDone

	_ = c.conn.Close()
}

func (c *connection) readLoop() {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := handler.WithFollower(c.ctx, c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var request rpc.Request
		if err := json.Unmarshal(data, &request); err != nil {
			c.logger.Warn("invalid websocket request", zap.Error(err))
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid request"),
				time.Now().Add(writeWait),
			)
			return
		}

		if response := c.router.RouteRequest(ctx, request); response != nil {
			if !c.enqueue(response) {
				return
			}
		}

		c.startPending()
	}
}

func (c *connection) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case v := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.cancel()
				_ = c.conn.Close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *connection) enqueue(v any) bool {
	select {
	case c.out <- v:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *connection) Follow(source broadcaster.Source) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.subscriptions[source]; ok {
		return existing.Id, ierr.New(ierr.ErrorCodeAlreadyExists,
			fmt.Errorf("already subscribed to %s", source))
	}

	subscriber := c.feed.Subscribe(source)
	c.subscriptions[source] = subscriber
	c.pending = append(c.pending, subscriber)

	return subscriber.Id, nil
}

func (c *connection) Unfollow(source broadcaster.Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	subscriber, ok := c.subscriptions[source]
	if !ok {
		return false
	}

	delete(c.subscriptions, source)
	for i, pending := range c.pending {
		if pending == subscriber {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.feed.Unsubscribe(subscriber)

	return true
}

func (c *connection) unfollowAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for source, subscriber := range c.subscriptions {
		c.feed.Unsubscribe(subscriber)
		delete(c.subscriptions, source)
	}
	c.pending = nil
}

// startPending begins forwarding subscriptions created by the request just
// answered.
func (c *connection) startPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, subscriber := range c.pending {
		c.forwarders.Add(1)
		go c.forward(subscriber)
	}
	c.pending = nil
}

func (c *connection) forward(subscriber *broadcaster.Subscriber) {
	defer c.forwarders.Done()

	for _, message := range subscriber.Replay() {
		if !c.notify(message) {
			return
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case message, ok := <-subscriber.C():
			if !ok {
				return
			}

			if !c.notify(message) {
				return
			}
		}
	}
}

func (c *connection) notify(message broadcaster.Message) bool {
	notification, err := rpc.NewNotification("message", message)
	if err != nil {
		c.logger.Error("failed to encode notification", zap.Error(err))
		return true
	}

	return c.enqueue(notification)
}
