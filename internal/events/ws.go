package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/indexerpro/sitemap-indexer/internal/indexer"
)

// Close codes on the WebSocket surface.
const (
	CloseBadPath  = 4000
	CloseBadAuth  = 4001
	CloseInternal = 4500
)

const (
	pingInterval   = 30 * time.Second
	writeDeadline  = 10 * time.Second
	maxMessageSize = 4 << 10
)

// Authenticator validates the token query parameter at open time.
type Authenticator func(ctx context.Context, token string) error

// ProjectResolver maps the path project id onto its owning org.
type ProjectResolver interface {
	GetProject(ctx context.Context, id uuid.UUID) (indexer.Project, error)
}

// WSHandler upgrades connections on /ws/jobs/{projectID} and streams bus
// events to them.
type WSHandler struct {
	bus      *Bus
	projects ProjectResolver
	auth     Authenticator
	clock    indexer.Clock
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler builds a WSHandler.
func NewWSHandler(bus *Bus, projects ProjectResolver, auth Authenticator, clock indexer.Clock, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		bus:      bus,
		projects: projects,
		auth:     auth,
		clock:    clock,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The UI origin check happens at the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// clientMessage is the inbound frame shape.
type clientMessage struct {
	Type string `json:"type"`
}

// serverMessage is the outbound frame shape.
type serverMessage struct {
	Type    Kind `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// ServeHTTP authenticates, resolves the project, subscribes, and pumps
// events until the connection drops.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request, projectIDRaw string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	projectID, err := uuid.Parse(projectIDRaw)
	if err != nil {
		h.closeWith(conn, CloseBadPath, "invalid project path")
		return
	}
	if err := h.auth(r.Context(), r.URL.Query().Get("token")); err != nil {
		h.closeWith(conn, CloseBadAuth, "authentication failed")
		return
	}
	project, err := h.projects.GetProject(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, indexer.ErrNotFound) {
			h.closeWith(conn, CloseBadPath, "unknown project")
		} else {
			h.closeWith(conn, CloseInternal, "project lookup failed")
		}
		return
	}

	sub := h.bus.Subscribe(project.OrganizationID, project.ID)
	defer h.bus.Unsubscribe(sub)

	session := &wsSession{
		conn:     conn,
		clock:    h.clock,
		logger:   h.logger,
		lastPong: h.clock.Now(),
	}
	session.run(r.Context(), sub)
}

func (h *WSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(writeDeadline)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		h.logger.Debug("websocket close write failed", zap.Error(err))
	}
	_ = conn.Close()
}

// wsSession serializes all writes on one connection.
type wsSession struct {
	conn   *websocket.Conn
	clock  indexer.Clock
	logger *zap.Logger

	writeMu  sync.Mutex
	pongMu   sync.Mutex
	lastPong time.Time
}

func (s *wsSession) run(ctx context.Context, sub *Subscriber) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.pongMu.Lock()
		s.lastPong = s.clock.Now()
		s.pongMu.Unlock()
		return nil
	})

	if err := s.write(serverMessage{Type: KindConnected, Payload: map[string]any{
		"timestamp": s.clock.Now(),
	}}); err != nil {
		return
	}

	go s.readLoop(cancel)
	go s.pingLoop(ctx, cancel)

	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := s.write(eventFrame(evt)); err != nil {
			return
		}
	}
}

// readLoop consumes client frames: PING gets a PONG with the server
// timestamp, SUBSCRIBE is acknowledged implicitly (the path already
// scopes the connection to its project).
func (s *wsSession) readLoop(cancel context.CancelFunc) {
	defer cancel()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "PING":
			if err := s.write(serverMessage{Type: KindPong, Payload: map[string]any{
				"timestamp": s.clock.Now(),
			}}); err != nil {
				return
			}
		case "SUBSCRIBE":
			// Already subscribed via the path; nothing further to do.
		}
	}
}

// pingLoop sends a protocol ping every interval and terminates the
// session if no pong arrived since the previous tick.
func (s *wsSession) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	var pingedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pongMu.Lock()
			stale := !pingedAt.IsZero() && s.lastPong.Before(pingedAt)
			s.pongMu.Unlock()
			if stale {
				s.logger.Debug("websocket pong overdue, terminating")
				cancel()
				return
			}
			pingedAt = s.clock.Now()
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
			s.writeMu.Unlock()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *wsSession) write(msg serverMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// eventFrame converts a bus event into its wire shape.
func eventFrame(evt Event) serverMessage {
	switch evt.Kind {
	case KindLog:
		return serverMessage{Type: KindLog, Payload: evt.Log}
	case KindJobUpdate:
		return serverMessage{Type: KindJobUpdate, Payload: evt.Job}
	case KindStatsUpdate:
		return serverMessage{Type: KindStatsUpdate, Payload: evt.Stats}
	default:
		return serverMessage{Type: evt.Kind}
	}
}
