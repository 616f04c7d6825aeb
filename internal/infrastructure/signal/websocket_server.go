package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
	"tunelink/internal/core/services"
	"tunelink/internal/infrastructure/monitoring"
	"tunelink/pkg/config"
	"tunelink/pkg/tracing"
	"tunelink/pkg/utils"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// SignalMessage is the wire envelope in both directions. Requests carry
// a request_id which the correlated response echoes back.
type SignalMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type InitiatePayload struct {
	CalleeID domain.UserID   `json:"calleeId"`
	Kind     domain.CallKind `json:"kind"`
}

type RespondPayload struct {
	CallID domain.CallID     `json:"callId"`
	Action domain.CallAction `json:"action"`
}

type EndPayload struct {
	CallID domain.CallID `json:"callId"`
}

type SignalingRequestPayload struct {
	CallID domain.CallID `json:"callId"`
	domain.SignalingPayload
}

type JoinPayload struct {
	CallID domain.CallID `json:"callId"`
}

// conn is one live client connection. gorilla permits a single
// concurrent writer, so every write goes through writeMu.
type conn struct {
	id      domain.ConnectionID
	userID  domain.UserID
	ws      *websocket.Conn
	writeMu sync.Mutex
}

type WebSocketServer struct {
	callService ports.CallService
	authService services.AuthService
	registry    ports.ConnectionRegistry
	supervisor  *TimeoutSupervisor
	metrics     *monitoring.PrometheusCollector

	upgrader websocket.Upgrader

	conns map[domain.ConnectionID]*conn
	rooms map[domain.CallID]map[domain.ConnectionID]struct{}
	mu    sync.RWMutex

	pingInterval    time.Duration
	pongTimeout     time.Duration
	writeTimeout    time.Duration
	msgRate         rate.Limit
	msgBurst        int
	maxMessageBytes int64

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	cfg *config.Config,
	callService ports.CallService,
	authService services.AuthService,
	registry ports.ConnectionRegistry,
	supervisor *TimeoutSupervisor,
	metrics *monitoring.PrometheusCollector,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	s := &WebSocketServer{
		callService:  callService,
		authService:  authService,
		registry:     registry,
		supervisor:   supervisor,
		metrics:      metrics,
		upgrader:     newUpgrader(cfg.Auth.AllowedOrigins),
		conns:        make(map[domain.ConnectionID]*conn),
		rooms:        make(map[domain.CallID]map[domain.ConnectionID]struct{}),
		pingInterval: cfg.Signal.PingInterval,
		pongTimeout:  cfg.Signal.PongTimeout,
		writeTimeout: cfg.Signal.WriteTimeout,
		logger:       logger,
	}

	if cfg.RateLimiting.Enabled {
		s.msgRate = rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond)
		s.msgBurst = cfg.RateLimiting.WebSocket.Burst
		s.maxMessageBytes = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}

	if supervisor != nil {
		supervisor.SetNotifier(s)
	}

	return s
}

var _ ports.CallNotifier = (*WebSocketServer)(nil)

// HandleWebSocket authenticates the handshake, binds the connection and
// runs its read loop. Authentication failure is the only condition that
// closes a connection; request errors become error replies.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	c := &conn{
		id:     domain.ConnectionID(utils.GenerateConnectionID()),
		userID: user.ID,
		ws:     ws,
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.registry.Bind(c.id, user.ID)

	if s.metrics != nil {
		if reg, ok := s.registry.(interface{ ConnectedUsers() int }); ok {
			s.metrics.SetConnectedUsers(reg.ConnectedUsers())
		}
	}

	s.logger.Infow("user connected to call service",
		"user_id", user.ID,
		"username", user.Username,
		"connection_id", c.id,
	)

	if s.maxMessageBytes > 0 {
		ws.SetReadLimit(s.maxMessageBytes)
	}
	ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	var limiter *rate.Limiter
	if s.msgRate > 0 {
		limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}

	messageChan := make(chan SignalMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg SignalMessage
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if limiter != nil && !limiter.Allow() {
				s.sendReplyError(c, msg.RequestID, "rate limit exceeded")
				continue
			}
			if err := s.handleMessage(r.Context(), c, msg); err != nil {
				s.logger.Infow("error handling message",
					"user_id", c.userID,
					"type", msg.Type,
					"error", err,
				)
				s.sendReplyError(c, msg.RequestID, err.Error())
			}

		case <-pingTicker.C:
			c.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "user_id", c.userID, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message", "user_id", c.userID, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.conns, c.id)
	for callID, members := range s.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(s.rooms, callID)
		}
	}
	s.mu.Unlock()

	s.registry.Unbind(c.id)

	// Only run call cleanup when this was the user's last connection.
	if _, stillConnected := s.registry.FindConnection(c.userID); !stillConnected && s.supervisor != nil {
		s.supervisor.HandleDisconnect(context.Background(), c.userID)
	}

	if s.metrics != nil {
		if reg, ok := s.registry.(interface{ ConnectedUsers() int }); ok {
			s.metrics.SetConnectedUsers(reg.ConnectedUsers())
		}
	}

	s.logger.Infow("user disconnected from call service", "user_id", c.userID, "connection_id", c.id)
}

// authenticate resolves the handshake bearer credential to a user.
func (s *WebSocketServer) authenticate(r *http.Request) (*domain.User, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		parts := strings.Split(header, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return nil, fmt.Errorf("missing bearer token")
	}

	return s.authService.ResolveUser(r.Context(), token)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *conn, msg SignalMessage) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	if s.metrics != nil {
		s.metrics.RecordWSMessage(msg.Type)
	}

	var span trace.Span
	ctx, span = tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.userID))
	defer span.End()

	var err error
	switch msg.Type {
	case MsgCallInitiate:
		err = s.handleInitiate(ctx, c, msg)
	case MsgCallRespond:
		err = s.handleRespond(ctx, c, msg)
	case MsgCallEnd:
		err = s.handleEnd(ctx, c, msg)
	case MsgCallSignaling:
		err = s.handleSignaling(ctx, c, msg)
	case MsgCallJoin:
		err = s.handleJoin(ctx, c, msg)
	default:
		err = fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *WebSocketServer) handleInitiate(ctx context.Context, c *conn, msg SignalMessage) error {
	var payload InitiatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid call:initiate payload: %w", err)
	}

	call, err := s.callService.Initiate(ctx, c.userID, payload.CalleeID, payload.Kind)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.IncActiveCalls()
	}

	// Ring the callee and start the timeout countdown.
	s.NotifyUser(call.CalleeID, EventCallIncoming, call)
	if s.supervisor != nil {
		s.supervisor.Arm(call)
	}

	return s.sendReplySuccess(c, msg.RequestID, call)
}

func (s *WebSocketServer) handleRespond(ctx context.Context, c *conn, msg SignalMessage) error {
	var payload RespondPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid call:respond payload: %w", err)
	}

	call, err := s.callService.Respond(ctx, payload.CallID, c.userID, payload.Action)
	if err != nil {
		return err
	}

	if s.supervisor != nil {
		s.supervisor.Disarm(call.ID)
	}

	s.NotifyUser(call.CallerID, EventCallResponse, CallResponseEvent{Call: call, Action: payload.Action})

	if payload.Action == domain.CallActionAccept {
		// Both parties join the call room for started/ended broadcasts.
		s.joinRoom(call.ID, c.id)
		if callerConn, ok := s.registry.FindConnection(call.CallerID); ok {
			s.joinRoom(call.ID, callerConn)
		}
		s.BroadcastToCall(call.ID, EventCallStarted, call)
	} else {
		if s.metrics != nil {
			s.metrics.DecActiveCalls()
			s.metrics.RecordOutcome(call)
			s.metrics.RecordRingElapsed(time.Since(call.CreatedAt))
		}
	}

	return s.sendReplySuccess(c, msg.RequestID, call)
}

func (s *WebSocketServer) handleEnd(ctx context.Context, c *conn, msg SignalMessage) error {
	var payload EndPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid call:end payload: %w", err)
	}

	call, err := s.callService.End(ctx, payload.CallID, c.userID)
	if err != nil {
		return err
	}

	if s.supervisor != nil {
		s.supervisor.Disarm(call.ID)
	}

	s.BroadcastToCall(call.ID, EventCallEnded, CallEndedEvent{Call: call})
	// The counterpart may never have joined the room (ended while
	// ringing); make sure it still hears about the termination.
	s.notifyOutsideRoom(call, c.userID)
	s.leaveRoom(call.ID)

	if s.metrics != nil {
		s.metrics.DecActiveCalls()
		s.metrics.RecordOutcome(call)
	}

	return s.sendReplySuccess(c, msg.RequestID, call)
}

func (s *WebSocketServer) handleSignaling(ctx context.Context, c *conn, msg SignalMessage) error {
	var payload SignalingRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid call:signaling payload: %w", err)
	}

	call, err := s.callService.UpdateSignaling(ctx, payload.CallID, c.userID, payload.SignalingPayload)
	if err != nil {
		return err
	}

	// Relay verbatim to the other party. Best-effort: no peer
	// connection means the forward is dropped, the payload stays in
	// the persisted bag.
	other := call.OtherParty(c.userID)
	event := SignalingEvent{
		CallID:           call.ID,
		From:             c.userID,
		SignalingPayload: payload.SignalingPayload,
	}
	if delivered := s.NotifyUserDelivered(other, EventCallSignaling, event); delivered {
		if s.metrics != nil {
			s.metrics.RecordSignalingForwarded()
		}
	} else {
		if s.metrics != nil {
			s.metrics.RecordSignalingDropped()
		}
		s.logger.Debugw("signaling forward dropped, peer not connected",
			"call_id", call.ID,
			"peer_id", other,
		)
	}

	return s.sendReplySuccess(c, msg.RequestID, call)
}

func (s *WebSocketServer) handleJoin(ctx context.Context, c *conn, msg SignalMessage) error {
	var payload JoinPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid call:join payload: %w", err)
	}

	// Party membership check.
	call, err := s.callService.GetByID(ctx, payload.CallID, c.userID)
	if err != nil {
		return err
	}

	s.joinRoom(call.ID, c.id)
	return s.sendReplySuccess(c, msg.RequestID, call)
}

// NotifyUser pushes an event to the user's first live connection,
// best-effort.
func (s *WebSocketServer) NotifyUser(userID domain.UserID, event string, payload interface{}) {
	s.NotifyUserDelivered(userID, event, payload)
}

// NotifyUserDelivered is NotifyUser reporting whether a connection was
// resolved and written to.
func (s *WebSocketServer) NotifyUserDelivered(userID domain.UserID, event string, payload interface{}) bool {
	connID, ok := s.registry.FindConnection(userID)
	if !ok {
		return false
	}

	s.mu.RLock()
	c, exists := s.conns[connID]
	s.mu.RUnlock()
	if !exists {
		return false
	}

	if err := s.send(c, event, "", payload); err != nil {
		s.logger.Debugw("failed to push event", "user_id", userID, "event", event, "error", err)
		return false
	}
	return true
}

// BroadcastToCall pushes an event to every connection in the call room,
// best-effort.
func (s *WebSocketServer) BroadcastToCall(callID domain.CallID, event string, payload interface{}) {
	s.mu.RLock()
	members := make([]*conn, 0, len(s.rooms[callID]))
	for connID := range s.rooms[callID] {
		if c, exists := s.conns[connID]; exists {
			members = append(members, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range members {
		if err := s.send(c, event, "", payload); err != nil {
			s.logger.Debugw("failed to broadcast event",
				"call_id", callID,
				"event", event,
				"connection_id", c.id,
				"error", err,
			)
		}
	}
}

// notifyOutsideRoom delivers an ended event directly to the counterpart
// when it is not part of the call room.
func (s *WebSocketServer) notifyOutsideRoom(call *domain.Call, requesterID domain.UserID) {
	other := call.OtherParty(requesterID)
	otherConn, ok := s.registry.FindConnection(other)
	if !ok {
		return
	}

	s.mu.RLock()
	_, inRoom := s.rooms[call.ID][otherConn]
	s.mu.RUnlock()
	if inRoom {
		return
	}

	s.NotifyUser(other, EventCallEnded, CallEndedEvent{Call: call})
}

func (s *WebSocketServer) joinRoom(callID domain.CallID, connID domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[callID]
	if members == nil {
		members = make(map[domain.ConnectionID]struct{})
		s.rooms[callID] = members
	}
	members[connID] = struct{}{}
}

func (s *WebSocketServer) leaveRoom(callID domain.CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, callID)
}

// CloseCallRoom drops the room for a terminated call. The supervisor
// calls this when it ends a call outside the normal end path, so the
// surviving party's membership does not outlive the call.
func (s *WebSocketServer) CloseCallRoom(callID domain.CallID) {
	s.leaveRoom(callID)
}

func (s *WebSocketServer) sendReplySuccess(c *conn, requestID string, call *domain.Call) error {
	return s.send(c, EventResponse, requestID, map[string]interface{}{
		"success": true,
		"call":    call,
	})
}

func (s *WebSocketServer) sendReplyError(c *conn, requestID string, message string) {
	if err := s.send(c, EventResponse, requestID, map[string]interface{}{
		"error": message,
	}); err != nil {
		s.logger.Debugw("failed to send error reply", "connection_id", c.id, "error", err)
	}
}

func (s *WebSocketServer) send(c *conn, event string, requestID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := SignalMessage{
		Type:      event,
		RequestID: requestID,
		Payload:   data,
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return c.ws.WriteJSON(msg)
}

// ConnectedConnections reports the number of live connections, used by
// the health endpoint.
func (s *WebSocketServer) ConnectedConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
