// Package gateway terminates client connections and orchestrates the
// connection registry, auth service, session store and backend pool.
//
// Each connection runs its own read loop; messages from one connection
// are processed one at a time in arrival order, while distinct
// connections proceed fully concurrently. The registry signals abusive
// or idle connections over the event bus; the monitoring loop here
// performs the actual close.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxterm/gateway/internal/domain/auth"
	"github.com/voxterm/gateway/internal/domain/connection"
	"github.com/voxterm/gateway/internal/domain/pool"
	"github.com/voxterm/gateway/internal/domain/session"
	"github.com/voxterm/gateway/internal/executor"
	"github.com/voxterm/gateway/internal/infrastructure/events"
	"github.com/voxterm/gateway/internal/infrastructure/logging"
	"github.com/voxterm/gateway/internal/infrastructure/monitoring"
	"github.com/voxterm/gateway/internal/shared/id"
	"github.com/voxterm/gateway/internal/shared/validate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the auth service allow-list;
		// the upgrade itself accepts any origin.
		return true
	},
}

// Config holds gateway tunables.
type Config struct {
	AuthRequired   bool
	BindAddress    bool
	CommandTimeout time.Duration
}

// Handler owns the WebSocket endpoint and per-connection state machines.
type Handler struct {
	cfg      Config
	registry *connection.Registry
	auth     *auth.Service
	sessions *session.Store
	pool     *pool.Balancer
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	bus      *events.Bus

	mu      sync.RWMutex
	clients map[string]*client

	shuttingDown atomic.Bool
}

// connState is the per-connection lifecycle.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateActive
	stateClosing
	stateClosed
)

// client is the gateway's handle on one live connection.
type client struct {
	id     string
	source string
	origin string
	ws     *websocket.Conn

	writeMu sync.Mutex // gorilla connections allow one writer at a time

	mu     sync.Mutex
	state  connState
	claims *auth.Claims
}

// NewHandler creates the gateway handler.
func NewHandler(
	cfg Config,
	registry *connection.Registry,
	authService *auth.Service,
	sessions *session.Store,
	balancer *pool.Balancer,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
	bus *events.Bus,
) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: registry,
		auth:     authService,
		sessions: sessions,
		pool:     balancer,
		logger:   logger,
		metrics:  metrics,
		bus:      bus,
		clients:  make(map[string]*client),
	}
}

// HandleConnection handles WebSocket upgrade and the message loop.
func (h *Handler) HandleConnection(c *gin.Context) {
	source := c.ClientIP()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("source", source), zap.Error(err))
		return
	}

	if h.shuttingDown.Load() {
		h.closeWS(ws, websocket.CloseGoingAway, CodeShutdown)
		return
	}

	if err := h.registry.Admit(source); err != nil {
		h.metrics.ConnectionsDenied.WithLabelValues(admitReason(err)).Inc()
		h.closeWS(ws, admitCloseCode(err), admitReason(err))
		return
	}

	connID := string(id.NewConnectionID())
	h.registry.Register(connID, source)
	h.metrics.ConnectionsActive.Inc()
	h.metrics.ConnectionsTotal.Inc()

	cl := &client{
		id:     connID,
		source: source,
		origin: c.GetHeader("Origin"),
		ws:     ws,
		state:  stateConnecting,
	}
	h.mu.Lock()
	h.clients[connID] = cl
	h.mu.Unlock()

	if h.cfg.AuthRequired {
		cl.setState(stateAuthenticating)
	} else {
		cl.setState(stateActive)
	}

	h.send(cl, Response{
		ID:        connID,
		Success:   true,
		Data:      map[string]interface{}{"connected": true, "connectionId": connID, "authRequired": h.cfg.AuthRequired},
		Timestamp: time.Now().UnixMilli(),
	})

	reqCtx := c.Request.Context()
	h.readLoop(reqCtx, cl)
	h.teardown(cl, "connection closed")
}

// readLoop processes inbound messages one at a time in arrival order.
func (h *Handler) readLoop(ctx context.Context, cl *client) {
	cl.ws.SetReadLimit(validate.MaxFrameSize)
	for {
		_, raw, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.validate() != nil {
			h.registry.RecordActivity(cl.id, connection.ActivityError)
			// A recoverable identifier still allows a correlated
			// validation error; without one no response is possible
			// and the connection is closed.
			if rid := recoverID(raw, &msg); rid != "" {
				h.metrics.RecordMessage(msg.Type, "invalid", 0)
				h.send(cl, errResponse(rid, ErrorInfo{
					Code:    CodeValidation,
					Message: "message is malformed: id, type and timestamp are required",
				}, 0))
				continue
			}
			h.closeWS(cl.ws, websocket.CloseInvalidFramePayloadData, CodeValidation)
			return
		}

		h.registry.RecordActivity(cl.id, connection.ActivityMessage)
		h.dispatch(ctx, cl, &msg)

		if cl.currentState() == stateClosing || cl.currentState() == stateClosed {
			return
		}
	}
}

// dispatch routes one message. Panics from component internals are
// converted to an internal error response so one connection's failure
// never affects another.
func (h *Handler) dispatch(ctx context.Context, cl *client, msg *Message) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic in message handler",
				zap.String("connection_id", cl.id),
				zap.String("type", msg.Type),
				zap.Any("panic", r),
			)
			h.registry.RecordActivity(cl.id, connection.ActivityError)
			h.metrics.RecordMessage(msg.Type, "panic", time.Since(start))
			h.send(cl, errResponse(msg.ID, ErrorInfo{
				Code:    CodeInternal,
				Message: "internal error",
			}, time.Since(start)))
		}
	}()

	// Heartbeats bypass auth, the balancer and the session store.
	if msg.Type == TypeHeartbeat {
		h.metrics.RecordMessage(msg.Type, "ok", time.Since(start))
		h.send(cl, okResponse(msg.ID, map[string]interface{}{"pong": true}, time.Since(start)))
		return
	}

	if msg.Type == TypeAuth {
		h.handleAuth(cl, msg, start)
		return
	}

	if h.cfg.AuthRequired && !cl.authenticated() {
		h.registry.RecordActivity(cl.id, connection.ActivityError)
		h.metrics.RecordMessage(msg.Type, "unauthenticated", time.Since(start))
		h.send(cl, errResponse(msg.ID, ErrorInfo{
			Code:    CodeAuthRequired,
			Message: "authentication required",
		}, time.Since(start)))
		return
	}

	var resp Response
	switch msg.Type {
	case TypeSessionCreate:
		resp = h.handleSessionCreate(ctx, cl, msg)
	case TypeSessionDestroy:
		resp = h.handleSessionDestroy(ctx, cl, msg)
	case TypeSessionList:
		resp = h.handleSessionList(cl, msg)
	case TypeSessionAttach:
		resp = h.handleSessionAttach(ctx, cl, msg)
	case TypeSessionDetach:
		resp = h.handleSessionDetach(ctx, cl, msg)
	case TypeCommandExecute:
		resp = h.handleCommandExecute(ctx, cl, msg)
	case TypeBatchExecute:
		resp = h.handleBatchExecute(ctx, cl, msg)
	case TypeMetrics:
		resp = h.handleMetrics(msg)
	default:
		resp = errResponse(msg.ID, ErrorInfo{
			Code:    CodeValidation,
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		}, time.Since(start))
	}

	resp.LatencyMs = time.Since(start).Milliseconds()
	status := "ok"
	if !resp.Success {
		status = "error"
		h.registry.RecordActivity(cl.id, connection.ActivityError)
	}
	h.metrics.RecordMessage(msg.Type, status, time.Since(start))
	h.send(cl, resp)
}

// handleAuth processes a login or token-bind request.
func (h *Handler) handleAuth(cl *client, msg *Message, start time.Time) {
	var payload authPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			h.send(cl, errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: "invalid auth payload"}, time.Since(start)))
			return
		}
	}
	if payload.Token == "" {
		payload.Token = msg.AuthToken
	}

	clientCtx := auth.ClientContext{Address: cl.source, Origin: cl.origin}

	// Token path: bind an existing token to this connection.
	if payload.Token != "" && payload.Username == "" {
		claims, err := h.auth.Validate(payload.Token, clientCtx, h.cfg.BindAddress)
		if err != nil {
			h.metrics.RecordAuthAttempt("token-rejected")
			h.send(cl, errResponse(msg.ID, tokenErrorInfo(err), time.Since(start)))
			return
		}
		h.bindClient(cl, claims)
		h.metrics.RecordAuthAttempt("token-accepted")
		h.send(cl, okResponse(msg.ID, map[string]interface{}{
			"authenticated": true,
			"userId":        claims.Subject,
			"username":      claims.Username,
		}, time.Since(start)))
		return
	}

	token, claims, err := h.auth.Authenticate(payload.Username, payload.Password, clientCtx)
	if err != nil {
		h.metrics.RecordAuthAttempt("rejected")
		info := ErrorInfo{Code: CodeInvalidCredentials, Message: "invalid credentials"}
		var locked *auth.LockedError
		switch {
		case errors.As(err, &locked):
			h.metrics.Lockouts.Inc()
			info = ErrorInfo{
				Code:         CodeAccountLocked,
				Message:      locked.Error(),
				RetryAfterMs: locked.Remaining.Milliseconds(),
			}
		case errors.Is(err, auth.ErrOriginNotAllowed):
			info = ErrorInfo{Code: CodeValidation, Message: "origin not allowed"}
		case errors.Is(err, auth.ErrAccountDisabled):
			info = ErrorInfo{Code: CodeInvalidCredentials, Message: "account disabled"}
		}
		h.send(cl, errResponse(msg.ID, info, time.Since(start)))
		return
	}

	h.bindClient(cl, claims)
	h.metrics.RecordAuthAttempt("accepted")
	h.metrics.TokensActive.Set(float64(h.auth.ActiveTokens()))
	h.send(cl, okResponse(msg.ID, map[string]interface{}{
		"authenticated": true,
		"token":         token,
		"userId":        claims.Subject,
		"username":      claims.Username,
		"expiresAt":     claims.ExpiresAt.Unix(),
	}, time.Since(start)))
}

func (h *Handler) bindClient(cl *client, claims *auth.Claims) {
	cl.mu.Lock()
	cl.claims = claims
	cl.state = stateActive
	cl.mu.Unlock()
	_ = h.registry.Bind(cl.id, claims.Subject)
}

func (h *Handler) handleSessionCreate(ctx context.Context, cl *client, msg *Message) Response {
	var payload sessionPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: "invalid session payload"}, 0)
		}
	}
	if payload.Name == "" {
		payload.Name = "session"
	}
	if err := validate.SessionName(payload.Name); err != nil {
		return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: err.Error()}, 0)
	}

	snap := h.sessions.Create(ctx, payload.Name, cl.userID(), payload.Metadata)
	if err := h.sessions.Attach(ctx, snap.ID, cl.id); err == nil {
		_ = h.registry.SetSession(cl.id, snap.ID)
		snap.Connections = append(snap.Connections, cl.id)
	}
	h.metrics.SessionsCreated.Inc()
	h.metrics.SessionsActive.Set(float64(h.sessions.Len()))

	return okResponse(msg.ID, snap, 0)
}

func (h *Handler) handleSessionDestroy(ctx context.Context, cl *client, msg *Message) Response {
	sessionID := msg.SessionID
	if sessionID == "" {
		return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: "sessionId is required"}, 0)
	}
	snap, ok := h.sessions.Get(ctx, sessionID)
	if !ok {
		return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
	}
	if snap.OwnerID != cl.userID() {
		return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
	}

	if err := h.sessions.Remove(ctx, sessionID); err != nil {
		return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
	}
	_ = h.registry.SetSession(cl.id, "")
	h.metrics.SessionsActive.Set(float64(h.sessions.Len()))
	return okResponse(msg.ID, map[string]interface{}{"destroyed": true, "sessionId": sessionID}, 0)
}

func (h *Handler) handleSessionList(cl *client, msg *Message) Response {
	return okResponse(msg.ID, map[string]interface{}{
		"sessions": h.sessions.ListByOwner(cl.userID()),
	}, 0)
}

func (h *Handler) handleSessionAttach(ctx context.Context, cl *client, msg *Message) Response {
	sessionID := msg.SessionID
	if sessionID == "" {
		return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: "sessionId is required"}, 0)
	}
	snap, ok := h.sessions.Get(ctx, sessionID)
	if !ok || snap.OwnerID != cl.userID() {
		return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
	}
	if err := h.sessions.Attach(ctx, sessionID, cl.id); err != nil {
		return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
	}
	_ = h.registry.SetSession(cl.id, sessionID)
	return okResponse(msg.ID, map[string]interface{}{"attached": true, "sessionId": sessionID}, 0)
}

func (h *Handler) handleSessionDetach(ctx context.Context, cl *client, msg *Message) Response {
	sessionID := msg.SessionID
	if sessionID == "" {
		return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: "sessionId is required"}, 0)
	}
	if err := h.sessions.Detach(ctx, sessionID, cl.id); err != nil {
		return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
	}
	_ = h.registry.SetSession(cl.id, "")
	return okResponse(msg.ID, map[string]interface{}{"detached": true, "sessionId": sessionID}, 0)
}

// acquireForSession honors session affinity when possible and falls
// back to fresh selection, updating the recorded affinity.
func (h *Handler) acquireForSession(ctx context.Context, snap *session.Snapshot) (*pool.Handle, error) {
	if snap != nil && snap.BackendID != "" {
		if handle, err := h.pool.Acquire(snap.BackendID); err == nil {
			return handle, nil
		}
	}

	handle, err := h.pool.Select()
	if err != nil {
		h.metrics.RecordSelection("unavailable")
		return nil, err
	}
	h.metrics.RecordSelection("ok")

	if snap != nil && snap.BackendID != handle.ID {
		snap.BackendID = handle.ID
		_ = h.sessions.Update(ctx, snap.ID, func(sess *session.Session) {
			sess.BackendID = handle.ID
		})
	}
	return handle, nil
}

func (h *Handler) handleCommandExecute(ctx context.Context, cl *client, msg *Message) Response {
	var payload commandPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: "command is required"}, 0)
	}
	if err := validate.Command(payload.Command); err != nil {
		return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: err.Error()}, 0)
	}

	var snap *session.Snapshot
	if msg.SessionID != "" {
		s, ok := h.sessions.Get(ctx, msg.SessionID)
		if !ok || s.OwnerID != cl.userID() {
			return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
		}
		snap = &s
	}

	handle, err := h.acquireForSession(ctx, snap)
	if err != nil {
		return errResponse(msg.ID, ErrorInfo{
			Code:      CodeBackendUnavailable,
			Message:   "no backend available",
			Retryable: true,
		}, 0)
	}

	timeout := h.cfg.CommandTimeout
	if payload.TimeoutMs > 0 {
		timeout = time.Duration(payload.TimeoutMs) * time.Millisecond
	}

	result, runErr, latency := h.run(handle, executor.Command{
		Line:       payload.Command,
		SessionID:  msg.SessionID,
		WorkingDir: payload.WorkingDir,
		Env:        payload.Env,
	}, timeout)

	h.pool.RecordOutcome(handle.ID, runErr == nil && result != nil && result.Success, latency, runErr)
	h.metrics.RecordCommand(handle.ID, latency)

	resp := h.commandResponse(msg.ID, handle.ID, result, runErr, latency)
	return resp
}

func (h *Handler) handleBatchExecute(ctx context.Context, cl *client, msg *Message) Response {
	var payload batchPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || len(payload.Commands) == 0 {
		return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: "commands are required"}, 0)
	}
	for _, line := range payload.Commands {
		if err := validate.Command(line); err != nil {
			return errResponse(msg.ID, ErrorInfo{Code: CodeValidation, Message: err.Error()}, 0)
		}
	}

	var snap *session.Snapshot
	if msg.SessionID != "" {
		s, ok := h.sessions.Get(ctx, msg.SessionID)
		if !ok || s.OwnerID != cl.userID() {
			return errResponse(msg.ID, ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
		}
		snap = &s
	}

	handle, err := h.acquireForSession(ctx, snap)
	if err != nil {
		return errResponse(msg.ID, ErrorInfo{
			Code:      CodeBackendUnavailable,
			Message:   "no backend available",
			Retryable: true,
		}, 0)
	}

	timeout := h.cfg.CommandTimeout
	if payload.TimeoutMs > 0 {
		timeout = time.Duration(payload.TimeoutMs) * time.Millisecond
	}

	type batchResult struct {
		Command   string `json:"command"`
		Success   bool   `json:"success"`
		Output    string `json:"output,omitempty"`
		Error     string `json:"error,omitempty"`
		ElapsedMs int64  `json:"elapsedMs"`
	}

	results := make([]batchResult, 0, len(payload.Commands))
	var total time.Duration
	allOK := true

	for _, line := range payload.Commands {
		result, runErr, latency := h.run(handle, executor.Command{
			Line:      line,
			SessionID: msg.SessionID,
		}, timeout)
		total += latency

		br := batchResult{Command: line, ElapsedMs: latency.Milliseconds()}
		switch {
		case runErr != nil:
			br.Error = runErr.Error()
			allOK = false
		case result != nil:
			br.Success = result.Success
			br.Output = result.Output
			br.Error = result.Error
			if !result.Success {
				allOK = false
			}
		}
		results = append(results, br)

		if !br.Success && payload.StopOnError {
			break
		}
	}

	h.pool.RecordOutcome(handle.ID, allOK, total, nil)
	h.metrics.RecordCommand(handle.ID, total)

	resp := okResponse(msg.ID, map[string]interface{}{
		"results": results,
		"allOk":   allOK,
	}, total)
	resp.BackendInfo = &BackendInfo{ID: handle.ID}
	return resp
}

// run executes one command under a timeout. Closing the connection
// does not cancel in-flight work; the timeout alone bounds it.
func (h *Handler) run(handle *pool.Handle, cmd executor.Command, timeout time.Duration) (*executor.Result, error, time.Duration) {
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	result, err := handle.Run(runCtx, cmd)
	return result, err, time.Since(start)
}

func (h *Handler) commandResponse(requestID, backendID string, result *executor.Result, runErr error, latency time.Duration) Response {
	if runErr != nil {
		code := CodeExecutionFailed
		if errors.Is(runErr, context.DeadlineExceeded) {
			code = CodeTimeout
		}
		resp := errResponse(requestID, ErrorInfo{
			Code:      code,
			Message:   runErr.Error(),
			Retryable: true,
		}, latency)
		resp.BackendInfo = &BackendInfo{ID: backendID}
		return resp
	}

	if !result.Success {
		resp := errResponse(requestID, ErrorInfo{
			Code:    CodeExecutionFailed,
			Message: result.Error,
		}, latency)
		resp.Data = map[string]interface{}{"output": result.Output}
		resp.BackendInfo = &BackendInfo{ID: backendID}
		return resp
	}

	resp := okResponse(requestID, map[string]interface{}{
		"output":    result.Output,
		"elapsedMs": result.ElapsedMs(),
	}, latency)
	resp.BackendInfo = &BackendInfo{ID: backendID}
	return resp
}

func (h *Handler) handleMetrics(msg *Message) Response {
	return okResponse(msg.ID, map[string]interface{}{
		"connections": h.registry.Stats(),
		"pool":        h.pool.Stats(),
		"sessions":    h.sessions.Len(),
	}, 0)
}

// Monitor consumes the internal event bus until ctx is cancelled,
// closing connections the registry has flagged.
func (h *Handler) Monitor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.bus.Events():
			h.handleEvent(event)
		}
	}
}

func (h *Handler) handleEvent(event events.Event) {
	switch event.Kind {
	case events.KindSourceBlocked:
		h.metrics.SourcesBlocked.Inc()
		h.logger.Warn("source blocked",
			zap.String("address", event.Address),
			zap.String("reason", event.Detail),
		)
	case events.KindSuspiciousActivity:
		for _, connID := range event.ConnectionIDs {
			h.forceClose(connID, websocket.ClosePolicyViolation, CodeSourceBlocked)
		}
	case events.KindIdleTimeout:
		for _, connID := range event.ConnectionIDs {
			h.forceClose(connID, websocket.CloseGoingAway, "idle-timeout")
		}
	case events.KindBreakerTransition:
		h.metrics.RecordBreakerTransition(event.To)
		h.logger.Info("circuit breaker transition",
			zap.String("backend_id", event.BackendID),
			zap.String("from", event.From),
			zap.String("to", event.To),
		)
	case events.KindHealthDegraded, events.KindHealthRecovered:
		h.metrics.BackendsHealthy.Set(float64(h.pool.Stats().Healthy))
		h.logger.Info("backend health change",
			zap.String("backend_id", event.BackendID),
			zap.String("kind", string(event.Kind)),
		)
	}
}

// forceClose closes one connection with a close frame and tears down
// its registry and session state.
func (h *Handler) forceClose(connID string, closeCode int, reason string) {
	h.mu.RLock()
	cl, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.closeWS(cl.ws, closeCode, reason)
	h.teardown(cl, reason)
}

// teardown unregisters a connection and detaches it from its sessions.
// Sessions survive their connections so clients can reattach.
func (h *Handler) teardown(cl *client, reason string) {
	cl.mu.Lock()
	if cl.state == stateClosed {
		cl.mu.Unlock()
		return
	}
	cl.state = stateClosed
	cl.mu.Unlock()

	h.mu.Lock()
	delete(h.clients, cl.id)
	h.mu.Unlock()

	h.sessions.DetachAll(context.Background(), cl.id)
	h.registry.Unregister(cl.id, reason)
	h.metrics.ConnectionsActive.Dec()
	_ = cl.ws.Close()
}

// Shutdown stops admitting connections and closes the existing ones
// with a shutdown notice.
func (h *Handler) Shutdown() {
	h.shuttingDown.Store(true)

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		h.closeWS(cl.ws, websocket.CloseGoingAway, CodeShutdown)
		h.teardown(cl, "shutdown")
	}
}

// closeWS writes a close frame and closes the socket.
func (h *Handler) closeWS(ws *websocket.Conn, closeCode int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, reason), deadline)
	_ = ws.Close()
}

// send serializes writes per connection.
func (h *Handler) send(cl *client, resp Response) {
	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	if err := cl.ws.WriteJSON(resp); err != nil {
		h.logger.Debug("websocket write failed",
			zap.String("connection_id", cl.id), zap.Error(err))
	}
}

func (cl *client) setState(state connState) {
	cl.mu.Lock()
	cl.state = state
	cl.mu.Unlock()
}

func (cl *client) currentState() connState {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.state
}

func (cl *client) authenticated() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.claims != nil
}

func (cl *client) userID() string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.claims == nil {
		return ""
	}
	return cl.claims.Subject
}

// recoverID pulls a request identifier out of a malformed frame when
// one survives parsing.
func recoverID(raw []byte, msg *Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil {
		return probe.ID
	}
	return ""
}

// admitReason maps an admission error to a close reason label.
func admitReason(err error) string {
	switch {
	case errors.Is(err, connection.ErrCapacity):
		return CodeCapacity
	case errors.Is(err, connection.ErrSourceCapacity):
		return CodeCapacity
	case errors.Is(err, connection.ErrSourceBlocked):
		return CodeSourceBlocked
	default:
		return CodeInternal
	}
}

// admitCloseCode maps an admission error to a WebSocket close code.
func admitCloseCode(err error) int {
	if errors.Is(err, connection.ErrSourceBlocked) {
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseTryAgainLater
}

// tokenErrorInfo maps token validation failures to protocol errors.
func tokenErrorInfo(err error) ErrorInfo {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return ErrorInfo{Code: CodeTokenExpired, Message: "token expired", ShouldRefresh: true}
	case errors.Is(err, auth.ErrTokenRevoked):
		return ErrorInfo{Code: CodeTokenInvalid, Message: "token revoked"}
	case errors.Is(err, auth.ErrAddressMismatch):
		return ErrorInfo{Code: CodeTokenInvalid, Message: "token bound to a different address"}
	default:
		return ErrorInfo{Code: CodeTokenInvalid, Message: "token invalid"}
	}
}
