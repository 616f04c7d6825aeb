package http

import (
	"errors"
	"net/http"
	"strconv"

	"tunelink/internal/core/domain"
	"tunelink/internal/core/ports"
	"tunelink/internal/infrastructure/middleware"
	"tunelink/internal/infrastructure/signal"
	"tunelink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// CallHandler is the REST surface over the call lifecycle. Mutations go
// through the same service as the WebSocket path, so both surfaces
// share one state machine and push the same events.
type CallHandler struct {
	callService ports.CallService
	notifier    ports.CallNotifier
	supervisor  ports.RingSupervisor
}

func NewCallHandler(
	callService ports.CallService,
	notifier ports.CallNotifier,
	supervisor ports.RingSupervisor,
) *CallHandler {
	return &CallHandler{
		callService: callService,
		notifier:    notifier,
		supervisor:  supervisor,
	}
}

var _ ports.CallHTTPHandler = (*CallHandler)(nil)

func (h *CallHandler) SetupRoutes(router *gin.Engine, authMW gin.HandlerFunc) {
	api := router.Group("/api/v1", authMW)
	{
		api.POST("/calls", h.InitiateCall)
		api.GET("/calls/history", h.GetCallHistory)
		api.GET("/calls/active", h.GetActiveCall)
		api.GET("/calls/:id", h.GetCall)
		api.POST("/calls/:id/respond", h.RespondToCall)
		api.POST("/calls/:id/end", h.EndCall)
	}
}

type InitiateCallRequest struct {
	CalleeID domain.UserID   `json:"calleeId" binding:"required"`
	Kind     domain.CallKind `json:"kind" binding:"required"`
}

type RespondToCallRequest struct {
	Action domain.CallAction `json:"action" binding:"required"`
}

func (h *CallHandler) InitiateCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req InitiateCallRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validation.ValidateCallKind(string(req.Kind)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	call, err := h.callService.Initiate(c.Request.Context(), userID, req.CalleeID, req.Kind)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyUser(call.CalleeID, signal.EventCallIncoming, call)
	}
	if h.supervisor != nil {
		h.supervisor.Arm(call)
	}

	c.JSON(http.StatusCreated, gin.H{"call": call})
}

func (h *CallHandler) GetCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	callID := domain.CallID(c.Param("id"))
	call, err := h.callService.GetByID(c.Request.Context(), callID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": call})
}

func (h *CallHandler) RespondToCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req RespondToCallRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validation.ValidateCallAction(string(req.Action)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	callID := domain.CallID(c.Param("id"))
	call, err := h.callService.Respond(c.Request.Context(), callID, userID, req.Action)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.supervisor != nil {
		h.supervisor.Disarm(call.ID)
	}
	if h.notifier != nil {
		h.notifier.NotifyUser(call.CallerID, signal.EventCallResponse, signal.CallResponseEvent{Call: call, Action: req.Action})
		if req.Action == domain.CallActionAccept {
			// Started goes to both parties, same as the socket path.
			h.notifier.NotifyUser(call.CallerID, signal.EventCallStarted, call)
			h.notifier.NotifyUser(call.CalleeID, signal.EventCallStarted, call)
		}
	}

	c.JSON(http.StatusOK, gin.H{"call": call})
}

func (h *CallHandler) EndCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	callID := domain.CallID(c.Param("id"))
	call, err := h.callService.End(c.Request.Context(), callID, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.supervisor != nil {
		h.supervisor.Disarm(call.ID)
	}
	if h.notifier != nil {
		h.notifier.NotifyUser(call.OtherParty(userID), signal.EventCallEnded, signal.CallEndedEvent{Call: call})
	}

	c.JSON(http.StatusOK, gin.H{"call": call})
}

func (h *CallHandler) GetCallHistory(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	calls, total, err := h.callService.History(c.Request.Context(), userID, page, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (h *CallHandler) GetActiveCall(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	call, err := h.callService.GetActive(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// No active call is an ordinary empty result, not an error.
	c.JSON(http.StatusOK, gin.H{"call": call})
}

// writeError maps domain outcomes to HTTP statuses.
func (h *CallHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrCallNotFound), errors.Is(err, domain.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrSelfCall):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotParticipant), errors.Is(err, domain.ErrNotCallee):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrCallAlreadyActive),
		errors.Is(err, domain.ErrCallNotRinging),
		errors.Is(err, domain.ErrCallNotActive),
		errors.Is(err, domain.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
