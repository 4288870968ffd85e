package call

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callbridge-backend/internal/domain"
	callsvc "callbridge-backend/internal/service/call"
	"callbridge-backend/internal/service/signaling"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/pagination"
	"callbridge-backend/pkg/response"
)

// Handler handles call lifecycle HTTP requests
type Handler struct {
	callService *callsvc.Service
	relay       *signaling.Relay
}

// NewHandler creates a new call handler
func NewHandler(callService *callsvc.Service, relay *signaling.Relay) *Handler {
	return &Handler{
		callService: callService,
		relay:       relay,
	}
}

// InitiateDirectRequest starts a 1-on-1 call
type InitiateDirectRequest struct {
	ConversationID string `json:"conversation_id" binding:"required,uuid"`
	CallKind       string `json:"call_kind" binding:"required,oneof=AUDIO VIDEO SCREEN_SHARE"`
}

// InitiateGroupRequest starts a chat room call
type InitiateGroupRequest struct {
	ChatRoomID string `json:"chat_room_id" binding:"required,uuid"`
	CallKind   string `json:"call_kind" binding:"required,oneof=AUDIO VIDEO SCREEN_SHARE"`
}

// InitiateDirect starts a new 1-on-1 call
// POST /v1/calls/direct
func (h *Handler) InitiateDirect(c *gin.Context) {
	var req InitiateDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	output, err := h.callService.InitiateDirect(c.Request.Context(), callerID, conversationID, domain.CallKind(req.CallKind))
	if err != nil {
		respondError(c, err)
		return
	}

	h.relay.NotifyIncoming(c.Request.Context(), output.Call, output.Callees)
	response.Success(c, http.StatusCreated, output.Call)
}

// InitiateGroup starts a new chat room call
// POST /v1/calls/group
func (h *Handler) InitiateGroup(c *gin.Context) {
	var req InitiateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	chatRoomID, err := uuid.Parse(req.ChatRoomID)
	if err != nil {
		response.ValidationError(c, "Invalid chat room ID")
		return
	}

	output, err := h.callService.InitiateGroup(c.Request.Context(), callerID, chatRoomID, domain.CallKind(req.CallKind))
	if err != nil {
		respondError(c, err)
		return
	}

	h.relay.NotifyIncoming(c.Request.Context(), output.Call, output.Callees)
	response.Success(c, http.StatusCreated, output.Call)
}

// Accept answers a ringing call
// POST /v1/calls/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	session, err := h.callService.Accept(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.relay.NotifyJoined(c.Request.Context(), session, userID)
	response.Success(c, http.StatusOK, session)
}

// Reject declines a ringing call
// POST /v1/calls/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	session, err := h.callService.Reject(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	h.relay.NotifyRejected(c.Request.Context(), session, userID)
	response.Success(c, http.StatusOK, session)
}

// Cancel withdraws an unanswered call the user initiated
// POST /v1/calls/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	session, err := h.callService.Cancel(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	callees, calleesErr := h.callService.CalleesOf(c.Request.Context(), session)
	if calleesErr != nil {
		callees = nil
	}
	h.relay.NotifyCancelled(c.Request.Context(), session, userID, callees)
	response.Success(c, http.StatusOK, session)
}

// End terminates a call for all participants
// POST /v1/calls/:id/end
func (h *Handler) End(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	session, err := h.callService.End(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	callees, calleesErr := h.callService.CalleesOf(c.Request.Context(), session)
	if calleesErr != nil {
		callees = nil
	}
	h.relay.NotifyEnded(c.Request.Context(), session, userID, callees)
	response.Success(c, http.StatusOK, session)
}

// Leave removes the user from a call; the last participant leaving ends it
// POST /v1/calls/:id/leave
func (h *Handler) Leave(c *gin.Context) {
	callID, userID, ok := callAndUser(c)
	if !ok {
		return
	}

	session, err := h.callService.Leave(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	if session.Status.IsTerminal() {
		callees, calleesErr := h.callService.CalleesOf(c.Request.Context(), session)
		if calleesErr != nil {
			callees = nil
		}
		h.relay.NotifyEnded(c.Request.Context(), session, userID, callees)
	} else {
		h.relay.NotifyLeft(c.Request.Context(), session, userID)
	}
	response.Success(c, http.StatusOK, session)
}

// GetCall retrieves a call session with its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	session, err := h.callService.GetByID(c.Request.Context(), callID)
	if err != nil {
		respondError(c, err)
		return
	}

	participants, err := h.callService.GetParticipants(c.Request.Context(), callID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call":         session,
		"participants": participants,
	})
}

// GetHistory retrieves the authenticated user's call history
// GET /v1/calls/history
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"), "", "desc")
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.callService.GetUserCallHistory(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  calls,
		"page":   params.Page,
		"limit":  params.Limit,
		"offset": params.Offset,
	})
}

// GetConversationCalls retrieves call history for a conversation
// GET /v1/calls/conversation/:id
func (h *Handler) GetConversationCalls(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	calls, err := h.callService.GetConversationCalls(c.Request.Context(), conversationID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// GetActiveForConversation returns the active call in a conversation, if any
// GET /v1/calls/conversation/:id/active
func (h *Handler) GetActiveForConversation(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	session, err := h.callService.GetActiveForConversation(c.Request.Context(), conversationID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"active": session != nil,
		"call":   session,
	})
}

// GetChatRoomCalls retrieves call history for a chat room
// GET /v1/calls/chatroom/:id
func (h *Handler) GetChatRoomCalls(c *gin.Context) {
	chatRoomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid chat room ID")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	calls, err := h.callService.GetChatRoomCalls(c.Request.Context(), chatRoomID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"calls": calls})
}

// GetActiveForChatRoom returns the active call in a chat room, if any
// GET /v1/calls/chatroom/:id/active
func (h *Handler) GetActiveForChatRoom(c *gin.Context) {
	chatRoomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid chat room ID")
		return
	}

	session, err := h.callService.GetActiveForChatRoom(c.Request.Context(), chatRoomID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"active": session != nil,
		"call":   session,
	})
}

// GetActiveStatus reports whether the authenticated user is in an active call
// GET /v1/calls/active/status
func (h *Handler) GetActiveStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	busy, err := h.callService.IsUserInActiveCall(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"in_call": busy})
}

// CheckAvailability reports whether another user can receive a call
// GET /v1/calls/check-availability/:userId
func (h *Handler) CheckAvailability(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	busy, err := h.callService.IsUserInActiveCall(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user_id":   userID,
		"available": !busy,
	})
}

// GetStatistics aggregates the authenticated user's call history
// GET /v1/calls/statistics
func (h *Handler) GetStatistics(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	stats, err := h.callService.GetStatistics(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// CleanupMissed sweeps unanswered RINGING calls into MISSED
// POST /v1/calls/cleanup/missed
func (h *Handler) CleanupMissed(c *gin.Context) {
	count, err := h.callService.MarkMissedCalls(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"cleaned": count})
}

// CleanupStale sweeps long-overdue active calls into FAILED
// POST /v1/calls/cleanup/stale
func (h *Handler) CleanupStale(c *gin.Context) {
	count, err := h.callService.EndStaleCalls(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"cleaned": count})
}

// currentUserID pulls the authenticated user from the context set by the auth
// middleware
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func callAndUser(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok := currentUserID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return callID, userID, true
}

// respondError maps service errors onto the response envelope
func respondError(c *gin.Context, err error) {
	if appErr, ok := apperrors.AsAppError(err); ok {
		response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
		return
	}
	response.InternalError(c, "Internal server error")
}
