package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teamforge/internal/auth"
	"github.com/MarcoPoloResearchLab/teamforge/internal/chat"
	"github.com/MarcoPoloResearchLab/teamforge/internal/groups"
	"github.com/MarcoPoloResearchLab/teamforge/internal/svcerror"
	"github.com/MarcoPoloResearchLab/teamforge/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	memberIDContextKey       = "teamforge_member_id"
	paramGroupID             = "group_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingGroupService     = errors.New("group service dependency required")
	errMissingChatService      = errors.New("chat service dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
	errInvalidCursor           = errors.New("after and limit must be non-negative integers")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type IdentityResolver interface {
	ResolveMemberID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type GroupService interface {
	CreateGroup(ctx context.Context, name string, creator groups.MemberID) (groups.GroupView, error)
	AddMember(ctx context.Context, groupID groups.GroupID, actor groups.MemberID, member groups.MemberID) (groups.GroupView, error)
	GetGroup(ctx context.Context, groupID groups.GroupID, reader groups.MemberID) (groups.GroupView, error)
	ListGroupsForMember(ctx context.Context, member groups.MemberID) ([]groups.GroupView, error)
}

type ChatService interface {
	SendMessage(ctx context.Context, request chat.SendRequest) (chat.SentMessage, error)
	ListMessages(ctx context.Context, request chat.ListRequest) ([]chat.DisplayMessage, error)
}

type Dependencies struct {
	Sessions          SessionValidator
	Identities        IdentityResolver
	Groups            GroupService
	Chat              ChatService
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Identities == nil {
		return nil, errMissingIdentityResolver
	}
	if deps.Groups == nil {
		return nil, errMissingGroupService
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	origins := newOriginPolicy(deps.AllowedOrigins)
	handler := &httpHandler{
		sessions:   deps.Sessions,
		identities: deps.Identities,
		groups:     deps.Groups,
		chat:       deps.Chat,
		realtime:   deps.Realtime,
		logger:     logger,
		heartbeat:  heartbeat,
		upgrader:   newSocketUpgrader(origins),
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/groups", handler.handleCreateGroup)
	protected.GET("/groups", handler.handleListGroups)
	protected.GET("/groups/:group_id", handler.handleGetGroup)
	protected.POST("/groups/:group_id/members", handler.handleAddMember)
	protected.POST("/groups/:group_id/messages", handler.handleSendMessage)
	protected.GET("/groups/:group_id/messages", handler.handleListMessages)
	protected.GET("/groups/:group_id/stream", handler.handleMessageStream)
	protected.GET("/groups/:group_id/ws", handler.handleMessageSocket)

	return router, nil
}

// corsMiddleware allows credentialed requests from the configured origins only.
// Same-host requests carrying an Origin header are not cross-origin and pass.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	policy := newOriginPolicy(allowedOrigins)
	return cors.New(cors.Config{
		AllowOriginFunc:  policy.allows,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// originPolicy is the explicit cross-origin allow-list. It never matches "*".
type originPolicy struct {
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		normalized := normalizeOrigin(origin)
		if normalized == "" || normalized == "*" {
			continue
		}
		allowed[normalized] = struct{}{}
	}
	return originPolicy{allowed: allowed}
}

func (p originPolicy) allows(origin string) bool {
	_, ok := p.allowed[normalizeOrigin(origin)]
	return ok
}

// allowsRequest admits requests without an Origin header, same-host origins and
// listed origins. It guards WebSocket upgrades.
func (p originPolicy) allowsRequest(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if parsed, err := url.Parse(origin); err == nil && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	return p.allows(origin)
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}

type httpHandler struct {
	sessions   SessionValidator
	identities IdentityResolver
	groups     GroupService
	chat       ChatService
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
	heartbeat  time.Duration
	upgrader   websocket.Upgrader
}

type createGroupRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	MemberID string `json:"member_id"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type groupResponse struct {
	GroupID   string   `json:"group_id"`
	Name      string   `json:"name"`
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at"`
	Members   []string `json:"members"`
}

type groupListResponse struct {
	Groups []groupResponse `json:"groups"`
}

type sentMessageResponse struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	Sender    string `json:"sender"`
	Sequence  int64  `json:"sequence"`
	CreatedAt string `json:"created_at"`
}

type messageResponse struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	Sequence  int64  `json:"sequence"`
	CreatedAt string `json:"created_at"`
}

type messageListResponse struct {
	Messages     []messageResponse `json:"messages"`
	LastSequence int64             `json:"last_sequence"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	member, ok := h.currentMember(c)
	if !ok {
		return
	}
	var request createGroupRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.groups.CreateGroup(c.Request.Context(), request.Name, member)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newGroupResponse(view))
}

func (h *httpHandler) handleListGroups(c *gin.Context) {
	member, ok := h.currentMember(c)
	if !ok {
		return
	}
	views, err := h.groups.ListGroupsForMember(c.Request.Context(), member)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := groupListResponse{Groups: make([]groupResponse, 0, len(views))}
	for _, view := range views {
		response.Groups = append(response.Groups, newGroupResponse(view))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetGroup(c *gin.Context) {
	member, ok := h.currentMember(c)
	if !ok {
		return
	}
	groupID, err := groups.NewGroupID(c.Param(paramGroupID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	view, err := h.groups.GetGroup(c.Request.Context(), groupID, member)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newGroupResponse(view))
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	actor, ok := h.currentMember(c)
	if !ok {
		return
	}
	groupID, err := groups.NewGroupID(c.Param(paramGroupID))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request addMemberRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	member, err := groups.NewMemberID(request.MemberID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	view, err := h.groups.AddMember(c.Request.Context(), groupID, actor, member)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newGroupResponse(view))
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	sender, ok := h.currentMember(c)
	if !ok {
		return
	}
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	sent, err := h.chat.SendMessage(c.Request.Context(), chat.SendRequest{
		GroupID: c.Param(paramGroupID),
		Sender:  sender.String(),
		Text:    request.Text,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sentMessageResponse{
		MessageID: sent.MessageID,
		GroupID:   sent.GroupID,
		Sender:    sent.Sender,
		Sequence:  sent.Sequence,
		CreatedAt: formatTimestamp(sent.CreatedAt),
	})
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	reader, ok := h.currentMember(c)
	if !ok {
		return
	}
	after, limit, err := parsePaging(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
		return
	}
	messages, err := h.chat.ListMessages(c.Request.Context(), chat.ListRequest{
		GroupID:       c.Param(paramGroupID),
		Reader:        reader.String(),
		AfterSequence: after,
		Limit:         limit,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	response := messageListResponse{Messages: make([]messageResponse, 0, len(messages)), LastSequence: after}
	for _, message := range messages {
		response.Messages = append(response.Messages, newMessageResponse(message))
		response.LastSequence = message.Sequence
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	memberID, err := h.identities.ResolveMemberID(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("member identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable", "code": svcerror.CodeOf(err)})
		return
	}
	c.Set(memberIDContextKey, memberID)
	c.Next()
}

func (h *httpHandler) currentMember(c *gin.Context) (groups.MemberID, bool) {
	member, err := groups.NewMemberID(c.GetString(memberIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return member, true
}

// respondError maps service failures onto HTTP statuses. The body carries a short
// error label and, when available, the dotted service code.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, label := classifyError(err)
	body := gin.H{"error": label}
	if code := svcerror.CodeOf(err); code != "" {
		body["code"] = code
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", svcerror.CodeOf(err)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, chat.ErrMessageTooLong):
		return http.StatusBadRequest, "message_too_long"
	case errors.Is(err, groups.ErrInvalidGroupName):
		return http.StatusBadRequest, "invalid_group_name"
	case errors.Is(err, chat.ErrInvalidGroupID),
		errors.Is(err, chat.ErrInvalidSender),
		errors.Is(err, groups.ErrInvalidGroupID),
		errors.Is(err, groups.ErrInvalidMemberID):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, chat.ErrNotGroupMember), errors.Is(err, groups.ErrNotMember):
		return http.StatusForbidden, "not_group_member"
	case errors.Is(err, groups.ErrGroupNotFound):
		return http.StatusNotFound, "group_not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parsePaging(c *gin.Context) (int64, int, error) {
	var after int64
	if raw := strings.TrimSpace(c.Query("after")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return 0, 0, errInvalidCursor
		}
		after = parsed
	}
	var limit int
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return 0, 0, errInvalidCursor
		}
		limit = parsed
	}
	return after, limit, nil
}

func newGroupResponse(view groups.GroupView) groupResponse {
	members := view.Members
	if members == nil {
		members = []string{}
	}
	return groupResponse{
		GroupID:   view.GroupID,
		Name:      view.Name,
		CreatedBy: view.CreatedBy,
		CreatedAt: formatTimestamp(view.CreatedAt),
		Members:   members,
	}
}

func newMessageResponse(message chat.DisplayMessage) messageResponse {
	return messageResponse{
		MessageID: message.MessageID,
		GroupID:   message.GroupID,
		Sender:    message.Sender,
		Text:      message.Text,
		Status:    string(message.Status),
		Sequence:  message.Sequence,
		CreatedAt: formatTimestamp(message.CreatedAt),
	}
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}
