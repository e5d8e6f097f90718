package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonauth "chat_relay/server/common/auth"
	commonlog "chat_relay/server/common/log"
	"chat_relay/server/common/middleware"
	"chat_relay/server/relay/service"
)

type roomController interface {
	SetLiveMode(ctx context.Context, roomID string, enabled bool, actor string) error
	Snapshot(ctx context.Context, roomID string) (service.RoomSnapshot, error)
}

type connectionServer interface {
	Serve(conn *websocket.Conn, principal *commonauth.Principal, remoteIP string)
}

type Handler struct {
	rooms    roomController
	conns    connectionServer
	auth     *commonauth.Service
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

func NewHandler(rooms roomController, conns connectionServer, auth *commonauth.Service, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		rooms:    rooms,
		conns:    conns,
		auth:     auth,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws", h.handleWS)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth), middleware.RequireRoles(commonauth.RoleAdmin))
	{
		api.POST("/rooms/:id/live", h.setLiveMode)
		api.GET("/rooms/:id/session", h.getSession)
	}
}

// handleWS accepts anonymous widget connections. A token, when present, must
// be valid; admin joins rely on it.
func (h *Handler) handleWS(c *gin.Context) {
	var principal *commonauth.Principal
	if token, ok := middleware.BearerToken(c); ok {
		p, err := h.auth.Authenticate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrInvalidToken))
			return
		}
		principal = &p
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=ws_connection action=upgrade status=failed remote_ip=%s error=%v", c.ClientIP(), err)
		return
	}
	h.conns.Serve(conn, principal, c.ClientIP())
}

func (h *Handler) setLiveMode(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	var req SetLiveModeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(ErrEnabledRequired))
		return
	}
	roomID := strings.TrimSpace(c.Param("id"))
	if !h.authorizeRoom(c, principal, roomID) {
		return
	}
	actor := principal.UserID
	if err := h.rooms.SetLiveMode(c.Request.Context(), roomID, *req.Enabled, actor); err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewLiveModeResponse(roomID, *req.Enabled))
}

func (h *Handler) getSession(c *gin.Context) {
	principal, _ := middleware.PrincipalFrom(c)
	roomID := strings.TrimSpace(c.Param("id"))
	snap, err := h.rooms.Snapshot(c.Request.Context(), roomID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if snap.DomainID != principal.TenantID {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrRoomNotFound))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// authorizeRoom hides rooms of other tenants behind the same 404 as a
// missing room.
func (h *Handler) authorizeRoom(c *gin.Context, principal commonauth.Principal, roomID string) bool {
	snap, err := h.rooms.Snapshot(c.Request.Context(), roomID)
	if err != nil {
		h.writeServiceError(c, err)
		return false
	}
	if snap.DomainID != principal.TenantID {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrRoomNotFound))
		return false
	}
	return true
}

func (h *Handler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrRoomNotFound))
	case errors.Is(err, service.ErrRoomBusy):
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(service.WireError(err)))
	case errors.Is(err, service.ErrToggleFailed):
		c.JSON(http.StatusBadGateway, NewErrorResponse(err.Error()))
	default:
		commonlog.Errorf("event=admin_api action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, NewErrorResponse(ErrInternal))
	}
}
