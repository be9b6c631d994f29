package api

import (
	"errors"
	"net/http"

	"duo-service/internal/middleware"
	"duo-service/internal/service"
	"duo-service/internal/service/queue"
	usersvc "duo-service/internal/service/user"
	"duo-service/internal/ws"
	appErr "duo-service/pkg/errors"
	"duo-service/pkg/response"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	services *service.Container
}

func RegisterRoutes(r *gin.Engine, services *service.Container) {
	handler := &Handler{services: services}
	wsHandler := ws.NewHandler(services.Queue, services.Relay)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})

	v1 := r.Group("/duoService/v1")
	{
		v1.POST("/auth/guest", handler.GuestLogin)

		userGroup := v1.Group("/user")
		userGroup.Use(middleware.AuthRequired())
		{
			userGroup.GET("/profile", handler.GetProfile)
			userGroup.PUT("/profile", handler.UpdateProfile)
		}

		matchGroup := v1.Group("/match")
		matchGroup.Use(middleware.AuthRequired())
		{
			matchGroup.POST("/join", handler.MatchJoin)
			matchGroup.GET("/status", handler.MatchStatus)
			matchGroup.POST("/leave", handler.MatchLeave)
		}
	}

	r.GET("/ws/lobby/:matchId", wsHandler.HandleLobbyWS)
}

type guestLoginBody struct {
	Nickname string `json:"nickname"`
}

type matchJoinBody struct {
	Game       string `json:"game" binding:"required"`
	Mode       string `json:"mode" binding:"required,oneof=casual competitive"`
	MicEnabled bool   `json:"micEnabled"`
}

type updateProfileBody struct {
	Nickname   *string  `json:"nickname"`
	Avatar     *string  `json:"avatar"`
	Tags       []string `json:"tags"`
	MicEnabled *bool    `json:"micEnabled"`
}

func (h *Handler) GuestLogin(c *gin.Context) {
	var body guestLoginBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	result, err := h.services.Auth.GuestLogin(c.Request.Context(), body.Nickname)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, appErr.ErrInvalidNickname) {
			status = http.StatusBadRequest
		}
		response.Error(c, status, err.Error())
		return
	}

	response.Success(c, result)
}

func (h *Handler) GetProfile(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	profile, err := h.services.User.GetProfile(c.Request.Context(), userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, appErr.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		response.Error(c, status, err.Error())
		return
	}
	response.Success(c, gin.H{"user": profile})
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body updateProfileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.services.User.UpdateProfile(c.Request.Context(), userID, usersvc.UpdateProfileRequest{
		Nickname:   body.Nickname,
		Avatar:     body.Avatar,
		Tags:       body.Tags,
		MicEnabled: body.MicEnabled,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, appErr.ErrUserNotFound):
			status = http.StatusNotFound
		case errors.Is(err, appErr.ErrInvalidNickname):
			status = http.StatusBadRequest
		}
		response.Error(c, status, err.Error())
		return
	}
	response.Success(c, gin.H{"user": updated})
}

func (h *Handler) MatchJoin(c *gin.Context) {
	var body matchJoinBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.services.Queue.Join(c.Request.Context(), queue.JoinRequest{
		UserID: userID,
		Prefs: queue.Preferences{
			Game:       body.Game,
			Mode:       body.Mode,
			MicEnabled: body.MicEnabled,
		},
		IP: c.ClientIP(),
	})
	if err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.Success(c, result)
}

func (h *Handler) MatchStatus(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	status, err := h.services.Queue.Status(c.Request.Context(), userID)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.Success(c, status)
}

func (h *Handler) MatchLeave(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.services.Queue.Leave(c.Request.Context(), userID, "user_cancel"); err != nil {
		h.handleQueueError(c, err)
		return
	}

	response.Success(c, gin.H{"status": "left"})
}

func (h *Handler) handleQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, appErr.ErrUserNotFound):
		response.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, appErr.ErrUserBanned):
		response.Error(c, http.StatusForbidden, err.Error())
	case errors.Is(err, appErr.ErrInvalidGame), errors.Is(err, appErr.ErrInvalidMode):
		response.Error(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, appErr.ErrAlreadyInQueue):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, appErr.ErrQueueProcessing):
		response.Error(c, http.StatusTooManyRequests, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, err.Error())
	}
}

func getUserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(middleware.ContextUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
