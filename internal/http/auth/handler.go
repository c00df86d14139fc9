package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"wheelauth/internal/http/middleware"
	"wheelauth/internal/lib/sl"
	authservice "wheelauth/internal/services/auth"
	"wheelauth/internal/storage"
)

// Handler exposes the auth session operations over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *authservice.Auth
}

func NewHandler(logger *slog.Logger, service *authservice.Auth) *Handler {
	return &Handler{logger: logger, service: service}
}

// RegisterRoutes mounts the auth endpoints on the router.
func (h *Handler) RegisterRoutes(r *gin.Engine, jwtSecret string) {
	group := r.Group("/auth")
	group.POST("/register", h.register)
	group.POST("/login", h.login)
	group.POST("/refresh", h.refresh)

	protected := group.Group("")
	protected.Use(middleware.Bearer(jwtSecret))
	protected.POST("/logout", h.logout)
	protected.GET("/me", h.me)
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	FullName string `json:"fullName" binding:"required"`
	Timezone string `json:"timezone"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	session, err := h.service.Register(c.Request.Context(),
		req.Email, req.Password, req.FullName, req.Timezone, device(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionResponse(session))
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	session, err := h.service.Login(c.Request.Context(), req.Email, req.Password, device(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse(session))
}

func (h *Handler) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh token is required"})
		return
	}

	session, err := h.service.Refresh(c.Request.Context(), req.RefreshToken, device(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accessToken":  session.AccessToken,
		"refreshToken": session.RefreshToken,
	})
}

func (h *Handler) logout(c *gin.Context) {
	if err := h.service.Logout(c.Request.Context(), middleware.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) me(c *gin.Context) {
	view, err := h.service.CurrentUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": view})
}

// fail maps service errors onto status codes. Token and credential failures
// are deliberately opaque.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, authservice.ErrUserAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
	case errors.Is(err, authservice.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
	case errors.Is(err, authservice.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
	case errors.Is(err, authservice.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	default:
		h.logger.Error("unhandled service error",
			slog.String("path", c.Request.URL.Path), sl.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func sessionResponse(session *authservice.Session) gin.H {
	return gin.H{
		"accessToken":  session.AccessToken,
		"refreshToken": session.RefreshToken,
		"user":         session.User,
	}
}

func device(c *gin.Context) authservice.Device {
	return authservice.Device{
		Info:   c.Request.UserAgent(),
		Origin: c.ClientIP(),
	}
}
