package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"authservice/internal/domain/models"
	"authservice/internal/lib/sl"
	"authservice/internal/services/auth"
)

// Auth is the part of the auth service the HTTP layer depends on.
type Auth interface {
	Register(ctx context.Context, username, email, password, role string) (int64, error)
	Login(ctx context.Context, username, password string) (*auth.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, username string) error
	Validate(ctx context.Context, accessToken string) (*models.User, error)
}

type Server struct {
	log  *slog.Logger
	auth Auth
}

func NewServer(log *slog.Logger, auth Auth) *Server {
	return &Server{log: log, auth: auth}
}

// response is the JSON envelope every endpoint answers with.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenPairData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
	Username     string `json:"username"`
	Role         string `json:"role"`
}

type userData struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Enabled  bool   `json:"enabled"`
}

func respond(c *gin.Context, status int, message string, data any) {
	c.JSON(status, response{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, response{Success: false, Message: message})
}

func tokenPair(res *auth.AuthResult) tokenPairData {
	return tokenPairData{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    res.TokenType,
		ExpiresIn:    res.ExpiresIn,
		Username:     res.Username,
		Role:         string(res.Role),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health/ready", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := router.Group("/api/auth")
	{
		api.POST("/register", s.register)
		api.POST("/login", s.login)
		api.POST("/refresh", s.refresh)
		api.POST("/logout", s.logout)

		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			protected.POST("/logout-all", s.logoutAll)
			protected.GET("/validate", s.validate)
		}
	}

	return router
}

// authMiddleware resolves the Bearer token to an identity and aborts on
// any validation failure.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "http.authMiddleware"
		log := s.log.With(slog.String("op", op))

		header := c.GetHeader("Authorization")
		if header == "" {
			fail(c, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			fail(c, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		user, err := s.auth.Validate(c.Request.Context(), parts[1])
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMalformedToken):
				fail(c, http.StatusBadRequest, "malformed token")
			case errors.Is(err, auth.ErrUserNotFound):
				fail(c, http.StatusNotFound, "user not found")
			case errors.Is(err, auth.ErrInvalidToken):
				fail(c, http.StatusUnauthorized, "invalid token")
			default:
				log.Error("token validation failed", sl.Err(err))
				fail(c, http.StatusInternalServerError, "internal error")
			}
			return
		}

		setIdentity(c, user)
		c.Next()
	}
}

// POST /api/auth/register
func (s *Server) register(c *gin.Context) {
	const op = "http.register"
	log := s.log.With(slog.String("op", op))

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, err := s.auth.Register(c.Request.Context(), req.Username, req.Email, req.Password, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrValidation):
			fail(c, http.StatusBadRequest, "username, email and password are required")
		case errors.Is(err, auth.ErrUserAlreadyExists):
			fail(c, http.StatusConflict, "username already taken")
		case errors.Is(err, auth.ErrEmailAlreadyExists):
			fail(c, http.StatusConflict, "email already taken")
		default:
			log.Error("registration failed", sl.Err(err))
			fail(c, http.StatusInternalServerError, "internal error")
		}
		return
	}

	respond(c, http.StatusCreated, "user registered", gin.H{"userId": userID})
}

// POST /api/auth/login
func (s *Server) login(c *gin.Context) {
	const op = "http.login"
	log := s.log.With(slog.String("op", op))

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			// One message for unknown user and wrong password.
			fail(c, http.StatusUnauthorized, "invalid username or password")
			return
		}
		log.Error("login failed", sl.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	respond(c, http.StatusOK, "login successful", tokenPair(res))
}

// POST /api/auth/refresh
func (s *Server) refresh(c *gin.Context) {
	const op = "http.refresh"
	log := s.log.With(slog.String("op", op))

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		fail(c, http.StatusBadRequest, "refresh token is required")
		return
	}

	res, err := s.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenNotFound),
			errors.Is(err, auth.ErrTokenExpired),
			errors.Is(err, auth.ErrTokenRevoked),
			errors.Is(err, auth.ErrInvalidCredentials):
			fail(c, http.StatusUnauthorized, "invalid refresh token")
		case errors.Is(err, auth.ErrUserNotFound):
			fail(c, http.StatusNotFound, "user not found")
		default:
			log.Error("refresh failed", sl.Err(err))
			fail(c, http.StatusInternalServerError, "internal error")
		}
		return
	}

	respond(c, http.StatusOK, "tokens refreshed", tokenPair(res))
}

// POST /api/auth/logout
func (s *Server) logout(c *gin.Context) {
	const op = "http.logout"
	log := s.log.With(slog.String("op", op))

	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		log.Error("logout failed", sl.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	respond(c, http.StatusOK, "logged out", nil)
}

// POST /api/auth/logout-all
func (s *Server) logoutAll(c *gin.Context) {
	const op = "http.logoutAll"
	log := s.log.With(slog.String("op", op))

	user, found := Identity(c)
	if !found {
		fail(c, http.StatusUnauthorized, "unauthenticated")
		return
	}

	if err := s.auth.LogoutAll(c.Request.Context(), user.Username); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			fail(c, http.StatusNotFound, "user not found")
			return
		}
		log.Error("logout-all failed", sl.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
		return
	}

	respond(c, http.StatusOK, "all sessions revoked", nil)
}

// GET /api/auth/validate
func (s *Server) validate(c *gin.Context) {
	user, found := Identity(c)
	if !found {
		fail(c, http.StatusUnauthorized, "unauthenticated")
		return
	}

	respond(c, http.StatusOK, "token is valid", userData{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Role:     string(user.Role),
		Enabled:  user.Enabled,
	})
}
