// Package server exposes the illustrative HTTP surface from spec.md §6
// over the orchestrator. It is explicitly non-core: every behavior that
// matters lives in orchestrator/retrieval/condensation/consensus, and
// this package only translates HTTP requests into calls against them.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ghiac/emperor/config"
	"github.com/ghiac/emperor/model"
	"github.com/ghiac/emperor/orchestrator"
	"github.com/ghiac/emperor/store"
)

// Server wraps the orchestrator and relational store behind the
// bearer-authenticated HTTP surface spec.md §6 names. Token validation
// itself is an external collaborator's concern (spec.md §6); Authenticate
// only needs to resolve a bearer token to a user id.
type Server struct {
	cfg          *config.Config
	orchestrator *orchestrator.Orchestrator
	store        store.Store
	authenticate func(token string) (userID string, ok bool)
	router       *gin.Engine
}

// New builds a Server. authenticate resolves a bearer token to a user id;
// pass nil to trust the X-User-Id header instead (useful behind a
// trusted proxy that already authenticated the caller).
func New(cfg *config.Config, orch *orchestrator.Orchestrator, st store.Store, authenticate func(token string) (string, bool)) *Server {
	s := &Server{cfg: cfg, orchestrator: orch, store: st, authenticate: authenticate}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	authed := r.Group("/")
	authed.Use(s.authMiddleware())
	{
		authed.POST("/chat", s.handleChat)
		authed.GET("/sessions", s.handleListSessions)
		authed.POST("/sessions", s.handleCreateSession)
		authed.GET("/sessions/:id/messages", s.handleSessionMessages)
		authed.GET("/profile", s.handleProfile)
		authed.GET("/analysis/status", s.handleAnalysisStatus)
		authed.GET("/user", s.handleGetUser)
		authed.PUT("/user/name", s.handleUpdateUserName)
	}

	return r
}

// ListenAndServe starts the HTTP server at addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

// userIDKey is the gin context key the auth middleware stores the
// resolved user id under.
const userIDKey = "emperor.userID"

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authenticate == nil {
			userID := c.GetHeader("X-User-Id")
			if userID == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-User-Id header"})
				return
			}
			c.Set(userIDKey, userID)
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, ok := s.authenticate(token)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}

func currentUserID(c *gin.Context) string {
	v, _ := c.Get(userIDKey)
	userID, _ := v.(string)
	return userID
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	resp, err := s.orchestrator.Respond(c.Request.Context(), currentUserID(c), req.SessionID, req.Message)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": resp.SessionID,
		"message_id": resp.MessageID,
		"reply":      resp.ReplyText,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	summaries, err := s.store.ListSessions(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(summaries))
	for _, ss := range summaries {
		out = append(out, gin.H{
			"id":            ss.Session.ID,
			"created_at":    ss.Session.CreatedAt,
			"message_count": ss.MessageCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	userID := currentUserID(c)
	if _, err := s.store.GetOrCreateUser(c.Request.Context(), userID); err != nil {
		respondError(c, err)
		return
	}
	session := model.NewSession(userID)
	if err := s.store.CreateSession(c.Request.Context(), session); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": session.ID, "created_at": session.CreatedAt})
}

func (s *Server) handleSessionMessages(c *gin.Context) {
	sessionID := c.Param("id")
	messages, err := s.store.ListMessagesBySession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]gin.H, 0, len(messages))
	for _, msg := range messages {
		out = append(out, gin.H{
			"id":         msg.ID,
			"role":       msg.Role,
			"body":       msg.Body,
			"created_at": msg.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) handleProfile(c *gin.Context) {
	profile, err := s.store.LatestProfile(c.Request.Context(), currentUserID(c))
	if err != nil {
		if model.IsKind(err, model.KindNotFound) {
			c.JSON(http.StatusOK, gin.H{"profile": nil})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    profile.Version,
		"body":       profile.Body,
		"created_at": profile.CreatedAt,
	})
}

func (s *Server) handleAnalysisStatus(c *gin.Context) {
	userID := currentUserID(c)
	sinceProfile, err := s.store.SessionsSinceLastProfile(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	summaries, err := s.store.ListSummaries(c.Request.Context(), userID, 1)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions_since_last_profile": sinceProfile,
		"level_1_summary_count":       len(summaries),
	})
}

func (s *Server) handleGetUser(c *gin.Context) {
	user, err := s.store.GetOrCreateUser(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"name":       user.Name,
		"is_banned":  user.IsCurrentlyBanned(),
		"created_at": user.CreatedAt,
	})
}

type updateNameRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleUpdateUserName(c *gin.Context) {
	var req updateNameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if err := s.store.UpdateUserName(c.Request.Context(), currentUserID(c), req.Name); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondError(c *gin.Context, err error) {
	var modelErr *model.Error
	if errors.As(err, &modelErr) {
		switch modelErr.Kind {
		case model.KindNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": modelErr.Error()})
			return
		case model.KindGuardBlocked:
			c.JSON(http.StatusForbidden, gin.H{"error": modelErr.Error()})
			return
		case model.KindCancelled:
			c.JSON(http.StatusRequestTimeout, gin.H{"error": modelErr.Error()})
			return
		case model.KindConfigError, model.KindParseError:
			c.JSON(http.StatusBadGateway, gin.H{"error": modelErr.Error()})
			return
		}
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
