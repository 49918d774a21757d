package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// SyncService is the orchestrator surface the API drives
type SyncService interface {
	TriggerSync(ctx context.Context, accountID string) (map[string]*sync.SyncResult, error)
	TriggerFolderSync(ctx context.Context, accountID, labelID string, maxResults int) *sync.SyncResult
	SyncState(ctx context.Context, accountID string) (*sync.SyncCursor, error)
	Labels(ctx context.Context, accountID string) (map[string]string, error)
	GetRunningSyncs() []string
}

// MailboxStore reads mirrored messages and records manual contact links
type MailboxStore interface {
	ListMessages(ctx context.Context, accountID string, limit int) ([]sync.Message, error)
	LinkContact(ctx context.Context, accountID, remoteMessageID, contactID string, role sync.LinkRole) error
}

const maxListLimit = 500

// Server is the HTTP control surface
type Server struct {
	svc      SyncService
	store    MailboxStore
	verifier auth.Verifier
	log      zerolog.Logger
}

// NewServer creates the API server. A nil verifier leaves the API open.
func NewServer(svc SyncService, store MailboxStore, verifier auth.Verifier, logger zerolog.Logger) *Server {
	return &Server{
		svc:      svc,
		store:    store,
		verifier: verifier,
		log:      logger.With().Str("component", "api").Logger(),
	}
}

type syncRequest struct {
	AccountID string `json:"account_id"`
}

type linkRequest struct {
	ContactID string `json:"contact_id" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": s.svc.GetRunningSyncs()})
	})

	authorized := r.Group("/")
	if s.verifier != nil {
		authorized.Use(s.authMiddleware())
	}

	authorized.POST("/sync", s.syncAll)
	authorized.POST("/accounts/:id/sync", s.syncAccount)
	authorized.POST("/accounts/:id/folders/:label/sync", s.syncFolder)
	authorized.GET("/accounts/:id/sync-state", s.syncState)
	authorized.GET("/accounts/:id/labels", s.labels)
	authorized.GET("/accounts/:id/messages", s.listMessages)
	authorized.POST("/accounts/:id/messages/:message_id/links", s.linkContact)

	return r
}

func (s *Server) syncAll(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	results, err := s.svc.TriggerSync(c.Request.Context(), req.AccountID)
	if err != nil {
		c.JSON(statusFor(sync.Classify(err)), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) syncAccount(c *gin.Context) {
	id := c.Param("id")
	results, err := s.svc.TriggerSync(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(sync.Classify(err)), gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if res, ok := results[id]; ok && !res.Success {
		status = statusFor(res.ErrorKind)
	}
	c.JSON(status, results)
}

func (s *Server) syncFolder(c *gin.Context) {
	maxResults := 0
	if v := c.Query("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_results must be a non-negative integer"})
			return
		}
		maxResults = n
	}

	res := s.svc.TriggerFolderSync(c.Request.Context(), c.Param("id"), c.Param("label"), maxResults)
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.ErrorKind)
	}
	c.JSON(status, res)
}

func (s *Server) syncState(c *gin.Context) {
	state, err := s.svc.SyncState(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(sync.Classify(err)), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) labels(c *gin.Context) {
	labels, err := s.svc.Labels(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(sync.Classify(err)), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, labels)
}

func (s *Server) listMessages(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	messages, err := s.store.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []sync.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) linkContact(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role := sync.LinkRole(req.Role)
	switch role {
	case sync.RoleFrom, sync.RoleTo, sync.RoleCc:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be one of from, to, cc"})
		return
	}

	err := s.store.LinkContact(c.Request.Context(), c.Param("id"), c.Param("message_id"), req.ContactID, role)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sync.ContactLink{ContactID: req.ContactID, Role: role, Origin: sync.OriginManual})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user_id", user.ID)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func statusFor(kind sync.ErrorKind) int {
	switch kind {
	case sync.KindNone:
		return http.StatusOK
	case sync.KindNotFound:
		return http.StatusNotFound
	case sync.KindInProgress:
		return http.StatusConflict
	case sync.KindAuth, sync.KindTransient, sync.KindCursorExpired:
		return http.StatusBadGateway
	case sync.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
