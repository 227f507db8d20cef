// Package handlers serves the REST control surface: agent session
// start/stop/message, dispatch trigger, and session queries.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/errors"
	"github.com/elementalhq/elemental/internal/common/logger"
	"github.com/elementalhq/elemental/internal/dispatch"
	"github.com/elementalhq/elemental/internal/session"
	"github.com/elementalhq/elemental/internal/session/manager"
)

// Handler contains the HTTP handlers for the control API.
type Handler struct {
	manager  *manager.Manager
	dispatch *dispatch.Daemon
	logger   *logger.Logger
}

// NewHandler creates a new API handler. The dispatch daemon may be nil when
// dispatch is disabled.
func NewHandler(mgr *manager.Manager, daemon *dispatch.Daemon, log *logger.Logger) *Handler {
	return &Handler{
		manager:  mgr,
		dispatch: daemon,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// SetupRoutes adds the REST routes to the Gin engine.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	router.POST("/agents/:id/start", h.StartAgent)
	router.POST("/agents/:id/stop", h.StopAgent)
	router.POST("/agents/:id/message", h.SendMessage)
	router.GET("/agents/:id/sessions", h.ListAgentSessions)
	router.GET("/agents/:id/ready-queue", h.ReadyQueue)

	router.GET("/sessions", h.ListSessions)
	router.GET("/sessions/:id", h.GetSession)

	router.POST("/dispatch/poll-now", h.PollNow)
}

// StartRequest is the payload for POST /agents/:id/start.
type StartRequest struct {
	Role          string `json:"role"`
	WorkerMode    string `json:"worker_mode"`
	Mode          string `json:"mode"`
	Provider      string `json:"provider"`
	WorkingDir    string `json:"working_dir"`
	InitialPrompt string `json:"initial_prompt"`

	// Resume restarts the most recent resumable session for this agent.
	Resume          bool `json:"resume"`
	FallBackToStart bool `json:"fall_back_to_start"`
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "elemental",
	})
}

// StartAgent starts or resumes a session for the agent.
// POST /agents/:id/start
func (h *Handler) StartAgent(c *gin.Context) {
	agentID := c.Param("id")

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body, use defaults.
		req = StartRequest{}
	}

	opts := manager.StartOptions{
		Role:          session.AgentRole(req.Role),
		WorkerMode:    session.WorkerMode(req.WorkerMode),
		Mode:          session.Mode(req.Mode),
		Provider:      req.Provider,
		WorkingDir:    req.WorkingDir,
		InitialPrompt: req.InitialPrompt,
	}
	if opts.Role == "" {
		opts.Role = session.RoleWorker
	}
	if opts.Mode == "" {
		opts.Mode = session.ModeHeadless
	}

	var (
		sess *session.Session
		err  error
	)
	if req.Resume {
		sess, err = h.manager.Resume(c.Request.Context(), agentID, manager.ResumeOptions{
			StartOptions:    opts,
			FallBackToStart: req.FallBackToStart,
		})
	} else {
		sess, err = h.manager.Start(c.Request.Context(), agentID, opts)
	}
	if err != nil {
		h.logger.WithAgentID(agentID).WithError(err).Error("failed to start agent")
		appErr := errors.Wrap(err, "failed to start agent")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

// StopRequest is the payload for POST /agents/:id/stop.
type StopRequest struct {
	Graceful *bool `json:"graceful"`
}

// StopAgent terminates the agent's most recent live session.
// POST /agents/:id/stop
func (h *Handler) StopAgent(c *gin.Context) {
	agentID := c.Param("id")

	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = StopRequest{}
	}
	graceful := true
	if req.Graceful != nil {
		graceful = *req.Graceful
	}

	sess := h.latestLiveSession(agentID)
	if sess == nil {
		appErr := errors.NotFound("live session for agent", agentID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.Stop(c.Request.Context(), sess.ID, graceful); err != nil {
		h.logger.WithSessionID(sess.ID).WithError(err).Error("failed to stop session")
		appErr := errors.Wrap(err, "failed to stop session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID})
}

// MessageRequest is the payload for POST /agents/:id/message.
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage delivers a message to the agent's live session, buffering
// while the session is still starting.
// POST /agents/:id/message
func (h *Handler) SendMessage(c *gin.Context) {
	agentID := c.Param("id")

	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.ValidationError("content", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	sess := h.latestLiveSession(agentID)
	if sess == nil {
		appErr := errors.NotFound("live session for agent", agentID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.manager.Send(sess.ID, req.Content); err != nil {
		appErr := errors.Wrap(err, "failed to send message")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID})
}

// ListAgentSessions returns all sessions for the agent.
// GET /agents/:id/sessions
func (h *Handler) ListAgentSessions(c *gin.Context) {
	sessions := h.manager.ListByAgent(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// ReadyQueue reports work anchored to the agent.
// GET /agents/:id/ready-queue
func (h *Handler) ReadyQueue(c *gin.Context) {
	agentID := c.Param("id")

	res, err := h.manager.CheckReadyQueue(c.Request.Context(), agentID, dispatch.ReadyQueueOptions{
		AutoStart: c.Query("auto_start") == "true",
	})
	if err != nil {
		appErr := errors.Wrap(err, "failed to check ready queue")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListSessions returns sessions, live only unless ?all=true.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	var sessions []*session.Session
	if c.Query("all") == "true" {
		sessions = h.manager.ListAll()
	} else {
		sessions = h.manager.ListActive()
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// GetSession returns one session by id.
// GET /sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.manager.Get(c.Param("id"))
	if err != nil {
		appErr := errors.Wrap(err, "failed to get session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// PollNow kicks the dispatch loop immediately.
// POST /dispatch/poll-now
func (h *Handler) PollNow(c *gin.Context) {
	if h.dispatch == nil {
		appErr := errors.InvalidState("dispatch daemon is not running")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.dispatch.PollNow()
	c.JSON(http.StatusAccepted, gin.H{"message": "dispatch poll triggered"})
}

func (h *Handler) latestLiveSession(agentID string) *session.Session {
	var latest *session.Session
	for _, s := range h.manager.ListByAgent(agentID) {
		if s.Status.IsTerminal() {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	return latest
}
