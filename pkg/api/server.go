// Package api exposes the coordination room over HTTP and WebSocket.
// Every command, reads included, passes through the gate.
package api

import (
	"log/slog"

	echo "github.com/labstack/echo/v5"

	"github.com/masc-io/masc/pkg/gate"
	"github.com/masc-io/masc/pkg/stream"
	"github.com/masc-io/masc/pkg/walph"
)

// Server carries the handler dependencies.
type Server struct {
	gate   *gate.Gate
	fabric *stream.Fabric
	walph  *walph.Supervisor
	logger *slog.Logger
}

// NewServer creates the API server. walphSup may be nil when the host
// disables loop supervision.
func NewServer(g *gate.Gate, fabric *stream.Fabric, walphSup *walph.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{gate: g, fabric: fabric, walph: walphSup, logger: logger}
}

// RegisterRoutes attaches all routes and middleware to the echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.Use(securityHeaders())
	e.Use(s.sessionMiddleware())

	e.GET("/healthz", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")

	v1.POST("/room/init", s.initHandler)
	v1.POST("/room/reset", s.resetHandler)
	v1.GET("/room/status", s.statusHandler)
	v1.POST("/room/pause", s.pauseHandler)
	v1.POST("/room/resume", s.resumeHandler)

	v1.POST("/agents/join", s.joinHandler)
	v1.POST("/agents/leave", s.leaveHandler)
	v1.POST("/agents/heartbeat", s.heartbeatHandler)
	v1.GET("/agents", s.listAgentsHandler)

	v1.POST("/tasks", s.addTaskHandler)
	v1.GET("/tasks", s.listTasksHandler)
	v1.POST("/tasks/claim_next", s.claimNextHandler)
	v1.POST("/tasks/:id/claim", s.claimHandler)
	v1.POST("/tasks/:id/start", s.startTaskHandler)
	v1.POST("/tasks/:id/release", s.releaseHandler)
	v1.POST("/tasks/:id/done", s.doneHandler)
	v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)
	v1.POST("/tasks/:id/transition", s.transitionHandler)
	v1.POST("/tasks/:id/priority", s.priorityHandler)

	v1.POST("/messages", s.broadcastHandler)
	v1.GET("/messages", s.listMessagesHandler)

	v1.GET("/audit", s.auditHandler)

	v1.POST("/locks", s.lockHandler)
	v1.DELETE("/locks", s.unlockHandler)
	v1.GET("/locks", s.listLocksHandler)

	v1.POST("/votes", s.voteCreateHandler)
	v1.POST("/votes/:id/ballots", s.voteCastHandler)
	v1.GET("/votes", s.votesStatusHandler)

	v1.POST("/portals", s.portalOpenHandler)
	v1.POST("/portals/messages", s.portalSendHandler)
	v1.DELETE("/portals", s.portalCloseHandler)
	v1.GET("/portals/:agent", s.portalStatusHandler)

	v1.POST("/subscriptions", s.subscribeHandler)
	v1.DELETE("/subscriptions/:id", s.unsubscribeHandler)
	v1.GET("/subscriptions/:id/events", s.pollEventsHandler)

	v1.POST("/walph/:agent/start", s.walphStartHandler)
	v1.POST("/walph/:agent/stop", s.walphStopHandler)
	v1.POST("/walph/:agent/pause", s.walphPauseHandler)
	v1.POST("/walph/:agent/resume", s.walphResumeHandler)
	v1.GET("/walph/:agent", s.walphStatusHandler)
	v1.GET("/walph", s.swarmStatusHandler)
	v1.POST("/walph/swarm/:command", s.swarmCommandHandler)

	v1.POST("/auth/enable", s.authEnableHandler)
	v1.POST("/auth/tokens", s.authCreateTokenHandler)
}
