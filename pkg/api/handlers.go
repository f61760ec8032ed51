package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/masc-io/masc/pkg/gate"
	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/room"
)

// dispatch runs fn through the gate and writes the JSON result.
func (s *Server) dispatch(c *echo.Context, req gate.Request, fn gate.Handler) error {
	result, err := s.gate.Do(c.Request().Context(), req, fn)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) healthHandler(c *echo.Context) error {
	if err := s.gate.Engine().Backend().Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Room lifecycle.

func (s *Server) initHandler(c *echo.Context) error {
	var in struct {
		ProjectName string `json:"project_name"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "init"), func(ctx context.Context, _ string) (any, error) {
		return s.gate.Engine().Init(ctx, in.ProjectName)
	})
}

func (s *Server) resetHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "reset"), func(ctx context.Context, _ string) (any, error) {
		return s.gate.Engine().Reset(ctx)
	})
}

func (s *Server) statusHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "status"), func(ctx context.Context, _ string) (any, error) {
		return s.gate.Engine().GetStatus(ctx)
	})
}

func (s *Server) pauseHandler(c *echo.Context) error {
	var in struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "pause"), func(ctx context.Context, caller string) (any, error) {
		if err := s.gate.Engine().Pause(ctx, caller, in.Reason); err != nil {
			return nil, err
		}
		return map[string]any{"paused": true}, nil
	})
}

func (s *Server) resumeHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "resume"), func(ctx context.Context, caller string) (any, error) {
		if err := s.gate.Engine().Resume(ctx, caller); err != nil {
			return nil, err
		}
		return map[string]any{"paused": false}, nil
	})
}

// Agents.

func (s *Server) joinHandler(c *echo.Context) error {
	var in struct {
		Agent        string            `json:"agent"`
		Capabilities []string          `json:"capabilities"`
		Meta         map[string]string `json:"meta"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req := requestOf(c, "join")
	if in.Agent != "" {
		req.Agent = in.Agent
	}
	name := req.Agent
	return s.dispatch(c, req, func(ctx context.Context, _ string) (any, error) {
		return s.gate.Engine().Join(ctx, name, room.JoinInput{
			Capabilities: in.Capabilities,
			Meta:         in.Meta,
		})
	})
}

func (s *Server) leaveHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "leave"), func(ctx context.Context, caller string) (any, error) {
		if err := s.gate.Engine().Leave(ctx, caller); err != nil {
			return nil, err
		}
		return map[string]any{"agent": caller, "left": true}, nil
	})
}

func (s *Server) heartbeatHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "heartbeat"), func(ctx context.Context, caller string) (any, error) {
		if err := s.gate.Engine().Heartbeat(ctx, caller); err != nil {
			return nil, err
		}
		return map[string]any{"agent": caller, "ok": true}, nil
	})
}

func (s *Server) listAgentsHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "get_agents"), func(ctx context.Context, _ string) (any, error) {
		agents, err := s.gate.Engine().GetAgents(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"agents": agents}, nil
	})
}

// Tasks.

func (s *Server) addTaskHandler(c *echo.Context) error {
	var in struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Priority    int      `json:"priority"`
		Capability  string   `json:"capability"`
		Files       []string `json:"files"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "add_task"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().AddTask(ctx, caller, room.AddTaskInput{
			Title:       in.Title,
			Description: in.Description,
			Priority:    in.Priority,
			Capability:  in.Capability,
			Files:       in.Files,
		})
	})
}

func (s *Server) listTasksHandler(c *echo.Context) error {
	status := c.QueryParam("status")
	limit := queryInt(c, "limit", 0)
	position, err := room.DecodeCursor(c.QueryParam("cursor"), room.CursorTasks)
	if err != nil {
		return writeError(c, err)
	}
	return s.dispatch(c, requestOf(c, "get_tasks"), func(ctx context.Context, _ string) (any, error) {
		tasks, err := s.gate.Engine().GetTasks(ctx)
		if err != nil {
			return nil, err
		}
		page := make([]*models.Task, 0, len(tasks))
		for _, t := range tasks {
			if position != "" && t.ID <= position {
				continue
			}
			if status != "" && string(t.Status) != status {
				continue
			}
			page = append(page, t)
			if limit > 0 && len(page) >= limit {
				break
			}
		}
		resp := map[string]any{"tasks": page}
		if len(page) > 0 && limit > 0 && len(page) == limit {
			resp["next_cursor"] = room.EncodeCursor(room.CursorTasks, page[len(page)-1].ID)
		}
		return resp, nil
	})
}

func (s *Server) claimNextHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "claim_next"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().ClaimNext(ctx, caller)
	})
}

func (s *Server) claimHandler(c *echo.Context) error {
	id := c.Param("id")
	return s.dispatch(c, requestOf(c, "claim"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().Claim(ctx, caller, id)
	})
}

func (s *Server) startTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	return s.dispatch(c, requestOf(c, "start"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().Start(ctx, caller, id)
	})
}

func (s *Server) releaseHandler(c *echo.Context) error {
	id := c.Param("id")
	return s.dispatch(c, requestOf(c, "release"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().Release(ctx, caller, id)
	})
}

func (s *Server) doneHandler(c *echo.Context) error {
	id := c.Param("id")
	var in struct {
		Notes string `json:"notes"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "done"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().Done(ctx, caller, id, in.Notes)
	})
}

func (s *Server) cancelTaskHandler(c *echo.Context) error {
	id := c.Param("id")
	var in struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "cancel_task"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().CancelTask(ctx, caller, id, in.Reason)
	})
}

func (s *Server) transitionHandler(c *echo.Context) error {
	id := c.Param("id")
	var in struct {
		To string `json:"to"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "transition"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().Transition(ctx, caller, id, models.TaskStatus(in.To))
	})
}

func (s *Server) priorityHandler(c *echo.Context) error {
	id := c.Param("id")
	var in struct {
		Priority int `json:"priority"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "update_priority"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().UpdatePriority(ctx, caller, id, in.Priority)
	})
}

// Messages.

func (s *Server) broadcastHandler(c *echo.Context) error {
	var in struct {
		Content string `json:"content"`
		Mention string `json:"mention"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "broadcast"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().Broadcast(ctx, caller, in.Content, in.Mention)
	})
}

func (s *Server) listMessagesHandler(c *echo.Context) error {
	sinceSeq := uint64(queryInt(c, "since_seq", 0))
	limit := queryInt(c, "limit", 100)
	if cursor := c.QueryParam("cursor"); cursor != "" {
		position, err := room.DecodeCursor(cursor, room.CursorMessages)
		if err != nil {
			return writeError(c, err)
		}
		seq, err := strconv.ParseUint(position, 10, 64)
		if err != nil {
			return writeError(c, &room.SchemaError{Detail: "malformed cursor"})
		}
		sinceSeq = seq
	}
	return s.dispatch(c, requestOf(c, "get_messages"), func(ctx context.Context, _ string) (any, error) {
		msgs, err := s.gate.Engine().GetMessages(ctx, sinceSeq, limit)
		if err != nil {
			return nil, err
		}
		resp := map[string]any{"messages": msgs}
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1].Seq
			resp["next_cursor"] = room.EncodeCursor(room.CursorMessages, strconv.FormatUint(last, 10))
		}
		return resp, nil
	})
}

// Locks.

func (s *Server) lockHandler(c *echo.Context) error {
	var in struct {
		Resource string `json:"resource"`
		TTL      string `json:"ttl"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ttl := room.DefaultLockTTL
	if in.TTL != "" {
		d, err := time.ParseDuration(in.TTL)
		if err != nil || d <= 0 {
			return writeError(c, &room.SchemaError{Detail: "ttl must be a positive duration"})
		}
		ttl = d
	}
	return s.dispatch(c, requestOf(c, "lock"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().Lock(ctx, caller, in.Resource, ttl)
	})
}

func (s *Server) unlockHandler(c *echo.Context) error {
	resource := c.QueryParam("resource")
	if resource == "" {
		var in struct {
			Resource string `json:"resource"`
		}
		if err := c.Bind(&in); err == nil {
			resource = in.Resource
		}
	}
	return s.dispatch(c, requestOf(c, "unlock"), func(ctx context.Context, caller string) (any, error) {
		if err := s.gate.Engine().Unlock(ctx, caller, resource); err != nil {
			return nil, err
		}
		return map[string]any{"resource": resource, "unlocked": true}, nil
	})
}

func (s *Server) listLocksHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "get_locks"), func(ctx context.Context, _ string) (any, error) {
		locks, err := s.gate.Engine().GetLocks(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"locks": locks}, nil
	})
}

// Votes.

func (s *Server) voteCreateHandler(c *echo.Context) error {
	var in struct {
		Topic         string   `json:"topic"`
		Options       []string `json:"options"`
		RequiredVotes int      `json:"required_votes"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "vote_create"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().VoteCreate(ctx, caller, in.Topic, in.Options, in.RequiredVotes)
	})
}

func (s *Server) voteCastHandler(c *echo.Context) error {
	id := c.Param("id")
	var in struct {
		Option string `json:"option"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "vote_cast"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().VoteCast(ctx, caller, id, in.Option)
	})
}

func (s *Server) votesStatusHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "votes_status"), func(ctx context.Context, _ string) (any, error) {
		votes, err := s.gate.Engine().VotesStatus(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"votes": votes}, nil
	})
}

// Portals.

func (s *Server) portalOpenHandler(c *echo.Context) error {
	var in struct {
		Peer string `json:"peer"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "portal_open"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().PortalOpen(ctx, caller, in.Peer)
	})
}

func (s *Server) portalSendHandler(c *echo.Context) error {
	var in struct {
		Content string `json:"content"`
		Timeout string `json:"timeout"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	timeout := 30 * time.Second
	if in.Timeout != "" {
		d, err := time.ParseDuration(in.Timeout)
		if err != nil || d <= 0 {
			return writeError(c, &room.SchemaError{Detail: "timeout must be a positive duration"})
		}
		timeout = d
	}
	return s.dispatch(c, requestOf(c, "portal_send"), func(ctx context.Context, caller string) (any, error) {
		return s.gate.Engine().PortalSend(ctx, caller, in.Content, timeout)
	})
}

func (s *Server) portalCloseHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "portal_close"), func(ctx context.Context, caller string) (any, error) {
		if err := s.gate.Engine().PortalClose(ctx, caller); err != nil {
			return nil, err
		}
		return map[string]any{"closed": true}, nil
	})
}

func (s *Server) portalStatusHandler(c *echo.Context) error {
	agent := c.Param("agent")
	return s.dispatch(c, requestOf(c, "portal_status"), func(ctx context.Context, _ string) (any, error) {
		return s.gate.Engine().PortalStatus(ctx, agent)
	})
}

// Audit.

func (s *Server) auditHandler(c *echo.Context) error {
	limit := queryInt(c, "limit", 100)
	position, err := room.DecodeCursor(c.QueryParam("cursor"), room.CursorAudit)
	if err != nil {
		return writeError(c, err)
	}
	var afterIndex uint64
	if position != "" {
		afterIndex, err = strconv.ParseUint(position, 10, 64)
		if err != nil {
			return writeError(c, &room.SchemaError{Detail: "malformed cursor"})
		}
	}
	return s.dispatch(c, requestOf(c, "get_audit"), func(ctx context.Context, _ string) (any, error) {
		entries, err := s.gate.Engine().GetAudit(ctx, afterIndex, limit)
		if err != nil {
			return nil, err
		}
		resp := map[string]any{"entries": entries}
		if len(entries) > 0 {
			last := entries[len(entries)-1].Index
			resp["next_cursor"] = room.EncodeCursor(room.CursorAudit, strconv.FormatUint(last, 10))
		}
		return resp, nil
	})
}

// Auth administration.

func (s *Server) authEnableHandler(c *echo.Context) error {
	return s.dispatch(c, requestOf(c, "auth_enable"), func(ctx context.Context, _ string) (any, error) {
		secret, err := s.gate.Auth().Enable(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"secret": secret}, nil
	})
}

func (s *Server) authCreateTokenHandler(c *echo.Context) error {
	var in struct {
		Secret string `json:"secret"`
		Agent  string `json:"agent"`
		Role   string `json:"role"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "auth_create_token"), func(ctx context.Context, _ string) (any, error) {
		token, err := s.gate.Auth().CreateToken(ctx, in.Secret, in.Agent, gate.Role(in.Role))
		if err != nil {
			return nil, err
		}
		return map[string]any{"token": token, "agent": in.Agent, "role": in.Role}, nil
	})
}

// queryInt parses an integer query parameter, falling back on def.
func queryInt(c *echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
