package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// walphDisabled answers loop endpoints on hosts running without a
// supervisor.
func (s *Server) walphDisabled(c *echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, errorBody{
		Kind:    "walph_disabled",
		Message: "loop supervision is not enabled on this host",
	})
}

func (s *Server) walphStartHandler(c *echo.Context) error {
	if s.walph == nil {
		return s.walphDisabled(c)
	}
	agent := c.Param("agent")
	var in struct {
		Preset        string `json:"preset"`
		MaxIterations int    `json:"max_iterations"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return s.dispatch(c, requestOf(c, "walph_start"), func(ctx context.Context, _ string) (any, error) {
		// The loop outlives the request; only its values carry over.
		if err := s.walph.Start(context.WithoutCancel(ctx), agent, in.Preset, in.MaxIterations); err != nil {
			return nil, err
		}
		return s.walph.StatusOf(agent)
	})
}

func (s *Server) walphStopHandler(c *echo.Context) error {
	if s.walph == nil {
		return s.walphDisabled(c)
	}
	agent := c.Param("agent")
	return s.dispatch(c, requestOf(c, "walph_stop"), func(ctx context.Context, _ string) (any, error) {
		if err := s.walph.Stop(agent); err != nil {
			return nil, err
		}
		return s.walph.StatusOf(agent)
	})
}

func (s *Server) walphPauseHandler(c *echo.Context) error {
	if s.walph == nil {
		return s.walphDisabled(c)
	}
	agent := c.Param("agent")
	return s.dispatch(c, requestOf(c, "walph_pause"), func(ctx context.Context, _ string) (any, error) {
		if err := s.walph.Pause(agent); err != nil {
			return nil, err
		}
		return s.walph.StatusOf(agent)
	})
}

func (s *Server) walphResumeHandler(c *echo.Context) error {
	if s.walph == nil {
		return s.walphDisabled(c)
	}
	agent := c.Param("agent")
	return s.dispatch(c, requestOf(c, "walph_resume"), func(ctx context.Context, _ string) (any, error) {
		if err := s.walph.Resume(agent); err != nil {
			return nil, err
		}
		return s.walph.StatusOf(agent)
	})
}

func (s *Server) walphStatusHandler(c *echo.Context) error {
	if s.walph == nil {
		return s.walphDisabled(c)
	}
	agent := c.Param("agent")
	return s.dispatch(c, requestOf(c, "walph_status"), func(ctx context.Context, _ string) (any, error) {
		return s.walph.StatusOf(agent)
	})
}

func (s *Server) swarmStatusHandler(c *echo.Context) error {
	if s.walph == nil {
		return s.walphDisabled(c)
	}
	return s.dispatch(c, requestOf(c, "walph_status"), func(ctx context.Context, _ string) (any, error) {
		return map[string]any{"loops": s.walph.SwarmStatus()}, nil
	})
}

func (s *Server) swarmCommandHandler(c *echo.Context) error {
	if s.walph == nil {
		return s.walphDisabled(c)
	}
	command := c.Param("command")
	switch command {
	case "stop", "pause", "resume":
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown swarm command")
	}
	return s.dispatch(c, requestOf(c, "walph_"+command), func(ctx context.Context, _ string) (any, error) {
		switch command {
		case "stop":
			s.walph.SwarmStop()
		case "pause":
			s.walph.SwarmPause()
		case "resume":
			s.walph.SwarmResume()
		}
		return map[string]any{"loops": s.walph.SwarmStatus()}, nil
	})
}
