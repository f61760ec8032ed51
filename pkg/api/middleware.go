package api

import (
	echo "github.com/labstack/echo/v5"

	"github.com/masc-io/masc/pkg/gate"
)

// Request headers understood by every endpoint.
const (
	// HeaderSession carries the server-assigned session id. Absent on the
	// first request; the server mints one and echoes it back.
	HeaderSession = "X-MASC-Session"
	// HeaderAgent names the caller for requests made before a join bound
	// the session.
	HeaderAgent = "X-MASC-Agent"
	// HeaderToken carries the optional auth token.
	HeaderToken = "X-MASC-Token"
	// HeaderIdempotencyKey deduplicates creating commands.
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// sessionMiddleware assigns a session on the first request and echoes the
// id on every response. Requests presenting an expired or unknown id get
// a fresh session rather than an error; the gate rejects them later if
// the command needed a bound identity.
func (s *Server) sessionMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(HeaderSession)
			if _, ok := s.gate.Sessions().Resolve(id); !ok {
				id = s.gate.Sessions().Create().ID
			}
			c.Set(sessionContextKey, id)
			c.Response().Header().Set(HeaderSession, id)
			return next(c)
		}
	}
}

const sessionContextKey = "masc.session"

// requestOf builds the gate request for the current HTTP request.
func requestOf(c *echo.Context, command string) gate.Request {
	sessionID, _ := c.Get(sessionContextKey).(string)
	return gate.Request{
		Command:        command,
		SessionID:      sessionID,
		Agent:          c.Request().Header.Get(HeaderAgent),
		Token:          c.Request().Header.Get(HeaderToken),
		IdempotencyKey: c.Request().Header.Get(HeaderIdempotencyKey),
	}
}
