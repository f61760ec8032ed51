// Package mcpserver exposes the coordination room as MCP tools over
// stdio. Every tool call goes through the gate, same as the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/masc-io/masc/pkg/gate"
	"github.com/masc-io/masc/pkg/models"
	"github.com/masc-io/masc/pkg/room"
	"github.com/masc-io/masc/pkg/stream"
	"github.com/masc-io/masc/pkg/walph"
)

// Version reported in the MCP handshake.
const Version = "0.1.0"

// Server adapts gate commands to MCP tools. One server instance serves
// one stdio client, typically an agent process.
type Server struct {
	gate   *gate.Gate
	fabric *stream.Fabric
	walph  *walph.Supervisor
	logger *slog.Logger

	mu sync.Mutex
	// agent is the name bound by the last successful join. Tool calls
	// that omit an agent fall back to it.
	agent string
	token string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates the MCP adapter. walphSup may be nil; loop tools are then
// not registered.
func New(g *gate.Gate, fabric *stream.Fabric, walphSup *walph.Supervisor, opts ...Option) *Server {
	s := &Server{gate: g, fabric: fabric, walph: walphSup}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// Run serves MCP over stdio until ctx ends or stdin closes.
func (s *Server) Run(ctx context.Context) error {
	return s.Build().Run(ctx, &mcp.StdioTransport{})
}

// Build assembles the SDK server with all tools registered. Split from
// Run so tests can connect over in-memory transports.
func (s *Server) Build() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "masc", Version: Version}, nil)
	s.registerTools(srv)
	return srv
}

// callerInput is embedded by every tool input that names an agent.
type callerInput struct {
	Agent string `json:"agent,omitempty" jsonschema:"agent name, defaults to the joined agent"`
	Token string `json:"token,omitempty" jsonschema:"auth token, when auth is enabled"`
}

// resolve fills the caller from the bound agent when the call omits it.
func (s *Server) resolve(in callerInput) (agent, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, token = in.Agent, in.Token
	if agent == "" {
		agent = s.agent
	}
	if token == "" {
		token = s.token
	}
	return agent, token
}

// call runs one command through the gate and renders the result as a
// JSON text block. Domain errors come back as tool errors, not protocol
// errors, so the client model can read and react to them.
func (s *Server) call(ctx context.Context, command string, in callerInput, fn gate.Handler) (*mcp.CallToolResult, any, error) {
	agent, token := s.resolve(in)
	result, err := s.gate.Do(ctx, gate.Request{Command: command, Agent: agent, Token: token}, fn)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// tool registers a handler under both the masc_ prefixed name and the
// bare alias. Some MCP clients namespace tools themselves; forcing the
// prefix on them doubles it.
func tool[In any](srv *mcp.Server, name, description string, h mcp.ToolHandlerFor[In, any]) {
	mcp.AddTool(srv, &mcp.Tool{Name: "masc_" + name, Description: description}, h)
	mcp.AddTool(srv, &mcp.Tool{Name: name, Description: description}, h)
}

func (s *Server) registerTools(srv *mcp.Server) {
	s.registerRoomTools(srv)
	s.registerTaskTools(srv)
	s.registerMessageTools(srv)
	s.registerLockTools(srv)
	s.registerVoteTools(srv)
	s.registerPortalTools(srv)
	s.registerStreamTools(srv)
	s.registerAuthTools(srv)
	if s.walph != nil {
		s.registerWalphTools(srv)
	}
}

func (s *Server) registerRoomTools(srv *mcp.Server) {
	type initInput struct {
		callerInput
		ProjectName string `json:"project_name"`
	}
	tool(srv, "init", "Initialize the coordination room for a project.",
		func(ctx context.Context, req *mcp.CallToolRequest, in initInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "init", in.callerInput, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().Init(ctx, in.ProjectName)
			})
		})

	tool(srv, "reset", "Reset the room, clearing tasks, agents, locks, votes, and portals.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "reset", in, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().Reset(ctx)
			})
		})

	tool(srv, "status", "Summarize the room: agents, task counts, locks, open votes.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "status", in, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().GetStatus(ctx)
			})
		})

	type pauseInput struct {
		callerInput
		Reason string `json:"reason,omitempty"`
	}
	tool(srv, "pause", "Pause the room. Mutations are refused until resume.",
		func(ctx context.Context, req *mcp.CallToolRequest, in pauseInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "pause", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				if err := s.gate.Engine().Pause(ctx, caller, in.Reason); err != nil {
					return nil, err
				}
				return map[string]any{"paused": true}, nil
			})
		})

	tool(srv, "resume", "Resume a paused room.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "resume", in, func(ctx context.Context, caller string) (any, error) {
				if err := s.gate.Engine().Resume(ctx, caller); err != nil {
					return nil, err
				}
				return map[string]any{"paused": false}, nil
			})
		})

	type joinInput struct {
		callerInput
		Capabilities []string          `json:"capabilities,omitempty"`
		Meta         map[string]string `json:"meta,omitempty"`
	}
	tool(srv, "join", "Join the room as an agent. Binds this connection to the agent name.",
		func(ctx context.Context, req *mcp.CallToolRequest, in joinInput) (*mcp.CallToolResult, any, error) {
			res, out, err := s.call(ctx, "join", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Join(ctx, caller, room.JoinInput{
					Capabilities: in.Capabilities,
					Meta:         in.Meta,
				})
			})
			if err == nil && res != nil && !res.IsError {
				s.mu.Lock()
				if in.Agent != "" {
					s.agent = in.Agent
				}
				if in.Token != "" {
					s.token = in.Token
				}
				s.mu.Unlock()
			}
			return res, out, err
		})

	tool(srv, "leave", "Leave the room, releasing claimed tasks and held locks.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "leave", in, func(ctx context.Context, caller string) (any, error) {
				if err := s.gate.Engine().Leave(ctx, caller); err != nil {
					return nil, err
				}
				return map[string]any{"agent": caller, "left": true}, nil
			})
		})

	tool(srv, "heartbeat", "Refresh the agent's liveness timestamp.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "heartbeat", in, func(ctx context.Context, caller string) (any, error) {
				if err := s.gate.Engine().Heartbeat(ctx, caller); err != nil {
					return nil, err
				}
				return map[string]any{"agent": caller, "ok": true}, nil
			})
		})

	tool(srv, "get_agents", "List all agents and their status.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "get_agents", in, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().GetAgents(ctx)
			})
		})
}

func (s *Server) registerTaskTools(srv *mcp.Server) {
	type addTaskInput struct {
		callerInput
		Title       string   `json:"title"`
		Description string   `json:"description,omitempty"`
		Priority    int      `json:"priority,omitempty" jsonschema:"1 is highest, 5 lowest"`
		Capability  string   `json:"capability,omitempty"`
		Files       []string `json:"files,omitempty"`
	}
	tool(srv, "add_task", "Add a task to the board.",
		func(ctx context.Context, req *mcp.CallToolRequest, in addTaskInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "add_task", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().AddTask(ctx, caller, room.AddTaskInput{
					Title:       in.Title,
					Description: in.Description,
					Priority:    in.Priority,
					Capability:  in.Capability,
					Files:       in.Files,
				})
			})
		})

	tool(srv, "get_tasks", "List all tasks on the board.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "get_tasks", in, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().GetTasks(ctx)
			})
		})

	type taskInput struct {
		callerInput
		TaskID string `json:"task_id"`
	}
	tool(srv, "claim", "Claim a specific todo task.",
		func(ctx context.Context, req *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "claim", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Claim(ctx, caller, in.TaskID)
			})
		})

	tool(srv, "claim_next", "Claim the highest-priority todo task matching the agent's capabilities.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "claim_next", in, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().ClaimNext(ctx, caller)
			})
		})

	tool(srv, "start", "Move a claimed task to in_progress.",
		func(ctx context.Context, req *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "start", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Start(ctx, caller, in.TaskID)
			})
		})

	tool(srv, "release", "Return a claimed task to the board.",
		func(ctx context.Context, req *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "release", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Release(ctx, caller, in.TaskID)
			})
		})

	type doneInput struct {
		callerInput
		TaskID string `json:"task_id"`
		Notes  string `json:"notes,omitempty"`
	}
	tool(srv, "done", "Complete an in-progress task.",
		func(ctx context.Context, req *mcp.CallToolRequest, in doneInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "done", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Done(ctx, caller, in.TaskID, in.Notes)
			})
		})

	type cancelInput struct {
		callerInput
		TaskID string `json:"task_id"`
		Reason string `json:"reason,omitempty"`
	}
	tool(srv, "cancel_task", "Cancel a task regardless of assignee.",
		func(ctx context.Context, req *mcp.CallToolRequest, in cancelInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "cancel_task", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().CancelTask(ctx, caller, in.TaskID, in.Reason)
			})
		})

	type transitionInput struct {
		callerInput
		TaskID string `json:"task_id"`
		To     string `json:"to" jsonschema:"target status: todo, claimed, in_progress, done, cancelled"`
	}
	tool(srv, "transition", "Operator override: move a task to any legal status.",
		func(ctx context.Context, req *mcp.CallToolRequest, in transitionInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "transition", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Transition(ctx, caller, in.TaskID, models.TaskStatus(in.To))
			})
		})

	type priorityInput struct {
		callerInput
		TaskID   string `json:"task_id"`
		Priority int    `json:"priority"`
	}
	tool(srv, "update_priority", "Change a task's priority.",
		func(ctx context.Context, req *mcp.CallToolRequest, in priorityInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "update_priority", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().UpdatePriority(ctx, caller, in.TaskID, in.Priority)
			})
		})
}

func (s *Server) registerMessageTools(srv *mcp.Server) {
	type broadcastInput struct {
		callerInput
		Content string `json:"content"`
		Mention string `json:"mention,omitempty"`
	}
	tool(srv, "broadcast", "Post a message to the room board.",
		func(ctx context.Context, req *mcp.CallToolRequest, in broadcastInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "broadcast", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Broadcast(ctx, caller, in.Content, in.Mention)
			})
		})

	type getMessagesInput struct {
		callerInput
		SinceSeq uint64 `json:"since_seq,omitempty"`
		Limit    int    `json:"limit,omitempty"`
	}
	tool(srv, "get_messages", "Read board messages after a sequence number.",
		func(ctx context.Context, req *mcp.CallToolRequest, in getMessagesInput) (*mcp.CallToolResult, any, error) {
			limit := in.Limit
			if limit <= 0 {
				limit = 100
			}
			return s.call(ctx, "get_messages", in.callerInput, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().GetMessages(ctx, in.SinceSeq, limit)
			})
		})

	type auditInput struct {
		callerInput
		AfterIndex uint64 `json:"after_index,omitempty"`
		Limit      int    `json:"limit,omitempty"`
	}
	tool(srv, "get_audit", "Read the room audit log after an index.",
		func(ctx context.Context, req *mcp.CallToolRequest, in auditInput) (*mcp.CallToolResult, any, error) {
			limit := in.Limit
			if limit <= 0 {
				limit = 100
			}
			return s.call(ctx, "get_audit", in.callerInput, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().GetAudit(ctx, in.AfterIndex, limit)
			})
		})
}

func (s *Server) registerLockTools(srv *mcp.Server) {
	type lockInput struct {
		callerInput
		Resource string `json:"resource"`
		TTL      string `json:"ttl,omitempty" jsonschema:"lease duration such as 5m, default 10m"`
	}
	tool(srv, "lock", "Take an advisory lease on a file or resource.",
		func(ctx context.Context, req *mcp.CallToolRequest, in lockInput) (*mcp.CallToolResult, any, error) {
			ttl := room.DefaultLockTTL
			if in.TTL != "" {
				d, err := time.ParseDuration(in.TTL)
				if err != nil || d <= 0 {
					return &mcp.CallToolResult{
						IsError: true,
						Content: []mcp.Content{&mcp.TextContent{Text: "ttl must be a positive duration"}},
					}, nil, nil
				}
				ttl = d
			}
			return s.call(ctx, "lock", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().Lock(ctx, caller, in.Resource, ttl)
			})
		})

	type unlockInput struct {
		callerInput
		Resource string `json:"resource"`
	}
	tool(srv, "unlock", "Release a held lease.",
		func(ctx context.Context, req *mcp.CallToolRequest, in unlockInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "unlock", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				if err := s.gate.Engine().Unlock(ctx, caller, in.Resource); err != nil {
					return nil, err
				}
				return map[string]any{"resource": in.Resource, "unlocked": true}, nil
			})
		})

	tool(srv, "get_locks", "List live leases.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "get_locks", in, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().GetLocks(ctx)
			})
		})
}

func (s *Server) registerVoteTools(srv *mcp.Server) {
	type voteCreateInput struct {
		callerInput
		Topic         string   `json:"topic"`
		Options       []string `json:"options"`
		RequiredVotes int      `json:"required_votes,omitempty" jsonschema:"ballots needed to close, 0 means all active agents"`
	}
	tool(srv, "vote_create", "Open a vote among the room's agents.",
		func(ctx context.Context, req *mcp.CallToolRequest, in voteCreateInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "vote_create", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().VoteCreate(ctx, caller, in.Topic, in.Options, in.RequiredVotes)
			})
		})

	type voteCastInput struct {
		callerInput
		VoteID string `json:"vote_id"`
		Option string `json:"option"`
	}
	tool(srv, "vote_cast", "Cast or change a ballot on an open vote.",
		func(ctx context.Context, req *mcp.CallToolRequest, in voteCastInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "vote_cast", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().VoteCast(ctx, caller, in.VoteID, in.Option)
			})
		})

	tool(srv, "votes_status", "List votes and their tallies.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "votes_status", in, func(ctx context.Context, _ string) (any, error) {
				return s.gate.Engine().VotesStatus(ctx)
			})
		})
}

func (s *Server) registerPortalTools(srv *mcp.Server) {
	type portalOpenInput struct {
		callerInput
		Peer string `json:"peer"`
	}
	tool(srv, "portal_open", "Open a direct channel to another agent.",
		func(ctx context.Context, req *mcp.CallToolRequest, in portalOpenInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "portal_open", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().PortalOpen(ctx, caller, in.Peer)
			})
		})

	type portalSendInput struct {
		callerInput
		Content string `json:"content"`
		Timeout string `json:"timeout,omitempty" jsonschema:"how long to wait for the peer's reply, default 30s"`
	}
	tool(srv, "portal_send", "Send through the portal and wait for the peer's reply.",
		func(ctx context.Context, req *mcp.CallToolRequest, in portalSendInput) (*mcp.CallToolResult, any, error) {
			timeout := 30 * time.Second
			if in.Timeout != "" {
				d, err := time.ParseDuration(in.Timeout)
				if err != nil || d <= 0 {
					return &mcp.CallToolResult{
						IsError: true,
						Content: []mcp.Content{&mcp.TextContent{Text: "timeout must be a positive duration"}},
					}, nil, nil
				}
				timeout = d
			}
			return s.call(ctx, "portal_send", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().PortalSend(ctx, caller, in.Content, timeout)
			})
		})

	tool(srv, "portal_close", "Close the portal from either endpoint.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "portal_close", in, func(ctx context.Context, caller string) (any, error) {
				if err := s.gate.Engine().PortalClose(ctx, caller); err != nil {
					return nil, err
				}
				return map[string]any{"closed": true}, nil
			})
		})

	tool(srv, "portal_status", "Show the portal an agent participates in.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "portal_status", in, func(ctx context.Context, caller string) (any, error) {
				return s.gate.Engine().PortalStatus(ctx, caller)
			})
		})
}

func (s *Server) registerStreamTools(srv *mcp.Server) {
	type subscribeInput struct {
		callerInput
		AgentFilter string   `json:"agent_filter,omitempty" jsonschema:"only events from this agent, * for all"`
		EventTypes  []string `json:"event_types,omitempty"`
	}
	tool(srv, "subscribe", "Subscribe to room events. Poll with poll_events.",
		func(ctx context.Context, req *mcp.CallToolRequest, in subscribeInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "subscribe", in.callerInput, func(ctx context.Context, _ string) (any, error) {
				sub := s.fabric.Subscribe(in.AgentFilter, in.EventTypes)
				return map[string]any{"subscription_id": sub.ID}, nil
			})
		})

	type subscriptionInput struct {
		callerInput
		SubscriptionID string `json:"subscription_id"`
	}
	tool(srv, "unsubscribe", "Drop a subscription.",
		func(ctx context.Context, req *mcp.CallToolRequest, in subscriptionInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "unsubscribe", in.callerInput, func(ctx context.Context, _ string) (any, error) {
				if !s.fabric.Unsubscribe(in.SubscriptionID) {
					return nil, stream.ErrSubscriptionNotFound
				}
				return map[string]any{"unsubscribed": in.SubscriptionID}, nil
			})
		})

	type pollInput struct {
		callerInput
		SubscriptionID string `json:"subscription_id"`
		Keep           bool   `json:"keep,omitempty" jsonschema:"keep events buffered instead of clearing"`
	}
	tool(srv, "poll_events", "Drain buffered events from a subscription.",
		func(ctx context.Context, req *mcp.CallToolRequest, in pollInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "poll_events", in.callerInput, func(ctx context.Context, _ string) (any, error) {
				events, err := s.fabric.Poll(in.SubscriptionID, !in.Keep)
				if err != nil {
					return nil, err
				}
				return map[string]any{"events": events}, nil
			})
		})
}

func (s *Server) registerAuthTools(srv *mcp.Server) {
	tool(srv, "auth_enable", "Turn on token auth. Returns the room secret exactly once.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "auth_enable", in, func(ctx context.Context, _ string) (any, error) {
				secret, err := s.gate.Auth().Enable(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]any{"secret": secret}, nil
			})
		})

	type createTokenInput struct {
		callerInput
		Secret   string `json:"secret"`
		ForAgent string `json:"for_agent"`
		Role     string `json:"role" jsonschema:"admin, worker, or observer"`
	}
	tool(srv, "auth_create_token", "Mint an agent token under a role. Requires the room secret.",
		func(ctx context.Context, req *mcp.CallToolRequest, in createTokenInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "auth_create_token", in.callerInput, func(ctx context.Context, _ string) (any, error) {
				token, err := s.gate.Auth().CreateToken(ctx, in.Secret, in.ForAgent, gate.Role(in.Role))
				if err != nil {
					return nil, err
				}
				return map[string]any{"token": token, "agent": in.ForAgent, "role": in.Role}, nil
			})
		})
}

func (s *Server) registerWalphTools(srv *mcp.Server) {
	type walphStartInput struct {
		callerInput
		Preset        string `json:"preset,omitempty"`
		MaxIterations int    `json:"max_iterations,omitempty" jsonschema:"0 means unbounded"`
	}
	tool(srv, "walph_start", "Start the agent's autonomous claim-execute-complete loop.",
		func(ctx context.Context, req *mcp.CallToolRequest, in walphStartInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "walph_start", in.callerInput, func(ctx context.Context, caller string) (any, error) {
				if err := s.walph.Start(context.WithoutCancel(ctx), caller, in.Preset, in.MaxIterations); err != nil {
					return nil, err
				}
				return s.walph.StatusOf(caller)
			})
		})

	walphSignal := func(name string, apply func(agent string) error) {
		tool(srv, name, "Control the agent's loop.",
			func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
				return s.call(ctx, name, in, func(ctx context.Context, caller string) (any, error) {
					if err := apply(caller); err != nil {
						return nil, err
					}
					return s.walph.StatusOf(caller)
				})
			})
	}
	walphSignal("walph_stop", s.walph.Stop)
	walphSignal("walph_pause", s.walph.Pause)
	walphSignal("walph_resume", s.walph.Resume)

	tool(srv, "walph_status", "Report the loop state for every agent.",
		func(ctx context.Context, req *mcp.CallToolRequest, in callerInput) (*mcp.CallToolResult, any, error) {
			return s.call(ctx, "walph_status", in, func(ctx context.Context, _ string) (any, error) {
				return map[string]any{"loops": s.walph.SwarmStatus()}, nil
			})
		})
}
