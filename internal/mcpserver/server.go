// Package mcpserver exposes the registry as MCP tools: attach,
// record_status, pause and clear.
package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/registry"
)

var mcpLog = logging.ForComponent(logging.CompMCP)

const ServerName = "mom"

// stdioCaller stands in for the caller identity on transports without
// session ids.
const stdioCaller = "stdio"

// Server wires registry operations to MCP tools.
type Server struct {
	reg *registry.Registry
	srv *mcp.Server
}

// New builds the MCP server and registers its tools.
func New(reg *registry.Registry, version string) *Server {
	s := &Server{
		reg: reg,
		srv: mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil),
	}
	s.registerTools()
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.srv }

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

// RunStdio serves one client over stdin/stdout until ctx ends or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.srv, &mcp.Tool{
		Name: "attach",
		Description: "Get support from mom in achieving a long running task. " +
			"pane_id is `tmux display-message -p '#{pane_id}'`. " +
			"goal is the high level success criteria and goal statement. " +
			"wait_cmd is an optional bash command used to wait for feedback from the world. " +
			"Calling attach again for the same session replaces the goal.",
	}, s.handleAttach)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "record_status",
		Description: "Let mom know the progress towards the original goal. Mom then waits, checks the world and decides what you should do next.",
	}, s.handleRecordStatus)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "pause",
		Description: "Ask mom for an immediate decision on the next step and pause automatic nudging until the next status report.",
	}, s.handlePause)

	mcp.AddTool(s.srv, &mcp.Tool{
		Name:        "clear",
		Description: "Stop supervising the session and forget its state.",
	}, s.handleClear)
}

// callerID identifies the MCP client session making the call.
func callerID(req *mcp.CallToolRequest) string {
	if req != nil && req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return id
		}
	}
	return stdioCaller
}

type AttachInput struct {
	SessionKey string `json:"session_key,omitempty" jsonschema:"session to attach; defaults to the calling client"`
	PaneID     string `json:"pane_id" jsonschema:"tmux pane id of the agent, e.g. %7"`
	Goal       string `json:"goal" jsonschema:"high level success criteria and goal statement"`
	WaitCmd    string `json:"wait_cmd,omitempty" jsonschema:"bash command run before each decision to gather evidence"`
}

type ResultOutput struct {
	SessionKey string `json:"session_key"`
	Result     string `json:"result"`
}

func (s *Server) handleAttach(ctx context.Context, req *mcp.CallToolRequest, in AttachInput) (*mcp.CallToolResult, ResultOutput, error) {
	caller := callerID(req)
	key := in.SessionKey
	if key == "" {
		key = caller
	}
	res, err := s.reg.Attach(key, in.PaneID, in.Goal, in.WaitCmd)
	if err != nil {
		mcpLog.Warn("attach_failed", slog.String("session", key), slog.String("error", err.Error()))
		return nil, ResultOutput{}, err
	}
	s.reg.Remember(caller, key)
	return textResult(res), ResultOutput{SessionKey: key, Result: res}, nil
}

type RecordStatusInput struct {
	SessionKey string `json:"session_key,omitempty" jsonschema:"session to report on; defaults to the caller's last session"`
	Status     string `json:"status" jsonschema:"progress report towards the goal"`
	WaitCmd    string `json:"wait_cmd,omitempty" jsonschema:"bash command to wait on for this cycle only"`
}

func (s *Server) handleRecordStatus(ctx context.Context, req *mcp.CallToolRequest, in RecordStatusInput) (*mcp.CallToolResult, ResultOutput, error) {
	caller := callerID(req)
	key, err := s.reg.Resolve(caller, in.SessionKey)
	if err != nil {
		return nil, ResultOutput{}, err
	}
	res, err := s.reg.RecordStatus(key, in.Status, in.WaitCmd)
	if err != nil {
		return nil, ResultOutput{}, err
	}
	s.reg.Remember(caller, key)
	return textResult(res), ResultOutput{SessionKey: key, Result: res}, nil
}

type SessionInput struct {
	SessionKey string `json:"session_key,omitempty" jsonschema:"session to address; defaults to the caller's last session"`
}

type DecisionOutput struct {
	SessionKey string `json:"session_key"`
	Proceed    bool   `json:"proceed"`
	Command    string `json:"command"`
}

func (s *Server) handlePause(ctx context.Context, req *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, DecisionOutput, error) {
	caller := callerID(req)
	key, err := s.reg.Resolve(caller, in.SessionKey)
	if err != nil {
		return nil, DecisionOutput{}, err
	}
	dec, err := s.reg.Pause(ctx, key)
	if err != nil {
		mcpLog.Warn("pause_failed", slog.String("session", key), slog.String("error", err.Error()))
		return nil, DecisionOutput{}, err
	}
	s.reg.Remember(caller, key)
	text := "stop"
	if dec.Proceed {
		text = "continue: " + dec.Command
	}
	return textResult(text), DecisionOutput{SessionKey: key, Proceed: dec.Proceed, Command: dec.Command}, nil
}

func (s *Server) handleClear(ctx context.Context, req *mcp.CallToolRequest, in SessionInput) (*mcp.CallToolResult, ResultOutput, error) {
	key, err := s.reg.ResolveOwn(callerID(req), in.SessionKey)
	if errors.Is(err, registry.ErrNotFound) {
		return textResult(registry.ResultNoop), ResultOutput{Result: registry.ResultNoop}, nil
	}
	if err != nil {
		return nil, ResultOutput{}, err
	}
	res := s.reg.Clear(key)
	return textResult(res), ResultOutput{SessionKey: key, Result: res}, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
