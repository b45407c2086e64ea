// Package mcptools exposes the server controls as MCP tools.
package mcptools

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/reedfamily/mcctl/internal/control"
)

var errEmptyCommand = errors.New("command is required")

// Actions is implemented by *control.Controller.
type Actions interface {
	Start(ctx context.Context) (control.StartReply, error)
	Stop(ctx context.Context, grace time.Duration) (control.StopReply, error)
	Restart(ctx context.Context, grace time.Duration) (control.StopReply, error)
	Info(ctx context.Context) control.InfoReply
	Players(ctx context.Context) (control.PlayersReply, error)
	Join() control.JoinReply
	Exec(ctx context.Context, command string) (control.ExecReply, error)
}

type NoArgs struct{}

type StopArgs struct {
	GraceSeconds int `json:"grace_seconds,omitempty" jsonschema:"seconds to wait for a clean shutdown before force killing (default MC_SERVER_STOP_TIMEOUT)"`
}

type ExecArgs struct {
	Command string `json:"command" jsonschema:"the console command to run without the leading slash (e.g. list, say hello, whitelist add Steve)"`
}

func NewServer(version string) *mcp.Server {
	return mcp.NewServer(&mcp.Implementation{
		Name:    "mcctl",
		Version: version,
	}, nil)
}

// Register adds the mc_* tools to server.
func Register(server *mcp.Server, a Actions) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "mc_start",
		Description: "Start the Minecraft server if it is not already running.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
		reply, err := a.Start(ctx)
		return result(reply.Message, err), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "mc_stop",
		Description: "Stop the Minecraft server: sends the in-game stop command, waits, then force kills if it has not exited.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args StopArgs) (*mcp.CallToolResult, any, error) {
		reply, err := a.Stop(ctx, time.Duration(args.GraceSeconds)*time.Second)
		return result(reply.Message, err), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "mc_restart",
		Description: "Stop the Minecraft server if it is running and start it again.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args StopArgs) (*mcp.CallToolResult, any, error) {
		reply, err := a.Restart(ctx, time.Duration(args.GraceSeconds)*time.Second)
		return result(reply.Message, err), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "mc_info",
		Description: "Report whether the server answers, with its address, version, ping and player count.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
		return result(a.Info(ctx).Message, nil), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "mc_players",
		Description: "List the players currently online. Requires enable-query=true in server.properties.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
		reply, err := a.Players(ctx)
		return result(reply.Message, err), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "mc_join",
		Description: "Get the address players use to join the server.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ NoArgs) (*mcp.CallToolResult, any, error) {
		return result(a.Join().Message, nil), nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "mc_exec",
		Description: "Run a console command on the server over RCON and return its response.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ExecArgs) (*mcp.CallToolResult, any, error) {
		if args.Command == "" {
			return result("command is required", errEmptyCommand), nil, nil
		}
		reply, err := a.Exec(ctx, args.Command)
		msg := reply.Message
		if err == nil && msg == "" {
			msg = "Command sent, no response"
		}
		return result(msg, err), nil, nil
	})
}

// result reports action failures as tool errors so the model sees the
// message instead of a protocol error.
func result(msg string, err error) *mcp.CallToolResult {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &mcp.CallToolResult{
		IsError: err != nil,
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
	}
}
