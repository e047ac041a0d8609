// Package collab connects the transport to the business services a VM can
// call: skill fetch, memory search, MCP tool calls, and the usage/audit
// sink. Each is consumed through a narrow interface so the transport never
// depends on service internals.
package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/GoatGit/semibot-sub004/internal/hub"
)

type SkillFetcher interface {
	Fetch(ctx context.Context, userID, skillID, version string) (json.RawMessage, error)
}

type MemorySearcher interface {
	Search(ctx context.Context, userID, query string, limit int) (json.RawMessage, error)
}

// ToolCaller executes one tool on one named MCP server. Tool calls are
// keyed by (server, tool): the same tool name may exist on several servers.
type ToolCaller interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error)
}

// Register binds the VM-callable wire methods to their collaborators. Nil
// collaborators leave their method unregistered, which surfaces to the VM
// as method_not_found.
func Register(r *hub.Router, skills SkillFetcher, memory MemorySearcher, tools ToolCaller, usage *UsageQueue) {
	if skills != nil {
		r.Handle("skill_fetch", skillFetchHandler(skills))
	}
	if memory != nil {
		r.Handle("memory_search", memorySearchHandler(memory))
	}
	if tools != nil {
		r.Handle("tool_call", toolCallHandler(tools))
	}
	if usage != nil {
		r.Handle("usage_report", usageReportHandler(usage))
	}
}

func skillFetchHandler(skills SkillFetcher) hub.HandlerFunc {
	return func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			SkillID string `json:"skill_id"`
			Version string `json:"version"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.SkillID == "" {
			return nil, fmt.Errorf("skill_fetch: missing skill_id")
		}
		return skills.Fetch(ctx, userID, p.SkillID, p.Version)
	}
}

func memorySearchHandler(memory MemorySearcher) hub.HandlerFunc {
	return func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Query == "" {
			return nil, fmt.Errorf("memory_search: missing query")
		}
		if p.Limit <= 0 {
			p.Limit = 10
		}
		return memory.Search(ctx, userID, p.Query, p.Limit)
	}
}

func toolCallHandler(tools ToolCaller) hub.HandlerFunc {
	return func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Server    string         `json:"server"`
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
			return nil, fmt.Errorf("tool_call: missing name")
		}
		return tools.Call(ctx, p.Server, p.Name, p.Arguments)
	}
}

func usageReportHandler(usage *UsageQueue) hub.HandlerFunc {
	return func(ctx context.Context, userID, sessionID string, params json.RawMessage) (json.RawMessage, error) {
		usage.Enqueue(UsageRecord{UserID: userID, SessionID: sessionID, Payload: params})
		return nil, nil
	}
}
