package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/GoatGit/semibot-sub004/internal/logging"
)

// MCPToolCaller executes tool calls against a set of named remote MCP
// servers. Sessions are established lazily on first call to a server and
// reused; a broken session is reconnected on the next call.
type MCPToolCaller struct {
	endpoints map[string]string // server name -> endpoint URL
	client    *sdkmcp.Client

	mu       sync.Mutex
	sessions map[string]*sdkmcp.ClientSession
}

func NewMCPToolCaller(servers map[string]string) *MCPToolCaller {
	endpoints := make(map[string]string, len(servers))
	for name, endpoint := range servers {
		endpoints[name] = endpoint
	}
	return &MCPToolCaller{
		endpoints: endpoints,
		sessions:  make(map[string]*sdkmcp.ClientSession),
		client: sdkmcp.NewClient(&sdkmcp.Implementation{
			Name:    "semibot-control",
			Version: "1.0.0",
		}, nil),
	}
}

// resolve maps a wire server name to a configured server. An empty name is
// accepted only when exactly one server is configured.
func (m *MCPToolCaller) resolve(server string) (string, string, error) {
	if server == "" {
		if len(m.endpoints) != 1 {
			return "", "", fmt.Errorf("tool_call: server name required with %d servers configured", len(m.endpoints))
		}
		for name, endpoint := range m.endpoints {
			return name, endpoint, nil
		}
	}
	endpoint, ok := m.endpoints[server]
	if !ok {
		return "", "", fmt.Errorf("tool_call: unknown mcp server %q", server)
	}
	return server, endpoint, nil
}

func (m *MCPToolCaller) connect(ctx context.Context, name, endpoint string) (*sdkmcp.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[name]; ok {
		return session, nil
	}

	// prefer streamable HTTP, fall back to SSE for older servers
	transports := []sdkmcp.Transport{
		&sdkmcp.StreamableClientTransport{Endpoint: endpoint},
		&sdkmcp.SSEClientTransport{Endpoint: endpoint},
	}
	var lastErr error
	for _, t := range transports {
		session, err := m.client.Connect(ctx, t, nil)
		if err != nil {
			lastErr = err
			continue
		}
		m.sessions[name] = session
		logging.Infof("mcp session established server=%s endpoint=%s", name, endpoint)
		return session, nil
	}
	return nil, fmt.Errorf("connect mcp server %s (%s): %w", name, endpoint, lastErr)
}

// Call invokes one tool on the named server and returns its text content
// as a JSON string value. Tool-reported errors come back as errors, not
// results.
func (m *MCPToolCaller) Call(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	name, endpoint, err := m.resolve(server)
	if err != nil {
		return nil, err
	}
	session, err := m.connect(ctx, name, endpoint)
	if err != nil {
		return nil, err
	}

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		m.drop(name, session)
		return nil, fmt.Errorf("call tool %s on %s: %w", tool, name, err)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*sdkmcp.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s on %s failed: %s", tool, name, text.String())
	}

	out, err := json.Marshal(map[string]string{"output": text.String()})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// drop discards a server's session after a transport-level failure so the
// next call reconnects.
func (m *MCPToolCaller) drop(name string, session *sdkmcp.ClientSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[name] == session {
		_ = session.Close()
		delete(m.sessions, name)
	}
}

// Close shuts all MCP sessions down.
func (m *MCPToolCaller) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, session := range m.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.sessions, name)
	}
	return firstErr
}
