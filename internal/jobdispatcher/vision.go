package jobdispatcher

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/reelnotes/sessioncore/internal/config"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/pkg/types"
)

// visionToolName is the single MCP tool refine_with_vision calls on the
// configured server.
const visionToolName = "refine_with_vision"

// mcpInitTimeout and mcpCallTimeout bound, respectively, the one-time
// connection handshake and each individual tool call.
const (
	mcpInitTimeout = 10 * time.Second
	mcpCallTimeout = 20 * time.Second
)

// VisionClient owns a single lazily-connected MCP session to the server
// configured for the refine_with_vision job, grounded on
// other_examples/tarsy's pkg/mcp.Client session-management idiom but scoped
// to exactly one server rather than a registry of many.
type VisionClient struct {
	cfg config.MCPServerConfig

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// NewVisionClient constructs a client for cfg. The connection is
// established lazily on first CallTool.
func NewVisionClient(cfg config.MCPServerConfig) *VisionClient {
	return &VisionClient{cfg: cfg}
}

func (v *VisionClient) connectLocked(ctx context.Context) (*mcpsdk.ClientSession, error) {
	if v.session != nil {
		return v.session, nil
	}

	transport, err := v.createTransport()
	if err != nil {
		return nil, fmt.Errorf("jobdispatcher: vision transport: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "reelnotes-sessioncore",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("jobdispatcher: vision connect: %w", err)
	}
	v.session = session
	return session, nil
}

func (v *VisionClient) createTransport() (mcpsdk.Transport, error) {
	switch v.cfg.Transport {
	case "stdio":
		if v.cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		fields := strings.Fields(v.cfg.Command)
		cmd := exec.Command(fields[0], fields[1:]...)
		env := os.Environ()
		for k, val := range v.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, val))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case "sse":
		if v.cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires a url")
		}
		return &mcpsdk.SSEClientTransport{
			Endpoint:   v.cfg.URL,
			HTTPClient: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", v.cfg.Transport)
	}
}

// CallTool invokes refine_with_vision with args and returns the
// concatenated text content of the result, reconnecting once if the
// existing session has gone stale.
func (v *VisionClient) CallTool(ctx context.Context, args map[string]any) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	session, err := v.connectLocked(ctx)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
	defer cancel()

	result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: visionToolName, Arguments: args})
	if err != nil {
		v.session = nil // force reconnect on next call
		return "", fmt.Errorf("jobdispatcher: vision call tool: %w", err)
	}
	if result.IsError {
		return "", fmt.Errorf("jobdispatcher: vision tool reported an error: %s", extractText(result))
	}
	return extractText(result), nil
}

func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// VisionExecutor implements Executor for types.JobRefineWithVision: it calls
// the configured vision MCP tool with the note's transcript and visual
// embedding, then patches the note's visual context with the refined
// result.
type VisionExecutor struct {
	Notes  notestore.Store
	Client *VisionClient
}

// Execute implements Executor.
func (e *VisionExecutor) Execute(ctx context.Context, noteID string, payload map[string]any) error {
	note, err := e.Notes.Get(ctx, noteID)
	if err != nil {
		return fmt.Errorf("jobdispatcher: refine_with_vision: get note: %w", err)
	}

	args := map[string]any{
		"note_text": note.Text,
		"category":  note.Category,
		"timestamp": note.Timestamp,
	}
	for k, v := range payload {
		args[k] = v
	}

	refined, err := e.Client.CallTool(ctx, args)
	if err != nil {
		return err
	}

	visualContext := map[string]any{"refined_description": refined}
	source := types.EnrichmentCloudVision
	_, err = e.Notes.Update(ctx, noteID, notestore.Patch{
		VisualContext:    visualContext,
		EnrichmentSource: &source,
	}, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("jobdispatcher: refine_with_vision: update note: %w", err)
	}
	return nil
}

var _ Executor = (*VisionExecutor)(nil)
