package mcpserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/fuzzpool/config"
	"github.com/isdmx/fuzzpool/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	pool      *sandbox.Pool
	mcpServer *server.MCPServer

	mu        sync.Mutex
	checkouts map[string]*sandbox.Pair
	nextID    int
}

// New creates a new MCPServer serving the given sandbox pool
func New(cfg *config.Config, logger *zap.Logger, pool *sandbox.Pool) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		pool:      pool,
		checkouts: map[string]*sandbox.Pair{},
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("pool.capacity", cfg.Pool.Capacity),
		zap.Int("pool.total_cores", cfg.Pool.TotalCores),
		zap.String("sandbox.runtime", cfg.Sandbox.Runtime),
		zap.String("sandbox.oss_fuzz_dir", cfg.Sandbox.OSSFuzzDir),
		zap.String("sandbox.engine", cfg.Sandbox.Engine),
		zap.Bool("sandbox.use_build_cache", cfg.Sandbox.UseBuildCache),
		zap.String("benchmark.project", cfg.Benchmark.Project),
		zap.String("benchmark.target_name", cfg.Benchmark.TargetName),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("fuzzpool", "A warm sandbox pool for fuzzing pipelines")

	s.registerTools()

	return s, nil
}

// registerTools registers every pool and sandbox operation as a tool
func (s *MCPServer) registerTools() {
	pairID := map[string]any{
		"type":        "string",
		"description": "Handle of a checked-out sandbox pair",
	}
	sanitizer := map[string]any{
		"type":        "string",
		"description": "Which sandbox of the pair to target",
		"enum":        []string{sandbox.SanitizerAddress, sandbox.SanitizerCoverage},
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "checkout_sandbox_pair",
		Description: "Check a warm sandbox pair (address + coverage) out of the pool; blocks until one is free",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleCheckout)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "release_sandbox_pair",
		Description: "Return a checked-out sandbox pair to the pool",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"pair_id": pairID,
			},
			Required: []string{"pair_id"},
		},
	}, s.handleRelease)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "compile_fuzz_target",
		Description: "Compile the fuzz target inside one sandbox of a checked-out pair",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"pair_id":    pairID,
				"sanitizer":  sanitizer,
				"extra_args": map[string]any{"type": "string", "description": "Extra arguments for the compile entry point (optional)"},
				"log_path":   map[string]any{"type": "string", "description": "Host file receiving the raw build stderr (optional)"},
			},
			Required: []string{"pair_id", "sanitizer"},
		},
	}, s.handleCompile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "run_fuzzer",
		Description: "Run the fuzzing driver against the address sandbox's target for a bounded time",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"pair_id":     pairID,
				"timeout_sec": map[string]any{"type": "integer", "description": "Total fuzzing time budget in seconds"},
				"log_path":    map[string]any{"type": "string", "description": "Host file receiving the combined driver output"},
				"corpus_dir":  map[string]any{"type": "string", "description": "Host corpus directory"},
			},
			Required: []string{"pair_id", "timeout_sec", "log_path", "corpus_dir"},
		},
	}, s.handleFuzz)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "collect_coverage",
		Description: "Collect coverage for the corpus using the coverage sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"pair_id":    pairID,
				"corpus_dir": map[string]any{"type": "string", "description": "Host corpus directory"},
			},
			Required: []string{"pair_id", "corpus_dir"},
		},
	}, s.handleCoverage)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "rewrite_fuzz_driver",
		Description: "Replace the fuzz driver's content in both sandboxes of a pair",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"pair_id": pairID,
				"content": map[string]any{"type": "string", "description": "Full new driver source"},
			},
			Required: []string{"pair_id", "content"},
		},
	}, s.handleRewriteDriver)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "rewrite_build_script",
		Description: "Replace the build script's content in both sandboxes of a pair; the human-authored original stays backed up",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"pair_id": pairID,
				"content": map[string]any{"type": "string", "description": "Full new build script content"},
			},
			Required: []string{"pair_id", "content"},
		},
	}, s.handleRewriteBuildScript)
}

// handleCheckout blocks until a pair is free and hands out a handle
func (s *MCPServer) handleCheckout(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pair := s.pool.Acquire()

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("pair-%d", s.nextID)
	s.checkouts[id] = pair
	s.mu.Unlock()

	s.logger.Info("sandbox pair checked out",
		zap.String("pair_id", id),
		zap.String("address_container", pair.Address.ContainerID()),
		zap.String("coverage_container", pair.Coverage.ContainerID()))

	return textResult(fmt.Sprintf(`{"pair_id":%q,"address_container":%q,"coverage_container":%q}`,
		id, pair.Address.ContainerID(), pair.Coverage.ContainerID())), nil
}

// handleRelease returns a pair to the pool
func (s *MCPServer) handleRelease(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("pair_id")
	if err != nil {
		return nil, fmt.Errorf("pair_id parameter is required: %w", err)
	}

	s.mu.Lock()
	pair, exists := s.checkouts[id]
	if exists {
		delete(s.checkouts, id)
	}
	s.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("unknown pair_id: %s", id)
	}

	s.pool.Release(pair)
	s.logger.Info("sandbox pair released", zap.String("pair_id", id))
	return textResult(`{"released":true}`), nil
}

func (s *MCPServer) handleCompile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	box, err := s.sandboxFor(request)
	if err != nil {
		return nil, err
	}

	extraArgs := request.GetString("extra_args", "")
	logPath := request.GetString("log_path", "")

	res := box.Compile(ctx, extraArgs, logPath)
	s.logger.Info("fuzz target compiled",
		zap.String("sanitizer", box.Sanitizer()),
		zap.Int("exit_code", res.ExitCode))
	return resultJSON(res), nil
}

func (s *MCPServer) handleFuzz(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pair, err := s.pairFor(request)
	if err != nil {
		return nil, err
	}

	timeoutSec, err := request.RequireInt("timeout_sec")
	if err != nil {
		return nil, fmt.Errorf("timeout_sec parameter is required: %w", err)
	}
	logPath, err := request.RequireString("log_path")
	if err != nil {
		return nil, fmt.Errorf("log_path parameter is required: %w", err)
	}
	corpusDir, err := request.RequireString("corpus_dir")
	if err != nil {
		return nil, fmt.Errorf("corpus_dir parameter is required: %w", err)
	}

	res := pair.Address.Fuzz(ctx, time.Duration(timeoutSec)*time.Second, logPath, corpusDir)
	s.logger.Info("fuzzing run finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut))
	return resultJSON(res), nil
}

func (s *MCPServer) handleCoverage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pair, err := s.pairFor(request)
	if err != nil {
		return nil, err
	}

	corpusDir, err := request.RequireString("corpus_dir")
	if err != nil {
		return nil, fmt.Errorf("corpus_dir parameter is required: %w", err)
	}

	res := pair.Coverage.GetCoverage(ctx, corpusDir, s.config.Benchmark.TargetName)
	return resultJSON(res), nil
}

func (s *MCPServer) handleRewriteDriver(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.rewriteBoth(request, func(box *sandbox.Sandbox, content string) sandbox.Result {
		return box.RewriteDriver(ctx, content)
	})
}

func (s *MCPServer) handleRewriteBuildScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.rewriteBoth(request, func(box *sandbox.Sandbox, content string) sandbox.Result {
		return box.RewriteBuildScript(ctx, content)
	})
}

// rewriteBoth applies a rewrite to both sandboxes of a pair; the first
// failure wins
func (s *MCPServer) rewriteBoth(request mcp.CallToolRequest, rewrite func(*sandbox.Sandbox, string) sandbox.Result) (*mcp.CallToolResult, error) {
	pair, err := s.pairFor(request)
	if err != nil {
		return nil, err
	}

	content, err := request.RequireString("content")
	if err != nil {
		return nil, fmt.Errorf("content parameter is required: %w", err)
	}

	for _, box := range []*sandbox.Sandbox{pair.Address, pair.Coverage} {
		if res := rewrite(box, content); res.ExitCode != 0 {
			return resultJSON(res), nil
		}
	}
	return textResult(`{"rewritten":true}`), nil
}

// pairFor resolves the checked-out pair a request refers to
func (s *MCPServer) pairFor(request mcp.CallToolRequest) (*sandbox.Pair, error) {
	id, err := request.RequireString("pair_id")
	if err != nil {
		return nil, fmt.Errorf("pair_id parameter is required: %w", err)
	}

	s.mu.Lock()
	pair, exists := s.checkouts[id]
	s.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("unknown pair_id: %s", id)
	}
	return pair, nil
}

// sandboxFor resolves the single sandbox a request targets by sanitizer
func (s *MCPServer) sandboxFor(request mcp.CallToolRequest) (*sandbox.Sandbox, error) {
	pair, err := s.pairFor(request)
	if err != nil {
		return nil, err
	}

	sanitizer, err := request.RequireString("sanitizer")
	if err != nil {
		return nil, fmt.Errorf("sanitizer parameter is required: %w", err)
	}

	switch sanitizer {
	case sandbox.SanitizerAddress:
		return pair.Address, nil
	case sandbox.SanitizerCoverage:
		return pair.Coverage, nil
	default:
		return nil, fmt.Errorf("invalid sanitizer: %s, must be %q or %q",
			sanitizer, sandbox.SanitizerAddress, sandbox.SanitizerCoverage)
	}
}

// resultJSON renders a command result for the agent. Only the Summary
// ever reaches the consumer; the literal command stays in the logs.
func resultJSON(res sandbox.Result) *mcp.CallToolResult {
	return textResult(fmt.Sprintf(`{"command":%q,"stdout":%q,"stderr":%q,"exit_code":%d,"timed_out":%t}`,
		res.Summary, res.Stdout, res.Stderr, res.ExitCode, res.TimedOut))
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
