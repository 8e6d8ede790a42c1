package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codus/config"
	"github.com/isdmx/codus/judge"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Runner is the part of the orchestrator the tools drive.
type Runner interface {
	Submit(ctx context.Context, req judge.SubmitRequest) (*judge.ExecutionResult, error)
	Enqueue(req judge.SubmitRequest) (*judge.JobView, error)
	Lookup(ctx context.Context, id string) (*judge.JobView, error)
	List(ctx context.Context, limit int) ([]judge.JobView, error)
	Cancel(id string) error
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	runner     Runner
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner Runner) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		runner: runner,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.Int("sandbox.max_timeout_sec", s.config.Sandbox.MaxTimeoutSec),
		zap.Int("sandbox.memory_mb", s.config.Sandbox.MemoryMB),
		zap.Int("sandbox.max_concurrent", s.config.Sandbox.MaxConcurrent),
		zap.Bool("sandbox.network_enabled", s.config.Sandbox.NetworkEnabled),
		zap.Bool("sandbox.enable_local_backend", s.config.Sandbox.EnableLocalBackend),
		zap.String("storage.db_path", s.config.Storage.DBPath),
		zap.Strings("languages", s.languages()),
	)

	s.mcpServer = server.NewMCPServer("codus-judge", "Runs solutions against test cases in sandboxes")

	s.registerRunTestsTool()
	s.registerGetJobTool()
	s.registerCancelJobTool()
	s.registerListJobsTool()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) languages() []string {
	names := make([]string, 0, len(s.config.Languages))
	for name := range s.config.Languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MCPServer) registerRunTestsTool() {
	tool := mcp.NewTool("run_tests",
		mcp.WithDescription("Compile and run a solution against a problem's test cases in a sandbox"),
		mcp.WithString("problem",
			mcp.Required(),
			mcp.Description(`Problem JSON: {"parameterTypes":[...],"resultType":"...","testCases":[{"parameters":[...],"result":...}],"limits":{"timeoutSec":n,"memoryMB":n}}`),
		),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("Source code of the solution"),
		),
		mcp.WithString("language",
			mcp.Description("Runtime language"),
			mcp.Enum(s.languages()...),
		),
		mcp.WithBoolean("async",
			mcp.Description("Return the pending job immediately instead of waiting; follow it with get_job"),
			mcp.DefaultBool(false),
		),
	)

	s.mcpServer.AddTool(tool, s.handleRunTests)
}

func (s *MCPServer) registerGetJobTool() {
	tool := mcp.NewTool("get_job",
		mcp.WithDescription("Get the status and result of a job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID returned by run_tests")),
	)

	s.mcpServer.AddTool(tool, s.handleGetJob)
}

func (s *MCPServer) registerCancelJobTool() {
	tool := mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a pending or running job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("Job ID to cancel")),
	)

	s.mcpServer.AddTool(tool, s.handleCancelJob)
}

func (s *MCPServer) registerListJobsTool() {
	tool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List recent jobs, newest first, including those still running"),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of jobs to return"),
			mcp.DefaultNumber(defaultListLimit),
			mcp.Min(1),
			mcp.Max(maxListLimit),
		),
	)

	s.mcpServer.AddTool(tool, s.handleListJobs)
}

// handleRunTests handles the run_tests tool
func (s *MCPServer) handleRunTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	problemJSON, err := request.RequireString("problem")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source, err := request.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	language := request.GetString("language", "")

	var problem judge.ProblemSpec
	if err := json.Unmarshal([]byte(problemJSON), &problem); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid problem JSON: %v", err)), nil
	}

	async := request.GetBool("async", false)

	s.logger.Info("test run requested",
		zap.String("language", language),
		zap.Int("test_cases", len(problem.TestCases)),
		zap.Int("source_len", len(source)),
		zap.Bool("async", async))

	req := judge.SubmitRequest{Language: language, Problem: problem, Source: source}
	if async {
		view, err := s.runner.Enqueue(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Submission rejected: %v", err)), nil
		}
		body, err := json.Marshal(view)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job: %w", err)
		}
		return mcp.NewToolResultText(string(body)), nil
	}

	res, err := s.runner.Submit(ctx, req)
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("Submission rejected: %v", err)), nil
	}

	body, marshalErr := json.Marshal(res)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", marshalErr)
	}

	if err != nil {
		s.logger.Error("test run failed",
			zap.String("job_id", res.JobID),
			zap.String("error_kind", string(res.ErrorKind)),
			zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(body))},
			IsError: true,
		}, nil
	}

	s.logger.Info("test run completed",
		zap.String("job_id", res.JobID),
		zap.String("status", string(res.Status)),
		zap.Int("tests", len(res.Tests)))
	return mcp.NewToolResultText(string(body)), nil
}

// handleGetJob handles the get_job tool
func (s *MCPServer) handleGetJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	view, err := s.runner.Lookup(ctx, id)
	if err != nil {
		if errors.Is(err, judge.ErrJobNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("job %s not found", id)), nil
		}
		return nil, err
	}

	body, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

// handleCancelJob handles the cancel_job tool
func (s *MCPServer) handleCancelJob(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.runner.Cancel(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot cancel job %s: %v", id, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("job %s cancelled", id)), nil
}

// handleListJobs handles the list_jobs tool
func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		return mcp.NewToolResultError(fmt.Sprintf("limit must be between 1 and %d, got %d", maxListLimit, limit)), nil
	}

	views, err := s.runner.List(ctx, limit)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(views)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jobs: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
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

	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
