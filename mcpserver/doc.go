// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the judge over MCP using the mark3labs/mcp-go
// library. It registers three tools:
//
//   - run_tests runs a solution against a problem's test cases and returns
//     the execution result as JSON
//   - get_job returns the live or archived state of a job
//   - cancel_job stops a pending or running job
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orchestrator)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
