// Package main is the entry point for the Codus judge server.
//
// The Codus server runs untrusted solutions against problem test cases in
// isolated, resource-limited sandboxes and reports a per-test verdict. It can
// be driven over the Model Context Protocol (stdio or streamable HTTP) or a
// plain REST API, selected by server.transport.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
