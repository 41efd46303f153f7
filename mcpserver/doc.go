// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package exposes the sandbox pool to an LLM-driven
// fuzzing agent as MCP tools: checking a sandbox pair out and back in,
// compiling the fuzz target, running the fuzzer, collecting coverage
// and rewriting the fuzz driver or build script inside the containers.
// It uses the mark3labs/mcp-go library to handle the protocol details.
package mcpserver
