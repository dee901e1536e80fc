// Package mcp exposes a node's replicated memory to agents as MCP tools.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and registers one tool per client operation: memory_store,
// memory_retrieve, memory_forget, memory_clear_context, memory_list,
// memory_search and memory_flush. Values travel as text.
package mcp
