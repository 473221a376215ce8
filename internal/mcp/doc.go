// Package mcp bridges external MCP (Model Context Protocol) servers
// onto the TARS bus. A Client speaks JSON-RPC 2.0 to one server over
// a Transport (stdio subprocess or streamable HTTP), discovers its
// tools with tools/list, and invokes them with tools/call. The Bridge
// publishes the discovered tool set as the retained llm/tools/registry
// snapshot and answers llm/tool.call.request with llm/tool.call.result,
// so tool calls travel over MQTT where the router can correlate them
// like any other turn event.
//
// Client/host side only; TARS never acts as an MCP server.
package mcp
