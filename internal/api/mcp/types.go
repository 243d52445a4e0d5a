// Package mcp implements the Model Context Protocol (MCP) server for recall.
// It exposes the engine's operations as JSON-RPC 2.0 tools.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/scrypster/recall/pkg/types"
)

// StoreArgs contains arguments for the recall_store tool.
type StoreArgs struct {
	Content   string         `json:"content"`              // Memory content (required)
	Kind      types.Kind     `json:"kind,omitempty"`       // conversation, summary, insight or reflection
	Category  types.Category `json:"category,omitempty"`   // One of the fixed categories (default: general)
	Tags      []string       `json:"tags,omitempty"`       // User-defined tags
	Source    string         `json:"source,omitempty"`     // Where the memory came from
	Project   string         `json:"project,omitempty"`    // Project the memory belongs to
	SessionID string         `json:"session_id,omitempty"` // Session override; uses the server session if empty
}

// UnmarshalJSON handles the case where some MCP clients send array fields
// like "tags" as a JSON-encoded string ("[\"a\",\"b\"]") rather than a
// proper JSON array. Both forms are accepted, as is a comma-separated list.
func (a *StoreArgs) UnmarshalJSON(data []byte) error {
	type Alias StoreArgs
	aux := &struct {
		Tags json.RawMessage `json:"tags,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.Tags = parseList(aux.Tags)
	return nil
}

// SearchArgs contains arguments for the recall_search tool.
type SearchArgs struct {
	Query    string         `json:"query"`
	Tiers    []string       `json:"tiers,omitempty"`
	Category types.Category `json:"category,omitempty"`
	Context  []string       `json:"context,omitempty"`
	Limit    int            `json:"limit,omitempty"`
	NoCache  bool           `json:"no_cache,omitempty"`
}

// UnmarshalJSON accepts tiers and context in the same loose forms as tags.
func (a *SearchArgs) UnmarshalJSON(data []byte) error {
	type Alias SearchArgs
	aux := &struct {
		Tiers   json.RawMessage `json:"tiers,omitempty"`
		Context json.RawMessage `json:"context,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	a.Tiers = parseList(aux.Tiers)
	a.Context = parseList(aux.Context)
	return nil
}

// GetArgs contains arguments for the recall_get tool.
type GetArgs struct {
	ID string `json:"id"`
}

// EvolveArgs contains arguments for the recall_evolve_category tool.
type EvolveArgs struct {
	Category types.Category `json:"category"`
}

// InteractionArgs contains arguments for the recall_record_interaction tool.
type InteractionArgs struct {
	UserID    string   `json:"user_id"`
	ItemID    string   `json:"item_id"`
	Success   bool     `json:"success"`
	Rating    *float64 `json:"rating,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// InteractionResult is returned by recall_record_interaction.
type InteractionResult struct {
	Recorded bool   `json:"recorded"`
	ItemID   string `json:"item_id"`
}

// RecommendArgs contains arguments for the recall_recommend tool. With no
// user given and no default user, the popularity fallback is returned.
type RecommendArgs struct {
	UserID string `json:"user_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// RecommendResult is returned by recall_recommend.
type RecommendResult struct {
	Recommendations []types.Recommendation `json:"recommendations"`
	Count           int                    `json:"count"`
}

// InvalidateArgs contains arguments for the recall_invalidate_cache tool.
type InvalidateArgs struct {
	Scope string `json:"scope,omitempty"` // all (default), a tier name, or id:<record id>
}

// InvalidateResult is returned by recall_invalidate_cache.
type InvalidateResult struct {
	Scope   string `json:"scope"`
	Removed int    `json:"removed"`
}

// parseList decodes a JSON array of strings, a JSON-encoded array inside a
// string, or a comma-separated string. Unrecognised forms yield nil.
func parseList(raw json.RawMessage) []string {
	if raw == nil {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		_ = json.Unmarshal([]byte(s), &list)
		return list
	}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`  // Method name
	Params  interface{} `json:"params"`  // Method parameters
	ID      interface{} `json:"id"`      // Request ID (string, number, or null)
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`          // Must be "2.0"
	Result  interface{}   `json:"result,omitempty"` // Result (if successful)
	Error   *JSONRPCError `json:"error,omitempty"`  // Error (if failed)
	ID      interface{}   `json:"id"`               // Request ID
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`           // Error code
	Message string      `json:"message"`        // Error message
	Data    interface{} `json:"data,omitempty"` // Additional error data
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrCodeServerError    = -32000 // Server error
)

// ---------------------------------------------------------------------------
// Standard MCP protocol types (initialize / tools/list / tools/call)
// ---------------------------------------------------------------------------

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via the MCP tools/list endpoint.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
