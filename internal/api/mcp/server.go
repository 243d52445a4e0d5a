package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/scrypster/recall/internal/collab"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/pkg/types"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// toolFunc runs one tool against decoded JSON-RPC params.
type toolFunc func(ctx context.Context, params interface{}) (interface{}, error)

// Server implements the Model Context Protocol for recall. Every tool is
// also reachable as a plain JSON-RPC method of the same name.
type Server struct {
	engine    *engine.Engine
	version   string
	sessionID string
	source    string
	user      string
	tools     map[string]toolFunc
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithVersion sets the version reported by initialize.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithSessionID pins the session recorded on stored memories. By default a
// fresh ID is generated per server lifetime.
func WithSessionID(id string) ServerOption {
	return func(s *Server) {
		s.sessionID = id
	}
}

// WithSource sets the source recorded on stored memories (default: mcp).
func WithSource(source string) ServerOption {
	return func(s *Server) {
		s.source = source
	}
}

// WithDefaultUser sets the user that interactions and recommendations
// apply to when a call names none.
func WithDefaultUser(user string) ServerOption {
	return func(s *Server) {
		s.user = user
	}
}

// NewServer creates a new MCP server over eng.
func NewServer(eng *engine.Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:    eng,
		version:   "dev",
		sessionID: uuid.New().String(),
		source:    "mcp",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tools = map[string]toolFunc{
		"recall_store":              s.handleStore,
		"recall_get":                s.handleGet,
		"recall_search":             s.handleSearch,
		"recall_evolve_category":    s.handleEvolve,
		"recall_record_interaction": s.handleRecordInteraction,
		"recall_recommend":          s.handleRecommend,
		"recall_invalidate_cache":   s.handleInvalidate,
	}
	log.Printf("recall-mcp: session ID: %s", s.sessionID)
	return s
}

// SessionID returns the session recorded on memories stored without one.
func (s *Server) SessionID() string { return s.sessionID }

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// Notifications get no response: the returned slice is nil.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	if req.ID == nil && (req.Method == "initialized" || strings.HasPrefix(req.Method, "notifications/")) {
		return nil, nil
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = s.initializeResult()
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: toolDefinitions()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		tool, ok := s.tools[req.Method]
		if !ok {
			return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
		result, err = tool(ctx, req.Params)
	}

	if err != nil {
		var pe *paramsError
		if errors.As(err, &pe) {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
		}
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}

	return s.successResponse(req.ID, result)
}

func (s *Server) initializeResult() MCPInitializeResult {
	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "recall",
			Version: s.version,
		},
	}
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope. Tool failures are reported in-band with
// isError rather than as JSON-RPC errors.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	tool, ok := s.tools[p.Name]
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}

	result, err := tool(ctx, p.Arguments)
	if err != nil {
		return toolError(err.Error()), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

func toolError(msg string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

func (s *Server) handleStore(ctx context.Context, params interface{}) (interface{}, error) {
	var args StoreArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Content) == "" {
		return nil, &paramsError{msg: "content is required"}
	}

	session := args.SessionID
	if session == "" {
		session = s.sessionID
	}
	source := args.Source
	if source == "" {
		source = s.source
	}

	return s.engine.Store(ctx, engine.StoreRequest{
		Content:  args.Content,
		Category: args.Category,
		Kind:     args.Kind,
		Tags:     args.Tags,
		Metadata: types.Metadata{SessionID: session, Source: source, Project: args.Project},
	})
}

func (s *Server) handleGet(ctx context.Context, params interface{}) (interface{}, error) {
	var args GetArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, &paramsError{msg: "id is required"}
	}
	return s.engine.Get(ctx, args.ID)
}

func (s *Server) handleSearch(ctx context.Context, params interface{}) (interface{}, error) {
	var args SearchArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, &paramsError{msg: "query is required"}
	}
	return s.engine.Search(ctx, engine.SearchRequest{
		Query:    args.Query,
		Tiers:    args.Tiers,
		UseCache: !args.NoCache,
		Context:  args.Context,
		Category: args.Category,
		Limit:    args.Limit,
	})
}

// handleEvolve returns the snapshot for every completed run, including
// insufficient_data. Busy or failed runs are errors.
func (s *Server) handleEvolve(ctx context.Context, params interface{}) (interface{}, error) {
	var args EvolveArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	snap, err := s.engine.EvolveCategory(ctx, args.Category, nil)
	if err != nil && !errors.Is(err, types.ErrInsufficientData) {
		return nil, err
	}
	return snap, nil
}

func (s *Server) handleRecordInteraction(ctx context.Context, params interface{}) (interface{}, error) {
	var args InteractionArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if args.UserID == "" {
		args.UserID = s.user
	}
	if args.SessionID == "" {
		args.SessionID = s.sessionID
	}
	err := s.engine.RecordInteraction(ctx, collab.Interaction{
		UserID:    args.UserID,
		ItemID:    args.ItemID,
		SessionID: args.SessionID,
		Success:   args.Success,
		Rating:    args.Rating,
	})
	if err != nil {
		return nil, err
	}
	return InteractionResult{Recorded: true, ItemID: args.ItemID}, nil
}

func (s *Server) handleRecommend(ctx context.Context, params interface{}) (interface{}, error) {
	var args RecommendArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 10
	}
	if args.UserID == "" {
		args.UserID = s.user
	}

	var recs []types.Recommendation
	var err error
	if args.UserID == "" {
		recs, err = s.engine.FallbackRecommend(ctx, limit)
	} else {
		recs, err = s.engine.Recommend(ctx, args.UserID, limit)
	}
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []types.Recommendation{}
	}
	return RecommendResult{Recommendations: recs, Count: len(recs)}, nil
}

func (s *Server) handleInvalidate(ctx context.Context, params interface{}) (interface{}, error) {
	var args InvalidateArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	scope := args.Scope
	if scope == "" {
		scope = "all"
	}
	removed, err := s.engine.InvalidateCache(ctx, scope)
	if err != nil {
		return nil, err
	}
	return InvalidateResult{Scope: scope, Removed: removed}, nil
}

// paramsError marks a request whose parameters could not be used.
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return "invalid params: " + e.msg }

// unmarshalParams unmarshals JSON-RPC parameters into a typed struct.
// Missing params decode as an empty object.
func unmarshalParams(params interface{}, dest interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return &paramsError{msg: err.Error()}
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return &paramsError{msg: err.Error()}
	}
	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	})
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	})
}
