package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	idempotencyTTL  = 5 * time.Minute
	idempotencySize = 1024
)

// RequestHandler handles one RPC method. Returning an *RPCError keeps its code;
// any other error becomes InternalError.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPCRouter handles RPC method registration and request routing
type RPCRouter struct {
	mu          sync.RWMutex
	methods     map[string]RequestHandler
	idempotency *expirable.LRU[string, RPCResponse]
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:     make(map[string]RequestHandler),
		idempotency: expirable.NewLRU[string, RPCResponse](idempotencySize, nil, idempotencyTTL),
	}
}

// RegisterMethod registers or replaces a method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// ParseRequest parses and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req. Responses to requests carrying an
// idempotency key are replayed for repeats within the TTL.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}

	cacheKey := ""
	if req.IdempotencyKey != "" {
		cacheKey = req.Method + ":" + req.IdempotencyKey
		if cached, ok := r.idempotency.Get(cacheKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)},
		}
	}

	result, err := handler(ctx, req.Params)
	response := &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	if err != nil {
		response.Result = nil
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			errCopy := *rpcErr
			response.Error = &errCopy
		} else {
			response.Error = &RPCError{Code: InternalError, Message: err.Error()}
		}
	}

	if cacheKey != "" {
		r.idempotency.Add(cacheKey, *response)
	}
	return response
}

func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names, sorted
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func requireString(params map[string]interface{}, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", invalidParams("%s parameter is required and must be a string", key)
	}
	return value, nil
}

// requireInt reads a whole number; JSON decodes every number as float64
func requireInt(params map[string]interface{}, key string) (int, error) {
	value, ok := params[key].(float64)
	if !ok {
		return 0, invalidParams("%s parameter is required and must be a number", key)
	}
	if value != math.Trunc(value) || math.IsInf(value, 0) {
		return 0, invalidParams("%s parameter must be a whole number", key)
	}
	return int(value), nil
}

func optionalString(params map[string]interface{}, key string) string {
	value, _ := params[key].(string)
	return value
}
