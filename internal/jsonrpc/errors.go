package jsonrpc

import "fmt"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603

	// Implementation-defined server errors (-32000 to -32099).

	// ErrorCodeSessionNotFound indicates the session id is unknown or closed.
	ErrorCodeSessionNotFound ErrorCode = -32001
	// ErrorCodeProviderUnavailable indicates the provider is disabled or could
	// not be instantiated.
	ErrorCodeProviderUnavailable ErrorCode = -32002
	// ErrorCodeRequestCancelled indicates the request was cancelled before completion.
	ErrorCodeRequestCancelled ErrorCode = -32800
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
