package model

// Response is the payload shape returned by every front-end operation.
type Response[T any] struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *T     `json:"data,omitempty"`
}

// OK wraps data in a successful Response.
func OK[T any](data T, message string) Response[T] {
	return Response[T]{Success: true, Message: message, Data: &data}
}

// Fail builds a failed Response from err.
func Fail[T any](err error) Response[T] {
	return Response[T]{Success: false, Error: err.Error()}
}
