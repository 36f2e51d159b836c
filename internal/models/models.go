// Package models defines the core data structures for DeviceIntake.
//
// It includes the chat request/response types, confirmed intake requests and
// inbound channel messages, which are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation constants for input validation
const (
	// MaxSessionIDLength defines the maximum allowed length for a session identifier
	MaxSessionIDLength = 128
	// MaxMessageLength defines the maximum allowed length for a chat message
	MaxMessageLength = 2000
)

// Error variables for better error handling and testability
var (
	ErrEmptySessionID   = errors.New("session_id cannot be empty")
	ErrSessionIDTooLong = errors.New("session_id exceeds maximum length")
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrMessageTooLong   = errors.New("message exceeds maximum length")
)

// ValidateSessionID checks the 1..MaxSessionIDLength character bound.
func ValidateSessionID(id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	if utf8.RuneCountInString(id) > MaxSessionIDLength {
		return ErrSessionIDTooLong
	}
	return nil
}

// ChatRequest is the inbound chat payload.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Validate performs validation on a ChatRequest.
func (r *ChatRequest) Validate() error {
	if err := ValidateSessionID(r.SessionID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ChatReply is the outbound chat payload.
type ChatReply struct {
	Reply string `json:"reply"`
}

// IntakeRequest is a confirmed device rental request.
type IntakeRequest struct {
	ID                   string         `json:"id"`
	SessionID            string         `json:"session_id"`
	Data                 map[string]any `json:"data"`
	RecommendationStatus string         `json:"recommendation_status,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// Response represents an incoming message from a messaging channel.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
	MessageID string `json:"message_id,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{response: APIResponse{}}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
