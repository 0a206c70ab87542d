// Package queue persists mutations made while offline and the raw requests
// queued alongside them.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tildaslashalef/caresync/internal/conflict"
)

// Status is the lifecycle state of a queued operation
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusConflict   Status = "conflict"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusError, StatusConflict}

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrNotClaimed        = errors.New("operation not in expected status")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotQueueable      = errors.New("only POST, PUT, PATCH and DELETE can be queued")
)

// ParseStatus validates s
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(s))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError, StatusConflict:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may move to next. Retry limits on
// error -> pending are enforced by the caller.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusError || next == StatusConflict
	case StatusError:
		return next == StatusPending
	case StatusConflict:
		return next == StatusCompleted
	case StatusCompleted:
		return false
	}
	return false
}

// Terminal reports whether s only leaves the queue through cleanup
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// Operation is a persisted mutating request waiting to reach the server
type Operation struct {
	ID                 string
	URL                string
	Method             string
	Headers            map[string]string
	Body               json.RawMessage
	Timestamp          time.Time
	Retries            int
	Status             Status
	ResourceType       string
	ResourceID         string
	ConflictType       conflict.Type
	ConflictData       *conflict.Data
	ResolutionStrategy conflict.Strategy
	ResolvedAt         *time.Time
	ErrorMessage       string
	UpdatedAt          time.Time
}

// NewOperation is what callers supply when queueing a write
type NewOperation struct {
	URL          string
	Method       string
	Headers      map[string]string
	Body         json.RawMessage
	ResourceType string
	ResourceID   string
	Timestamp    time.Time // zero means now
}

// Validate checks the method and url
func (n NewOperation) Validate() error {
	if n.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !IsQueueable(n.Method) {
		return fmt.Errorf("%w: got %q", ErrNotQueueable, n.Method)
	}
	if len(n.Body) > 0 && !json.Valid(n.Body) {
		return fmt.Errorf("body is not valid JSON")
	}
	return nil
}

// IsQueueable reports whether method is a write that may be queued
func IsQueueable(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// BodyMap decodes the body as a JSON object. Non-object bodies yield nil.
func (o *Operation) BodyMap() map[string]any {
	if len(o.Body) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(o.Body, &m); err != nil {
		return nil
	}
	return m
}

// Patch lists the columns Update writes. Nil fields are left alone.
type Patch struct {
	Status             *Status
	Retries            *int
	ErrorMessage       *string
	ConflictType       *conflict.Type
	ConflictData       *conflict.Data
	ResolutionStrategy *conflict.Strategy
	ResolvedAt         *time.Time
}

// Ptr returns a pointer to v, for building patches
func Ptr[T any](v T) *T {
	return &v
}

// PendingRequest is a raw HTTP call stored verbatim while offline
type PendingRequest struct {
	ID        string
	URL       string
	Method    string
	Headers   map[string]string
	Body      json.RawMessage
	Timestamp time.Time
	Attempts  int
	LastError string
}
