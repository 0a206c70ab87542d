// Package conflict classifies server rejections of replayed writes and
// resolves them with a per-resource-type strategy table.
package conflict

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type classifies a conflict from the replayed method and the server status
type Type string

const (
	CreateCreate Type = "CREATE_CREATE"
	UpdateUpdate Type = "UPDATE_UPDATE"
	UpdateDelete Type = "UPDATE_DELETE"
	DeleteUpdate Type = "DELETE_UPDATE"
	DeleteDelete Type = "DELETE_DELETE"
)

// Types lists every conflict type
var Types = []Type{CreateCreate, UpdateUpdate, UpdateDelete, DeleteUpdate, DeleteDelete}

// ParseType validates s as a conflict type
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case CreateCreate, UpdateUpdate, UpdateDelete, DeleteUpdate, DeleteDelete:
		return t, nil
	}
	return "", fmt.Errorf("unknown conflict type %q", s)
}

// Strategy names a resolution policy
type Strategy string

const (
	ClientWins    Strategy = "CLIENT_WINS"
	ServerWins    Strategy = "SERVER_WINS"
	Merge         Strategy = "MERGE"
	LastWriteWins Strategy = "LAST_WRITE_WINS"
	Manual        Strategy = "MANUAL"
)

// Strategies lists every strategy
var Strategies = []Strategy{ClientWins, ServerWins, Merge, LastWriteWins, Manual}

// ParseStrategy validates s as a strategy
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case ClientWins, ServerWins, Merge, LastWriteWins, Manual:
		return st, nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", s)
}

// ErrManualResolution is returned when a conflict needs a human decision
var ErrManualResolution = errors.New("Manual resolution required")

// Data is the snapshot taken when the server rejects a replayed write.
// Method, URL and Headers describe the request to re-issue on a forced
// write.
type Data struct {
	OperationID     string            `json:"operationId"`
	ResourceType    string            `json:"resourceType,omitempty"`
	ResourceID      string            `json:"resourceId,omitempty"`
	Type            Type              `json:"conflictType"`
	ClientData      map[string]any    `json:"clientData,omitempty"`
	ServerData      map[string]any    `json:"serverData,omitempty"`
	ClientTimestamp time.Time         `json:"clientTimestamp"`
	ServerTimestamp time.Time         `json:"serverTimestamp"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
}

// Resolution is the outcome of applying a strategy
type Resolution struct {
	Resolved     bool           `json:"resolved"`
	Strategy     Strategy       `json:"strategy"`
	Applied      Strategy       `json:"applied,omitempty"` // what LAST_WRITE_WINS settled on
	ResolvedData map[string]any `json:"resolvedData,omitempty"`
	Error        string         `json:"error,omitempty"`
}
