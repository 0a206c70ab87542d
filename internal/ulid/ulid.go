// Package ulid wraps github.com/oklog/ulid/v2 with prefixed, time-sortable
// identifiers for the rows caresync persists.
//
// Identifiers look like "op-01HZX3K4Q8W3VJ0G6N2R5T7Y9A". The ULID part sorts by
// creation time, which keeps queue rows created in the same millisecond in
// insertion order.
package ulid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	PrefixOperation = "op"
	PrefixPending   = "pend"
	PrefixSyncLog   = "slog"
	PrefixSetting   = "set"
	PrefixRequest   = "req"

	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex

	// Nil is the zero ULID.
	Nil = ULID{}
)

// ULID is a ulid.ULID with an optional prefix naming what it identifies.
type ULID struct {
	ulid.ULID
	prefix string
}

// NewWithTime returns a ULID for t, monotonic within the same millisecond.
func NewWithTime(t time.Time, prefix string) ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ULID{ULID: ulid.MustNew(ulid.Timestamp(t), entropy), prefix: prefix}
}

// GenerateWithPrefix returns a new ULID stamped with the current time.
func GenerateWithPrefix(prefix string) ULID {
	return NewWithTime(time.Now(), prefix)
}

// Parse accepts both "PREFIX-ULID" and bare ULID strings.
func Parse(id string) (ULID, error) {
	prefix, raw := "", id
	if i := strings.LastIndex(id, PrefixSeparator); i >= 0 {
		prefix, raw = id[:i], id[i+1:]
	}
	parsed, err := ulid.Parse(raw)
	if err != nil {
		return Nil, fmt.Errorf("parsing ulid %q: %w", id, err)
	}
	return ULID{ULID: parsed, prefix: prefix}, nil
}

// Validate reports whether id parses and carries prefix.
func Validate(id, prefix string) bool {
	parsed, err := Parse(id)
	return err == nil && parsed.Prefix() == prefix
}

func (u ULID) Prefix() string { return u.prefix }

func (u ULID) String() string {
	if u.prefix == "" {
		return u.ULID.String()
	}
	return u.prefix + PrefixSeparator + u.ULID.String()
}

// OperationID identifies a queued mutation.
func OperationID() string { return GenerateWithPrefix(PrefixOperation).String() }

// PendingID identifies a raw pending request.
func PendingID() string { return GenerateWithPrefix(PrefixPending).String() }

// SyncLogID identifies one processing pass in the sync log.
func SyncLogID() string { return GenerateWithPrefix(PrefixSyncLog).String() }

func SettingID() string { return GenerateWithPrefix(PrefixSetting).String() }

// RequestID tags log lines belonging to a single status API request.
func RequestID() string { return GenerateWithPrefix(PrefixRequest).String() }
