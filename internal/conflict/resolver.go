package conflict

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tildaslashalef/caresync/internal/loggy"
	"gopkg.in/yaml.v3"
)

// DefaultStrategies applies when a resource type has no override
var DefaultStrategies = map[Type]Strategy{
	CreateCreate: Merge,
	UpdateUpdate: Merge,
	DeleteUpdate: ServerWins,
	UpdateDelete: ClientWins,
	DeleteDelete: ServerWins,
}

// Overrides maps resource type to per-conflict-type strategies
type Overrides map[string]map[Type]Strategy

// ForcedWrite is a re-issue of the client's request that tells the server
// to accept it regardless of its own state.
type ForcedWrite struct {
	Method  string
	URL     string
	Headers map[string]string
	Payload map[string]any
}

// Writer performs forced writes against the remote API
type Writer interface {
	ForceWrite(ctx context.Context, w ForcedWrite) error
}

// Resolver picks and applies resolution strategies
type Resolver struct {
	writer Writer
	logger *loggy.Logger

	mu        sync.RWMutex
	overrides Overrides
}

// NewResolver creates a resolver. overrides may be nil.
func NewResolver(writer Writer, overrides Overrides, logger *loggy.Logger) *Resolver {
	if overrides == nil {
		overrides = Overrides{}
	}
	return &Resolver{writer: writer, overrides: overrides, logger: logger}
}

// StrategyFor returns the override for resourceType if one exists, else the
// global default.
func (r *Resolver) StrategyFor(resourceType string, t Type) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if byType, ok := r.overrides[resourceType]; ok {
		if s, ok := byType[t]; ok {
			return s
		}
	}
	if s, ok := DefaultStrategies[t]; ok {
		return s
	}
	return Manual
}

// SetOverride registers a strategy for one resource type and conflict type
func (r *Resolver) SetOverride(resourceType string, t Type, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.overrides[resourceType] == nil {
		r.overrides[resourceType] = map[Type]Strategy{}
	}
	r.overrides[resourceType][t] = s
}

// Overrides returns a copy of the override table
func (r *Resolver) Overrides() Overrides {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(Overrides, len(r.overrides))
	for rt, byType := range r.overrides {
		out[rt] = make(map[Type]Strategy, len(byType))
		for t, s := range byType {
			out[rt][t] = s
		}
	}
	return out
}

// Resolve applies strategy to data. A failed forced write is returned
// as an error together with an unresolved Resolution.
func (r *Resolver) Resolve(ctx context.Context, data *Data, strategy Strategy) (*Resolution, error) {
	log := r.logger.With("operation_id", data.OperationID, "conflict_type", data.Type, "strategy", strategy)

	switch strategy {
	case ClientWins:
		return r.clientWins(ctx, data, strategy)

	case ServerWins:
		log.Debug("Keeping server state")
		return &Resolution{Resolved: true, Strategy: ServerWins, Applied: ServerWins, ResolvedData: data.ServerData}, nil

	case Merge:
		merged := MergeFields(data.ClientData, data.ServerData)
		if err := r.force(ctx, data, merged); err != nil {
			return unresolved(strategy, err), err
		}
		return &Resolution{Resolved: true, Strategy: Merge, Applied: Merge, ResolvedData: merged}, nil

	case LastWriteWins:
		if data.ClientTimestamp.After(data.ServerTimestamp) {
			return r.clientWins(ctx, data, LastWriteWins)
		}
		return &Resolution{Resolved: true, Strategy: LastWriteWins, Applied: ServerWins, ResolvedData: data.ServerData}, nil

	case Manual:
		log.Info("Conflict parked for manual resolution")
		return unresolved(Manual, ErrManualResolution), ErrManualResolution
	}

	err := fmt.Errorf("unknown resolution strategy %q", strategy)
	return unresolved(strategy, err), err
}

func (r *Resolver) clientWins(ctx context.Context, data *Data, requested Strategy) (*Resolution, error) {
	if err := r.force(ctx, data, data.ClientData); err != nil {
		return unresolved(requested, err), err
	}
	return &Resolution{Resolved: true, Strategy: requested, Applied: ClientWins, ResolvedData: data.ClientData}, nil
}

func (r *Resolver) force(ctx context.Context, data *Data, payload map[string]any) error {
	if r.writer == nil {
		return fmt.Errorf("no writer configured for forced writes")
	}
	err := r.writer.ForceWrite(ctx, ForcedWrite{
		Method:  data.Method,
		URL:     data.URL,
		Headers: data.Headers,
		Payload: withForce(payload),
	})
	if err != nil {
		return fmt.Errorf("forcing %s %s: %w", data.Method, data.URL, err)
	}
	return nil
}

func unresolved(s Strategy, err error) *Resolution {
	return &Resolution{Resolved: false, Strategy: s, Error: err.Error()}
}

type overridesFile struct {
	Strategies map[string]map[string]string `yaml:"strategies"`
}

// LoadOverrides reads a YAML strategy table:
//
//	strategies:
//	  appointment:
//	    UPDATE_UPDATE: LAST_WRITE_WINS
func LoadOverrides(path string) (Overrides, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading strategy file: %w", err)
	}
	return ParseOverrides(raw)
}

// ParseOverrides decodes the YAML accepted by LoadOverrides
func ParseOverrides(raw []byte) (Overrides, error) {
	var file overridesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing strategy file: %w", err)
	}

	out := make(Overrides, len(file.Strategies))
	for resourceType, byType := range file.Strategies {
		out[resourceType] = make(map[Type]Strategy, len(byType))
		for rawType, rawStrategy := range byType {
			t, err := ParseType(rawType)
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", resourceType, err)
			}
			s, err := ParseStrategy(rawStrategy)
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", resourceType, err)
			}
			out[resourceType][t] = s
		}
	}
	return out, nil
}
