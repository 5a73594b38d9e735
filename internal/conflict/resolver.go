// Package conflict reconciles divergent local and remote versions of an
// entity. Resolution is pure; persistence of the audit trail and the
// manual queue lives in Log.
package conflict

import (
	"errors"
	"fmt"
	"time"
)

// Strategy names the built-in resolution policies.
type Strategy string

const (
	LastWriteWins Strategy = "lastWriteWins"
	ServerWins    Strategy = "serverWins"
	ClientWins    Strategy = "clientWins"
	Manual        Strategy = "manual"

	// ThreeWayMerge is reserved. No built-in resolver implements it;
	// register a custom Resolver per entity type to use it.
	ThreeWayMerge Strategy = "threeWayMerge"
)

// Winner values recorded in resolutions and the audit log.
const (
	WinnerLocal  = "local"
	WinnerServer = "server"
)

var ErrUnknownStrategy = errors.New("unknown conflict strategy")

// Version is one side of a conflict: the payload plus the sync metadata
// needed to pick a winner.
type Version struct {
	EntityType string
	EntityID   string
	Version    int64
	Data       map[string]any
	UpdatedAt  time.Time
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Resolved       bool
	RequiresManual bool
	Strategy       Strategy
	Winner         string
	Data           map[string]any
}

// Resolver picks a winner between a local and a server version.
type Resolver interface {
	Resolve(local, server Version) (Resolution, error)
}

// ForStrategy returns the built-in resolver for s.
func ForStrategy(s Strategy) (Resolver, error) {
	switch s {
	case LastWriteWins:
		return lastWriteWins{}, nil
	case ServerWins:
		return fixed{winner: WinnerServer, strategy: ServerWins}, nil
	case ClientWins:
		return fixed{winner: WinnerLocal, strategy: ClientWins}, nil
	case Manual:
		return manual{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// lastWriteWins compares updated_at; the later write wins. An exact tie
// picks the server, keeping the order total and every node's decision
// identical. A side missing its timestamp loses to one that has it.
type lastWriteWins struct{}

func (lastWriteWins) Resolve(local, server Version) (Resolution, error) {
	localAt := updatedAt(local)
	serverAt := updatedAt(server)

	winner := WinnerServer
	data := server.Data
	if localAt.After(serverAt) {
		winner = WinnerLocal
		data = local.Data
	}
	return Resolution{Resolved: true, Strategy: LastWriteWins, Winner: winner, Data: data}, nil
}

// updatedAt prefers the explicit field, falling back to an updated_at
// value carried in the payload.
func updatedAt(v Version) time.Time {
	if !v.UpdatedAt.IsZero() {
		return v.UpdatedAt
	}
	raw, ok := v.Data["updated_at"].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// fixed always picks the same side.
type fixed struct {
	winner   string
	strategy Strategy
}

func (f fixed) Resolve(local, server Version) (Resolution, error) {
	data := server.Data
	if f.winner == WinnerLocal {
		data = local.Data
	}
	return Resolution{Resolved: true, Strategy: f.strategy, Winner: f.winner, Data: data}, nil
}

// manual never resolves; the caller parks the conflict for a human.
type manual struct{}

func (manual) Resolve(local, server Version) (Resolution, error) {
	return Resolution{Resolved: false, RequiresManual: true, Strategy: Manual}, nil
}

// Registry maps entity types to resolvers with a mandatory default.
// Selection is a plain lookup, no reflection.
type Registry struct {
	fallback Resolver
	byType   map[string]Resolver
}

// NewRegistry builds a registry around the default resolver.
func NewRegistry(fallback Resolver) *Registry {
	return &Registry{fallback: fallback, byType: make(map[string]Resolver)}
}

// Register overrides the resolver for one entity type. Custom resolvers
// (a product-specific merge, say) plug in here.
func (r *Registry) Register(entityType string, res Resolver) {
	r.byType[entityType] = res
}

// For returns the resolver for entityType, falling back to the default.
func (r *Registry) For(entityType string) Resolver {
	if res, ok := r.byType[entityType]; ok {
		return res
	}
	return r.fallback
}
