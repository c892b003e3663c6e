// Package registry resolves agent identities to their registered role,
// capabilities, color, and execution lane.
//
// The registry is authoritative and read-only for the validation core: every
// identity field on an inbound artifact is checked against it, and no
// identity is ever synthesized when a lookup fails. Authority is data (a role
// with a permission set), never behavior.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
)

var (
	// ErrNotFound reports an identity absent from the registry.
	ErrNotFound = errors.New("registry: identity not found")
	// ErrUnavailable reports that the registry backend could not be reached.
	// Callers must fail closed on it, never treat it as a pass.
	ErrUnavailable = errors.New("registry: unavailable")
)

// GID is a governance identity number, formatted GID-NN.
type GID string

var gidPattern = regexp.MustCompile(`^GID-\d{2}$`)

// Valid reports whether g has the canonical GID-NN form.
func (g GID) Valid() bool { return gidPattern.MatchString(string(g)) }

// Role is the closed set of agent roles.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleOrchestrator
	RoleExecutor
	RoleReviewer
	RoleStrategist
	RoleObserver
)

var roleNames = map[Role]string{
	RoleUnknown:      "UNKNOWN",
	RoleOrchestrator: "ORCHESTRATOR",
	RoleExecutor:     "EXECUTOR",
	RoleReviewer:     "REVIEWER",
	RoleStrategist:   "STRATEGIST",
	RoleObserver:     "OBSERVER",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("ROLE(%d)", r)
}

// ParseRole maps a registry file value to a Role.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if name == s && r != RoleUnknown {
			return r, nil
		}
	}
	return RoleUnknown, fmt.Errorf("registry: unknown role %q", s)
}

// Permission is a capability bit carried by a role.
type Permission uint32

const (
	PermEmitPAC Permission = 1 << iota
	PermEmitWRAP
	PermRecordDecision
	PermReserveNumber
	PermSealComposite
)

// Permissions returns the capability set for a role. The mapping is a fixed
// table, not configuration: changing authority means changing this code.
func (r Role) Permissions() Permission {
	switch r {
	case RoleOrchestrator:
		return PermEmitPAC | PermEmitWRAP | PermRecordDecision | PermReserveNumber | PermSealComposite
	case RoleExecutor:
		return PermEmitPAC | PermEmitWRAP | PermReserveNumber
	case RoleReviewer:
		return PermEmitWRAP | PermRecordDecision
	case RoleStrategist, RoleObserver:
		return 0
	default:
		return 0
	}
}

// Can reports whether the role's permission set includes p.
func (r Role) Can(p Permission) bool { return r.Permissions()&p == p }

// Lane is an execution lane label. Lanes are compared literally; there are
// no equivalence classes.
type Lane string

const (
	LaneExecution  Lane = "EXECUTION"
	LaneGovernance Lane = "GOVERNANCE"
	LaneStrategy   Lane = "STRATEGY"
)

// Entry is one registered identity.
type Entry struct {
	GID     GID
	Name    string
	Role    Role
	Color   string
	Lane    Lane
	Retired bool
}

// Resolver looks identities up. Implementations must return ErrNotFound for
// absent identities and ErrUnavailable (possibly wrapped) for backend
// failures; the two are handled very differently upstream.
type Resolver interface {
	ByName(name string) (Entry, error)
	ByGID(gid GID) (Entry, error)
}

// InMemory is a Resolver over a fixed entry set.
type InMemory struct {
	mu     sync.RWMutex
	byName map[string]Entry
	byGID  map[GID]Entry
}

// NewInMemory builds a resolver from entries. Duplicate names or GIDs are
// rejected: a registry with two owners for one identity is corrupt.
func NewInMemory(entries []Entry) (*InMemory, error) {
	r := &InMemory{
		byName: make(map[string]Entry, len(entries)),
		byGID:  make(map[GID]Entry, len(entries)),
	}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("registry: entry with empty name (gid %s)", e.GID)
		}
		if !e.GID.Valid() {
			return nil, fmt.Errorf("registry: entry %s has malformed gid %q", e.Name, e.GID)
		}
		if _, dup := r.byName[e.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate name %s", e.Name)
		}
		if _, dup := r.byGID[e.GID]; dup {
			return nil, fmt.Errorf("registry: duplicate gid %s", e.GID)
		}
		r.byName[e.Name] = e
		r.byGID[e.GID] = e
	}
	return r, nil
}

func (r *InMemory) ByName(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: name %s", ErrNotFound, name)
	}
	return e, nil
}

func (r *InMemory) ByGID(gid GID) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byGID[gid]
	if !ok {
		return Entry{}, fmt.Errorf("%w: gid %s", ErrNotFound, gid)
	}
	return e, nil
}
