package core

import "time"

type EventType string

const (
	EventReservationGranted  EventType = "reservation.granted"
	EventReservationReleased EventType = "reservation.released"
	EventReservationRenewed  EventType = "reservation.renewed"
	EventReservationExpired  EventType = "reservation.expired"
	EventSlotAcquired        EventType = "slot.acquired"
	EventSlotRenewed         EventType = "slot.renewed"
	EventSlotReleased        EventType = "slot.released"
	EventSlotExpired         EventType = "slot.expired"
)

// IdentityMode records which resolution rule produced a project identity.
type IdentityMode string

const (
	IdentityMarker        IdentityMode = "marker"
	IdentityPrivateMarker IdentityMode = "private-marker"
	IdentityRemote        IdentityMode = "remote"
	IdentityCommonDir     IdentityMode = "git-common-dir"
	IdentityDir           IdentityMode = "dir"
)

// Project is the stable identity shared by every checkout of one repository.
type Project struct {
	UID             string       `json:"project_uid"`
	Slug            string       `json:"slug"`
	CanonicalSource string       `json:"canonical_source"`
	IdentityMode    IdentityMode `json:"identity_mode"`
	HumanKey        string       `json:"-"`
	IgnoreCase      bool         `json:"ignore_case"`
	CreatedAt       time.Time    `json:"created_at"`
}

type Agent struct {
	Project      string    `json:"project"`
	Name         string    `json:"name"`
	Program      string    `json:"program,omitempty"`
	Model        string    `json:"model,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// FileReservation is an advisory lease over a Git wildmatch pattern.
type FileReservation struct {
	ID          string     `json:"id"`
	Project     string     `json:"project_uid"`
	Agent       string     `json:"agent_name"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// IsActive reports whether the lease is unreleased and unexpired at now.
func (r FileReservation) IsActive(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// BuildSlot is a lease over a named logical resource, kept alive by heartbeat.
type BuildSlot struct {
	ID          string     `json:"id"`
	Project     string     `json:"project_uid"`
	Agent       string     `json:"agent_name"`
	Slot        string     `json:"slot"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	HeartbeatAt time.Time  `json:"heartbeat_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

func (s BuildSlot) IsActive(now time.Time) bool {
	return s.ReleasedAt == nil && s.ExpiresAt.After(now)
}

// Conflict describes an active lease that blocks a requested pattern or slot.
type Conflict struct {
	Pattern       string    `json:"pattern"`
	HolderPattern string    `json:"holder_pattern"`
	ReservationID string    `json:"reservation_id"`
	Holder        string    `json:"holder_agent"`
	Exclusive     bool      `json:"exclusive"`
	ExpiresAt     time.Time `json:"expires_at"`
	Reason        string    `json:"reason,omitempty"`
}

type ReserveRequest struct {
	Project   string
	Agent     string
	Patterns  []string
	TTL       time.Duration
	Exclusive bool
	Reason    string
}

// ReserveResult carries partial success: some patterns may be granted while
// others conflict.
type ReserveResult struct {
	Granted   []FileReservation `json:"granted"`
	Conflicts []Conflict        `json:"conflicts"`
	// Expired holds stale leases the call marked released before checking.
	Expired []FileReservation `json:"-"`
}

// GrantedPatterns returns the patterns of the granted leases in request order.
func (r ReserveResult) GrantedPatterns() []string {
	out := make([]string, 0, len(r.Granted))
	for _, g := range r.Granted {
		out = append(out, g.PathPattern)
	}
	return out
}

type SlotRequest struct {
	Project   string
	Agent     string
	Slot      string
	TTL       time.Duration
	Exclusive bool
	Reason    string
}

type SlotResult struct {
	Slot      *BuildSlot `json:"slot,omitempty"`
	Conflicts []Conflict `json:"conflicts"`
}

// GuardMode selects whether conflicting commits are blocked or only reported.
type GuardMode string

const (
	GuardBlock GuardMode = "block"
	GuardWarn  GuardMode = "warn"
)

// ParseGuardMode maps unknown values to the blocking default.
func ParseGuardMode(s string) GuardMode {
	if GuardMode(s) == GuardWarn {
		return GuardWarn
	}
	return GuardBlock
}

type GuardConflict struct {
	Path          string    `json:"path"`
	Pattern       string    `json:"pattern"`
	ReservationID string    `json:"reservation_id"`
	Holder        string    `json:"holder"`
	ExpiresAt     time.Time `json:"expires_at"`
	Reason        string    `json:"reason,omitempty"`
}

// GuardDecision is the outcome of one hook invocation. It is never persisted.
type GuardDecision struct {
	Hook      string          `json:"hook"`
	Mode      GuardMode       `json:"mode"`
	Blocked   bool            `json:"blocked"`
	Bypassed  bool            `json:"bypassed"`
	Paths     []string        `json:"paths,omitempty"`
	Conflicts []GuardConflict `json:"conflicts"`
	Warnings  []string        `json:"warnings,omitempty"`
}

type Event struct {
	Type        EventType        `json:"type"`
	Project     string           `json:"project"`
	Agent       string           `json:"agent"`
	Reservation *FileReservation `json:"reservation,omitempty"`
	Slot        *BuildSlot       `json:"slot,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
