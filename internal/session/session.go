package session

import (
	"errors"
	"time"
)

var (
	// ErrNotOwner rejects a control action from anyone but the session owner.
	ErrNotOwner = errors.New("session: requester is not the owner")
	// ErrUnknownSession is returned for control actions on sessions that do
	// not exist (anymore).
	ErrUnknownSession = errors.New("session: unknown session")
	// ErrNotMember rejects an ownership transfer to a non-member.
	ErrNotMember = errors.New("session: target is not a member")
	// ErrInvalidName rejects renames outside the platform's 1..100 bounds.
	ErrInvalidName = errors.New("session: name must be 1..100 characters")
	// ErrInvalidLimit rejects member limits outside the platform's 0..99 bounds.
	ErrInvalidLimit = errors.New("session: user limit must be 0..99")
	// ErrStopped is returned when an operation is submitted after Stop.
	ErrStopped = errors.New("session: manager stopped")
)

// ActionKind enumerates owner control actions.
type ActionKind string

const (
	ActionRename   ActionKind = "rename"
	ActionSetLimit ActionKind = "set_limit"
	ActionLock     ActionKind = "lock"
	ActionUnlock   ActionKind = "unlock"
	ActionHide     ActionKind = "hide"
	ActionReveal   ActionKind = "reveal"
	ActionTransfer ActionKind = "transfer"
)

// Action is one owner control mutation. Only the field matching Kind is
// consulted.
type Action struct {
	Kind      ActionKind
	Name      string // ActionRename
	UserLimit int    // ActionSetLimit
	TargetID  string // ActionTransfer
}

// Config tunes the manager. Zero values pick defaults.
type Config struct {
	// Shards is the number of single-writer mailboxes events are routed
	// over. Operations for the same session always land on the same shard.
	Shards int
	// MailboxSize is the per-shard queue depth.
	MailboxSize int
	// DefaultName is used when a lobby has no name pattern.
	DefaultName string
}

func (c *Config) normalize() {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.DefaultName == "" {
		c.DefaultName = "session"
	}
}

const maxNameLen = 100

func validName(name string) bool {
	n := len([]rune(name))
	return n >= 1 && n <= maxNameLen
}

func validLimit(n int) bool { return n >= 0 && n <= 99 }

// nowFunc is injectable for tests.
type nowFunc func() time.Time
