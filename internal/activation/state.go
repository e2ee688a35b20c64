package activation

import "time"

// State is the effective lifecycle state of a credential.
type State string

const (
	StateActive   State = "active"
	StateExpired  State = "expired"
	StateLocked   State = "locked"
	StateUsed     State = "used"
	StateRevoked  State = "revoked"
	StateArchived State = "archived"
)

// Valid reports whether s names a state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateExpired, StateLocked, StateUsed, StateRevoked, StateArchived:
		return true
	}
	return false
}

// State derives the effective state at now. Terminal flags win; an expired
// credential that is also over the threshold reports expired.
func (c Credential) State(now time.Time, threshold int) State {
	switch {
	case c.Used && c.ArchivedAt != nil:
		return StateArchived
	case c.Used:
		return StateUsed
	case c.Revoked:
		return StateRevoked
	case !now.Before(c.ExpiresAt):
		return StateExpired
	case c.Attempts >= threshold:
		return StateLocked
	default:
		return StateActive
	}
}

// Terminal reports whether no further transition except archival is possible.
func (s State) Terminal() bool {
	return s == StateUsed || s == StateRevoked || s == StateArchived
}

// rejectionFor maps a non-active state to the rejection reported by Complete.
func rejectionFor(s State) *Rejection {
	switch s {
	case StateUsed, StateArchived:
		return reject(ClassAlreadyUsed, ReasonUsed)
	case StateExpired:
		return reject(ClassExpired, ReasonExpired)
	case StateLocked:
		return reject(ClassLocked, ReasonLocked)
	case StateRevoked:
		return reject(ClassLocked, ReasonRevoked)
	}
	return nil
}
