package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionScope identifies which multi-turn interaction a Session belongs
// to (§3).
type SessionScope string

const (
	ScopeDispute        SessionScope = "dispute"
	ScopeKeyValidation  SessionScope = "key_validation"
)

// DisputeDraft is the §9 "draft" scope payload: ordered media identifiers
// accumulated while the user composes a dispute, plus the media-group id
// of the most recent addition.
type DisputeDraft struct {
	Reason         string
	MediaIDs       []string
	lastMediaGroup string
}

// AddMedia appends mediaID to the draft and records mediaGroup as the most
// recent group. Every item is kept, including further items of the same
// media group; no debounce timing is applied here.
func (d *DisputeDraft) AddMedia(mediaID, mediaGroup string) {
	if mediaGroup != "" && mediaGroup == d.lastMediaGroup {
		d.MediaIDs = append(d.MediaIDs, mediaID)
		return
	}
	d.MediaIDs = append(d.MediaIDs, mediaID)
	d.lastMediaGroup = mediaGroup
}

// KeyValidationData is the payload carried by a ScopeKeyValidation
// session (§3).
type KeyValidationData struct {
	DealID     int64
	Kind       KeyValidationKind
	Attempts   int
	NetAmount  decimal.Decimal
	Commission decimal.Decimal
	// ExpectedSignerAddress is the on-chain address the supplied key
	// must derive to.
	ExpectedSignerAddress string
}

// MaxKeyValidationAttempts bounds key-validation retries (§4.5, open
// question 3: the source left this unbounded, this spec mandates a
// bound).
const MaxKeyValidationAttempts = 5

// Session is a per-(userId, scope) record with a TTL (§3).
type Session struct {
	UserID string
	Scope  SessionScope

	Dispute       *DisputeDraft
	KeyValidation *KeyValidationData

	CreatedAt time.Time
	ExpiresAt time.Time
}

// DefaultDisputeTTL and DefaultKeyValidationTTL are the session lifetimes
// named in §5.
const (
	DefaultDisputeTTL       = 2 * time.Hour
	DefaultKeyValidationTTL = 24 * time.Hour
)

// Expired reports whether the session has outlived its TTL as of now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
