package session

import (
	"context"
	"fmt"

	"github.com/escrowd/escrowd/internal/chainclient"
	"github.com/escrowd/escrowd/internal/domain"
)

// KeyValidationOutcome is the result of validating one candidate key
// against an active key_validation session (§4.5).
type KeyValidationOutcome int

const (
	// OutcomeMatch means the candidate derives to the expected signer
	// address; the caller should hand off to the Payout Pipeline and
	// discard the key immediately — it is never persisted (§4.5).
	OutcomeMatch KeyValidationOutcome = iota
	// OutcomeMismatch means the candidate was wrong but attempts remain.
	OutcomeMismatch
	// OutcomeExhausted means attempts have reached domain.MaxKeyValidationAttempts;
	// the session is invalidated and a support-contact notice is due.
	OutcomeExhausted
)

// ValidateKey implements §4.5 steps 1-2: derive the candidate's address and
// compare it to the session's expected signer address, updating (and
// persisting) the attempt counter. It never returns the candidate key
// itself — callers that need it for signing must hold their own copy for
// exactly the duration of the Payout Pipeline call.
func (st *Store) ValidateKey(ctx context.Context, userID string, candidatePrivKey string) (KeyValidationOutcome, *domain.Session, error) {
	s, found, err := st.Get(ctx, userID, domain.ScopeKeyValidation)
	if err != nil {
		return OutcomeMismatch, nil, err
	}
	if !found || s.KeyValidation == nil {
		return OutcomeMismatch, nil, fmt.Errorf("session: no active key_validation session for user %s", userID)
	}

	addr, derr := chainclient.DeriveTronAddress(candidatePrivKey)
	if derr == nil && addr == s.KeyValidation.ExpectedSignerAddress {
		return OutcomeMatch, s, nil
	}

	s.KeyValidation.Attempts++
	if s.KeyValidation.Attempts >= domain.MaxKeyValidationAttempts {
		if delErr := st.Delete(ctx, userID, domain.ScopeKeyValidation); delErr != nil {
			return OutcomeExhausted, s, delErr
		}
		return OutcomeExhausted, s, nil
	}

	if err := st.Put(ctx, s); err != nil {
		return OutcomeMismatch, s, err
	}
	return OutcomeMismatch, s, nil
}
