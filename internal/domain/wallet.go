package domain

import "github.com/shopspring/decimal"

// Signer identifies one of the three parties able to co-sign a multisig
// transaction.
type Signer string

const (
	SignerBuyer   Signer = "buyer"
	SignerSeller  Signer = "seller"
	SignerArbiter Signer = "arbiter"
)

// MultisigWallet is the per-deal 2-of-3 wallet child record (§3).
type MultisigWallet struct {
	DealID int64

	Address string

	// ActiveSigners maps each Signer to its registered on-chain address.
	// Quorum is any two of the three.
	ActiveSigners map[Signer]string

	// PrivateKey is the wallet account's own key, distinct from the
	// three signer keys above; it is needed to submit arbiter-only
	// signed transactions such as the TRX sweep (§4.6 step 4).
	PrivateKey string

	LastKnownTRXBalance   decimal.Decimal
	LastKnownUSDTBalance  decimal.Decimal
	Activated             bool
}

// Threshold is the number of signatures required for this wallet,
// constant at 2-of-3 throughout scope.
const Threshold = 2

// HasQuorum reports whether the given set of signers meets the 2-of-3
// threshold and that all of them are in fact registered signers of this
// wallet (testable property 5, §8).
func (w *MultisigWallet) HasQuorum(signers []Signer) bool {
	seen := make(map[Signer]bool, len(signers))
	count := 0
	for _, s := range signers {
		if seen[s] {
			continue
		}
		if _, ok := w.ActiveSigners[s]; !ok {
			continue
		}
		seen[s] = true
		count++
	}
	return count >= Threshold
}
