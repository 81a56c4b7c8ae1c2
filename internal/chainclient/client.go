// Package chainclient wraps the TRON RPC surface spec §6 names: balance
// reads, energy/resource reads, TRC20 transfer history, and the
// build/sign/multisign/broadcast write path. The interface is
// intentionally narrow and general, in the spirit of the teacher's
// chainntfs.ChainNotifier interface seam, so that tests can substitute a
// stub without talking to a real TRON node. Every call is expected to be
// wrapped by an internal/circuitbreaker.Breaker by the caller (chain
// client methods themselves do not retry).
package chainclient

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Asset identifies an on-chain asset; TRC20 tokens are identified by
// their contract address.
type Asset struct {
	Symbol          string
	ContractAddress string // empty for native TRX
}

// TRX is the network's native asset.
var TRX = Asset{Symbol: "TRX"}

// TRC20Transfer is one inbound or outbound token transfer observed on an
// address's history (§6 getAccountTransactionsTRC20).
type TRC20Transfer struct {
	TxHash          string
	From            string
	To              string
	TokenContract   string
	Amount          decimal.Decimal // display precision, already scaled down
	Confirmed       bool
	Block           int64
	Timestamp       time.Time
}

// TransactionInfo is the result of getTransactionInfo (§6).
type TransactionInfo struct {
	TxHash    string
	Confirmed bool
	Block     int64
	Success   bool
}

// AccountResources reports the spendable energy/bandwidth of an address
// (§6 getAccountResources), used to decide whether a payout needs
// resource provisioning at all.
type AccountResources struct {
	EnergyAvailable    int64
	BandwidthAvailable int64
}

// SignedTx is an opaque, already-signed transaction envelope ready to
// broadcast. Its shape is deliberately unexported-detail: the client
// implementation owns serialization.
type SignedTx struct {
	Raw       []byte
	TxHash    string
}

// MultisigPermission describes the 2-of-3 signer set for a wallet (§3.1).
type MultisigPermission struct {
	Address string
	Signers []string // the three active signer addresses
	Threshold int
}

// Client is the Chain Client of spec §6/§4 Component Design table.
type Client interface {
	// Reads.
	GetBalance(ctx context.Context, address string, asset Asset) (decimal.Decimal, error)
	GetAccountResources(ctx context.Context, address string) (AccountResources, error)
	GetAccountTransactionsTRC20(ctx context.Context, address string, limit int) ([]TRC20Transfer, error)
	GetTransactionInfo(ctx context.Context, txHash string) (TransactionInfo, error)

	// Writes.
	BuildSendTRX(ctx context.Context, from, to string, amount decimal.Decimal) (*UnsignedTx, error)
	BuildTRC20Transfer(ctx context.Context, contract Asset, from, to string, amount decimal.Decimal) (*UnsignedTx, error)
	Sign(ctx context.Context, tx *UnsignedTx, privateKeyHex string) (*SignedTx, error)
	Multisign(ctx context.Context, tx *UnsignedTx, privateKeyHexes []string) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) (TransactionInfo, error)

	// Key/address derivation.
	DeriveAddress(privateKeyHex string) (string, error)

	// CreateMultisigWallet provisions the 2-of-3 permission structure
	// described in §3.1/§6.
	CreateMultisigWallet(ctx context.Context, signers MultisigPermission) error
}

// UnsignedTx is a built-but-unsigned transaction envelope.
type UnsignedTx struct {
	Kind ContractKind
	Raw  []byte
}

// ContractKind distinguishes the two write-path contract shapes escrowd
// builds (§6): a plain TRX transfer, or a TRC20 transfer() call.
type ContractKind int

const (
	ContractSendTRX ContractKind = iota
	ContractTRC20Transfer
)
