package chainclient

import (
	"context"

	"github.com/shopspring/decimal"
)

// Mock is an in-memory Client double used by internal tests that do not
// need a real TRON node, in the spirit of htlcswitch/mock.go's
// test-double-for-an-external-collaborator pattern.
type Mock struct {
	Balances    map[string]decimal.Decimal
	Transfers   map[string][]TRC20Transfer
	Broadcasts  []*SignedTx
	NextTxHash  string
	FailNextN   int
	failCount   int
}

// NewMock constructs an empty Mock.
func NewMock() *Mock {
	return &Mock{
		Balances:  map[string]decimal.Decimal{},
		Transfers: map[string][]TRC20Transfer{},
	}
}

func (m *Mock) maybeFail() error {
	if m.failCount < m.FailNextN {
		m.failCount++
		return errMockFailure
	}
	return nil
}

var errMockFailure = &mockError{"mock rpc failure"}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }

func (m *Mock) GetBalance(ctx context.Context, address string, asset Asset) (decimal.Decimal, error) {
	if err := m.maybeFail(); err != nil {
		return decimal.Zero, err
	}
	return m.Balances[address+":"+asset.Symbol], nil
}

func (m *Mock) GetAccountResources(ctx context.Context, address string) (AccountResources, error) {
	if err := m.maybeFail(); err != nil {
		return AccountResources{}, err
	}
	return AccountResources{}, nil
}

func (m *Mock) GetAccountTransactionsTRC20(ctx context.Context, address string, limit int) ([]TRC20Transfer, error) {
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	out := m.Transfers[address]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mock) GetTransactionInfo(ctx context.Context, txHash string) (TransactionInfo, error) {
	if err := m.maybeFail(); err != nil {
		return TransactionInfo{}, err
	}
	return TransactionInfo{TxHash: txHash, Confirmed: true, Success: true}, nil
}

func (m *Mock) BuildSendTRX(ctx context.Context, from, to string, amount decimal.Decimal) (*UnsignedTx, error) {
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	return &UnsignedTx{Kind: ContractSendTRX}, nil
}

func (m *Mock) BuildTRC20Transfer(ctx context.Context, contract Asset, from, to string, amount decimal.Decimal) (*UnsignedTx, error) {
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	return &UnsignedTx{Kind: ContractTRC20Transfer}, nil
}

func (m *Mock) Sign(ctx context.Context, tx *UnsignedTx, privateKeyHex string) (*SignedTx, error) {
	return m.Multisign(ctx, tx, []string{privateKeyHex})
}

func (m *Mock) Multisign(ctx context.Context, tx *UnsignedTx, privateKeyHexes []string) (*SignedTx, error) {
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	hash := m.NextTxHash
	if hash == "" {
		hash = "mocktx"
	}
	return &SignedTx{TxHash: hash}, nil
}

func (m *Mock) Broadcast(ctx context.Context, tx *SignedTx) (TransactionInfo, error) {
	if err := m.maybeFail(); err != nil {
		return TransactionInfo{}, err
	}
	m.Broadcasts = append(m.Broadcasts, tx)
	return TransactionInfo{TxHash: tx.TxHash, Confirmed: true, Success: true}, nil
}

func (m *Mock) DeriveAddress(privateKeyHex string) (string, error) {
	return DeriveTronAddress(privateKeyHex)
}

func (m *Mock) CreateMultisigWallet(ctx context.Context, perm MultisigPermission) error {
	return m.maybeFail()
}

var _ Client = (*Mock)(nil)
