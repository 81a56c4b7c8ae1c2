package chainclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveTronAddressIsStableAndBase58(t *testing.T) {
	priv, addr, err := NewEphemeralKeypair()
	require.NoError(t, err)
	require.NotEmpty(t, priv)
	require.NotEmpty(t, addr)

	addr2, err := DeriveTronAddress(priv)
	require.NoError(t, err)
	require.Equal(t, addr, addr2, "deriving twice from the same key must be deterministic")

	// TRON addresses are base58check and start with 'T'.
	require.Equal(t, byte('T'), addr[0])
}

func TestDeriveTronAddressRejectsBadHex(t *testing.T) {
	_, err := DeriveTronAddress("not-hex")
	require.Error(t, err)
}

func TestEachEphemeralKeypairIsUnique(t *testing.T) {
	_, addr1, err := NewEphemeralKeypair()
	require.NoError(t, err)
	_, addr2, err := NewEphemeralKeypair()
	require.NoError(t, err)
	require.NotEqual(t, addr1, addr2)
}
