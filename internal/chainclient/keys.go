package chainclient

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/sha3"
)

// tronAddressVersion is the network byte TRON prefixes every address
// with, analogous to Bitcoin's version byte.
const tronAddressVersion = 0x41

// DeriveTronAddress computes the base58check TRON address for a
// secp256k1 private key, the same curve the teacher already depends on
// via btcec/v2. TRON, like Ethereum, addresses the Keccak256 hash of the
// uncompressed public key (dropping the leading format byte and taking
// the last 20 bytes), then prefixes the result with 0x41 and
// base58check-encodes it.
func DeriveTronAddress(privateKeyHex string) (string, error) {
	keyBytes, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return "", fmt.Errorf("invalid private key hex: %w", err)
	}

	priv, pub := btcec.PrivKeyFromBytes(keyBytes)
	if priv == nil {
		return "", fmt.Errorf("unable to parse private key")
	}

	pubBytes := pub.SerializeUncompressed()
	// Drop the leading 0x04 format byte before hashing, as Ethereum (and
	// TRON) addressing does.
	hash := keccak256(pubBytes[1:])
	addrBytes := append([]byte{tronAddressVersion}, hash[len(hash)-20:]...)

	return base58.CheckEncode(addrBytes[1:], addrBytes[0]), nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// NewEphemeralKeypair mints a fresh secp256k1 keypair for a deal
// participant (§3.1: "the core mints two ephemeral keypairs... server
// side"). The plaintext private key is returned once to the caller,
// which must hand it to the Notifier for one-time display and never
// persist it.
func NewEphemeralKeypair() (privateKeyHex, address string, err error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", "", err
	}
	privHex := hex.EncodeToString(priv.Serialize())
	addr, err := DeriveTronAddress(privHex)
	if err != nil {
		return "", "", err
	}
	return privHex, addr, nil
}
