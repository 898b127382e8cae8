package swap

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	// KeyFamily is the key family used to derive per-swap keys that allow
	// spending of the swap script.
	KeyFamily = int32(99)
)

// KeyLocator identifies a derived key by family and index. Swaps persist the
// locator rather than raw key material, so scripts can be reconstructed from
// the signer's master key alone.
type KeyLocator struct {
	// Family is the key family.
	Family int32

	// Index is the derivation index within the family.
	Index int32
}

// KeyDescriptor couples a key locator with the derived public key.
type KeyDescriptor struct {
	KeyLocator

	// PubKey is the compressed public key at the locator.
	PubKey [33]byte
}

// Signer is the key-material capability consumed by the swap handlers and
// the recoverer. Implementations own the master key; it never leaves them.
type Signer interface {
	// DeriveNextKey derives a fresh keypair in the given family and
	// returns its descriptor.
	DeriveNextKey(ctx context.Context, family int32) (KeyDescriptor, error)

	// DerivePrivKey re-derives the private key for a previously issued
	// descriptor.
	DerivePrivKey(ctx context.Context, loc KeyLocator) (
		*btcec.PrivateKey, error)
}
