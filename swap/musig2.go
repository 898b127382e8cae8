package swap

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
)

// Musig2Session wraps a two-party musig2 signing session over the taproot
// key path of a swap script. The remote party is always the swap server.
type Musig2Session struct {
	session *musig2.Session
}

// NewMusig2Session creates a musig session for the aggregate of our key and
// the server's key, tweaked with the swap script's tapscript root.
func NewMusig2Session(ourKey *btcec.PrivateKey, serverKey [33]byte,
	rootHash [32]byte) (*Musig2Session, error) {

	serverPub, err := btcec.ParsePubKey(serverKey[:])
	if err != nil {
		return nil, err
	}

	signers := []*btcec.PublicKey{ourKey.PubKey(), serverPub}

	musigCtx, err := musig2.NewContext(
		ourKey, true, musig2.WithTaprootTweakCtx(rootHash[:]),
		musig2.WithKnownSigners(signers),
	)
	if err != nil {
		return nil, fmt.Errorf("musig2 context: %w", err)
	}

	session, err := musigCtx.NewSession()
	if err != nil {
		return nil, fmt.Errorf("musig2 session: %w", err)
	}

	return &Musig2Session{session: session}, nil
}

// PublicNonce returns our public nonce to be sent to the server.
func (m *Musig2Session) PublicNonce() [musig2.PubNonceSize]byte {
	return m.session.PublicNonce()
}

// Sign registers the server's nonce and produces our partial signature over
// the given sighash.
func (m *Musig2Session) Sign(serverNonce [musig2.PubNonceSize]byte,
	sigHash [32]byte) ([]byte, error) {

	haveAll, err := m.session.RegisterPubNonce(serverNonce)
	if err != nil {
		return nil, fmt.Errorf("register nonce: %w", err)
	}
	if !haveAll {
		return nil, fmt.Errorf("missing nonces after registration")
	}

	partialSig, err := m.session.Sign(
		sigHash, musig2.WithSortedKeys(),
	)
	if err != nil {
		return nil, fmt.Errorf("partial sign: %w", err)
	}

	var buf bytes.Buffer
	if err := partialSig.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Combine merges the server's partial signature into the session and returns
// the final schnorr signature once complete.
func (m *Musig2Session) Combine(serverPartial []byte) ([]byte, error) {
	var partialSig musig2.PartialSignature
	err := partialSig.Decode(bytes.NewReader(serverPartial))
	if err != nil {
		return nil, fmt.Errorf("decode partial sig: %w", err)
	}

	done, err := m.session.CombineSig(&partialSig)
	if err != nil {
		return nil, fmt.Errorf("combine sig: %w", err)
	}
	if !done {
		return nil, fmt.Errorf("incomplete signature after combine")
	}

	return m.session.FinalSig().Serialize(), nil
}
