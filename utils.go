package tideswap

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

// generatePreimage draws a fresh random swap preimage.
func generatePreimage() (lntypes.Preimage, error) {
	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return preimage, err
	}

	return preimage, nil
}

// parsePubKey parses a hex encoded compressed public key.
func parsePubKey(pubKeyHex string) ([33]byte, error) {
	var pubKey [33]byte

	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return pubKey, fmt.Errorf("invalid public key hex: %w", err)
	}
	if len(raw) != 33 {
		return pubKey, fmt.Errorf("invalid public key length %d",
			len(raw))
	}
	copy(pubKey[:], raw)

	return pubKey, nil
}

// parseNonce parses a hex encoded musig2 public nonce.
func parseNonce(nonceHex string) ([musig2.PubNonceSize]byte, error) {
	var nonce [musig2.PubNonceSize]byte

	raw, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nonce, fmt.Errorf("invalid nonce hex: %w", err)
	}
	if len(raw) != musig2.PubNonceSize {
		return nonce, fmt.Errorf("invalid nonce length %d", len(raw))
	}
	copy(nonce[:], raw)

	return nonce, nil
}

// parseSigHash parses a hex encoded 32 byte signature hash.
func parseSigHash(sigHashHex string) ([32]byte, error) {
	var sigHash [32]byte

	raw, err := hex.DecodeString(sigHashHex)
	if err != nil {
		return sigHash, fmt.Errorf("invalid sighash hex: %w", err)
	}
	if len(raw) != 32 {
		return sigHash, fmt.Errorf("invalid sighash length %d",
			len(raw))
	}
	copy(sigHash[:], raw)

	return sigHash, nil
}

// addressPkScript renders the output script paying to the given address.
func addressPkScript(address string, params *chaincfg.Params) ([]byte,
	error) {

	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %v: %w", address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %v is for the wrong network",
			address)
	}

	return txscript.PayToAddrScript(addr)
}

// decodeTx deserializes a hex encoded transaction.
func decodeTx(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid tx: %w", err)
	}

	return tx, nil
}

// txSignalsRBF returns true if any input of the transaction explicitly
// signals replaceability.
func txSignalsRBF(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if txIn.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}

	return false
}

// outputSumToScript sums the outputs of a transaction paying to the given
// pkScript.
func outputSumToScript(tx *wire.MsgTx, pkScript []byte) btcutil.Amount {
	var sum btcutil.Amount
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			sum += btcutil.Amount(out.Value)
		}
	}

	return sum
}
