package swap

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrOutputNotFound is returned when a transaction does not pay to
	// the expected swap script.
	ErrOutputNotFound = errors.New("cannot determine outpoint")

	// ErrDustOutput is returned when a claim or refund would create a
	// dust output.
	ErrDustOutput = errors.New("output amount below dust limit")
)

// dustLimit is the smallest output we are willing to create when sweeping a
// swap output.
const dustLimit = btcutil.Amount(546)

// GetScriptOutput locates the given pkScript in the outputs of a transaction
// and returns its outpoint and value.
func GetScriptOutput(tx *wire.MsgTx, pkScript []byte) (
	*wire.OutPoint, btcutil.Amount, error) {

	for idx, output := range tx.TxOut {
		if bytes.Equal(output.PkScript, pkScript) {
			return &wire.OutPoint{
				Hash:  tx.TxHash(),
				Index: uint32(idx),
			}, btcutil.Amount(output.Value), nil
		}
	}

	return nil, 0, ErrOutputNotFound
}

// NewClaimTx builds and signs the transaction spending the claim path of a
// swap script, revealing the preimage.
func NewClaimTx(script *Script, prevOut wire.OutPoint,
	prevValue btcutil.Amount, destPkScript []byte, fee btcutil.Amount,
	preimage lntypes.Preimage, claimKey *btcec.PrivateKey) (
	*wire.MsgTx, error) {

	outValue := prevValue - fee
	if outValue < dustLimit {
		return nil, ErrDustOutput
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,
		Sequence:         script.ClaimSequence(),
	})
	tx.AddTxOut(&wire.TxOut{
		PkScript: destPkScript,
		Value:    int64(outValue),
	})

	claimSig, err := signSpend(
		script, tx, prevValue, script.ClaimScript(), claimKey,
	)
	if err != nil {
		return nil, err
	}

	witness, err := script.GenClaimWitness(claimSig, preimage)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = witness

	return tx, nil
}

// NewRefundTx builds and signs the transaction spending the refund path of a
// swap script after its timeout.
func NewRefundTx(script *Script, prevOut wire.OutPoint,
	prevValue btcutil.Amount, destPkScript []byte, fee btcutil.Amount,
	timeoutHeight uint32, refundKey *btcec.PrivateKey) (
	*wire.MsgTx, error) {

	outValue := prevValue - fee
	if outValue < dustLimit {
		return nil, ErrDustOutput
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = timeoutHeight
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,

		// The refund path enforces an absolute locktime, so the
		// sequence only needs to be non-final.
		Sequence: wire.MaxTxInSequenceNum - 1,
	})
	tx.AddTxOut(&wire.TxOut{
		PkScript: destPkScript,
		Value:    int64(outValue),
	})

	refundSig, err := signSpend(
		script, tx, prevValue, script.RefundScript(), refundKey,
	)
	if err != nil {
		return nil, err
	}

	witness, err := script.GenRefundWitness(refundSig)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = witness

	return tx, nil
}

// signSpend produces the raw signature for a spend of the swap output via
// the given leaf or witness script. The signature does not include a sighash
// flag, the witness generators append it where required.
func signSpend(script *Script, tx *wire.MsgTx, prevValue btcutil.Amount,
	spendScript []byte, key *btcec.PrivateKey) ([]byte, error) {

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		script.PkScript, int64(prevValue),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	switch script.Version {
	case ScriptV0:
		sigHash, err := txscript.CalcWitnessSigHash(
			spendScript, sigHashes, script.SigHash(), tx, 0,
			int64(prevValue),
		)
		if err != nil {
			return nil, err
		}

		return ecdsa.Sign(key, sigHash).Serialize(), nil

	case ScriptTaproot:
		leaf := txscript.NewBaseTapLeaf(spendScript)
		sigHash, err := txscript.CalcTapscriptSignaturehash(
			sigHashes, script.SigHash(), tx, 0, prevOutFetcher,
			leaf,
		)
		if err != nil {
			return nil, err
		}

		sig, err := schnorr.Sign(key, sigHash)
		if err != nil {
			return nil, err
		}

		return sig.Serialize(), nil

	default:
		return nil, ErrInvalidScriptVersion
	}
}

// KeySpendSigHash computes the taproot key path sighash for a cooperative
// spend of the swap output.
func KeySpendSigHash(script *Script, tx *wire.MsgTx,
	prevValue btcutil.Amount) ([32]byte, error) {

	var sigHash [32]byte

	if script.Version != ScriptTaproot {
		return sigHash, fmt.Errorf("%w: key spend requires taproot",
			ErrInvalidScriptVersion)
	}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		script.PkScript, int64(prevValue),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	hash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, 0, prevOutFetcher,
	)
	if err != nil {
		return sigHash, err
	}

	copy(sigHash[:], hash)
	return sigHash, nil
}

// VerifySpend executes the scripts of the given transaction spending the
// swap output and returns an error if the witness does not satisfy the swap
// script's spend conditions.
func VerifySpend(script *Script, tx *wire.MsgTx,
	prevValue btcutil.Amount) error {

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		script.PkScript, int64(prevValue),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	vm, err := txscript.NewEngine(
		script.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		sigHashes, int64(prevValue), prevOutFetcher,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}
