package tideswap

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/tidewallet/tideswap/swap"
)

// newKeySpendTx builds the unsigned single-input transaction for a
// cooperative key path spend of a swap output.
func newKeySpendTx(prevOut wire.OutPoint, prevValue btcutil.Amount,
	destPkScript []byte, fee btcutil.Amount) (*wire.MsgTx, error) {

	outValue := prevValue - fee
	if outValue <= 0 {
		return nil, swap.ErrDustOutput
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		PkScript: destPkScript,
		Value:    int64(outValue),
	})

	return tx, nil
}

// cooperativeClaimSpend completes a key path claim of the given unsigned tx
// with the server. Our preimage is revealed to the server in the exchange,
// so this must only be called once the lockup has been verified. On success
// the final witness is attached to the tx.
func (k *handlerKit) cooperativeClaimSpend(ctx context.Context, swapID string,
	script *swap.Script, ourKey *btcec.PrivateKey, serverKey [33]byte,
	preimage lntypes.Preimage, tx *wire.MsgTx,
	prevValue btcutil.Amount) error {

	rootHash, err := script.TaprootRootHash()
	if err != nil {
		return err
	}

	session, err := swap.NewMusig2Session(ourKey, serverKey, rootHash)
	if err != nil {
		return err
	}

	sigHash, err := swap.KeySpendSigHash(script, tx, prevValue)
	if err != nil {
		return err
	}

	ourNonce := session.PublicNonce()
	resp, err := k.cfg.Server.GetClaimPartialSig(
		ctx, swapID, preimage, hex.EncodeToString(ourNonce[:]),
		hex.EncodeToString(sigHash[:]),
	)
	if err != nil {
		return fmt.Errorf("claim partial sig: %w", err)
	}

	return finalizeKeySpend(session, tx, resp.PubNonce,
		resp.PartialSignature, sigHash)
}

// cooperativeRefundSpend completes a key path refund of the given unsigned
// tx with the server. On success the final witness is attached to the tx.
func (k *handlerKit) cooperativeRefundSpend(ctx context.Context,
	swapID string, script *swap.Script, ourKey *btcec.PrivateKey,
	serverKey [33]byte, tx *wire.MsgTx, prevValue btcutil.Amount) error {

	rootHash, err := script.TaprootRootHash()
	if err != nil {
		return err
	}

	session, err := swap.NewMusig2Session(ourKey, serverKey, rootHash)
	if err != nil {
		return err
	}

	sigHash, err := swap.KeySpendSigHash(script, tx, prevValue)
	if err != nil {
		return err
	}

	ourNonce := session.PublicNonce()
	resp, err := k.cfg.Server.GetRefundPartialSig(
		ctx, swapID, hex.EncodeToString(ourNonce[:]),
		hex.EncodeToString(sigHash[:]),
	)
	if err != nil {
		return fmt.Errorf("refund partial sig: %w", err)
	}

	return finalizeKeySpend(session, tx, resp.PubNonce,
		resp.PartialSignature, sigHash)
}

// finalizeKeySpend combines our partial signature with the server's and
// attaches the resulting key path witness.
func finalizeKeySpend(session *swap.Musig2Session, tx *wire.MsgTx,
	serverNonceHex, serverPartialHex string, sigHash [32]byte) error {

	serverNonce, err := parseNonce(serverNonceHex)
	if err != nil {
		return err
	}

	if _, err := session.Sign(serverNonce, sigHash); err != nil {
		return err
	}

	serverPartial, err := hex.DecodeString(serverPartialHex)
	if err != nil {
		return fmt.Errorf("invalid partial sig hex: %w", err)
	}

	finalSig, err := session.Combine(serverPartial)
	if err != nil {
		return err
	}

	tx.TxIn[0].Witness = wire.TxWitness{finalSig}
	return nil
}
