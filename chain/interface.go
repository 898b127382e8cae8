package chain

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// History is a single entry of a script history query: a transaction that
// touched the script, together with its confirmation height.
type History struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Height is the confirmation height of the transaction. Zero or
	// negative heights denote an unconfirmed transaction (negative if
	// its parents are unconfirmed too).
	Height int32
}

// Confirmed returns true if the history entry is confirmed.
func (h History) Confirmed() bool {
	return h.Height > 0
}

// Utxo is an unspent output of a watched script.
type Utxo struct {
	// OutPoint identifies the unspent output.
	OutPoint wire.OutPoint

	// Value is the output amount.
	Value btcutil.Amount

	// Height is the confirmation height, zero for unconfirmed.
	Height int32
}

// ScriptBalance is the confirmed and unconfirmed balance of a script.
type ScriptBalance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// RecommendedFees are fee rate estimates in sat/vbyte for a range of
// confirmation targets.
type RecommendedFees struct {
	FastestFee  btcutil.Amount
	HalfHourFee btcutil.Amount
	HourFee     btcutil.Amount
	EconomyFee  btcutil.Amount
	MinimumFee  btcutil.Amount
}

// Service is the interface implemented by types that can fetch data from a
// blockchain data source. One instance exists per tracked chain.
type Service interface {
	// Tip returns the latest known block height.
	Tip(ctx context.Context) (uint32, error)

	// Broadcast broadcasts a transaction and returns its id.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)

	// GetTransactions fetches a list of transactions by id.
	GetTransactions(ctx context.Context, txids []chainhash.Hash) (
		[]*wire.MsgTx, error)

	// GetScriptHistory returns the transactions involving a script.
	GetScriptHistory(ctx context.Context, pkScript []byte) (
		[]History, error)

	// GetScriptHistoryWithRetry returns the transactions involving a
	// script, retrying on an empty result up to retries times.
	GetScriptHistoryWithRetry(ctx context.Context, pkScript []byte,
		retries int) ([]History, error)

	// GetScriptsHistory returns the history of a batch of scripts.
	GetScriptsHistory(ctx context.Context, pkScripts [][]byte) (
		[][]History, error)

	// GetScriptUtxos returns the unspent outputs of a script.
	GetScriptUtxos(ctx context.Context, pkScript []byte) ([]Utxo, error)

	// ScriptBalance returns the confirmed and unconfirmed balance of a
	// script.
	ScriptBalance(ctx context.Context, pkScript []byte) (
		*ScriptBalance, error)

	// ScriptBalanceWithRetry returns the balance of a script, retrying
	// while the balance is zero up to retries times.
	ScriptBalanceWithRetry(ctx context.Context, pkScript []byte,
		retries int) (*ScriptBalance, error)

	// VerifyTx checks that the given raw transaction matches the claimed
	// txid, appears in the history of the given script and, if
	// requireConfirmed is set, is confirmed. It returns the deserialized
	// transaction.
	VerifyTx(ctx context.Context, pkScript []byte, txid chainhash.Hash,
		txHex []byte, requireConfirmed bool) (*wire.MsgTx, error)

	// RecommendedFees returns fee rate estimates in sat/vbyte.
	RecommendedFees(ctx context.Context) (*RecommendedFees, error)
}
