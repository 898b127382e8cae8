package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// maxHistoryTxs caps the number of transactions fetched for a single script.
// Swap scripts see at most a handful of transactions, anything beyond this
// indicates a misuse of the address.
const maxHistoryTxs = 100

// nodeClient is the full-node-style transport, backed by the JSON-RPC
// interface of a btcd/bitcoind style node with transaction indexing enabled.
type nodeClient struct {
	rpc    *rpcclient.Client
	params *chaincfg.Params
}

// newNodeClient connects to a full node over HTTP POST JSON-RPC.
func newNodeClient(host, user, pass string, params *chaincfg.Params) (
	*nodeClient, error) {

	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("node rpc %v: %w", host, err)
	}

	return &nodeClient{
		rpc:    rpc,
		params: params,
	}, nil
}

func (c *nodeClient) tip(ctx context.Context) (uint32, error) {
	count, err := c.rpc.GetBlockCount()
	if err != nil {
		return 0, err
	}

	return uint32(count), nil
}

func (c *nodeClient) broadcast(ctx context.Context, tx *wire.MsgTx) (
	*chainhash.Hash, error) {

	return c.rpc.SendRawTransaction(tx, false)
}

func (c *nodeClient) getTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := c.rpc.GetRawTransaction(&txid)
	if err != nil {
		return nil, err
	}

	return tx.MsgTx(), nil
}

// scriptAddress renders the script as an address, required because the node
// RPC interface indexes by address rather than script hash.
func (c *nodeClient) scriptAddress(pkScript []byte) (btcutil.Address, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, c.params)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, fmt.Errorf("script does not map to a single "+
			"address (got %d)", len(addrs))
	}

	return addrs[0], nil
}

func (c *nodeClient) getScriptHistory(ctx context.Context,
	pkScript []byte) ([]History, error) {

	results, tipHeight, err := c.searchScriptTxs(ctx, pkScript)
	if err != nil {
		return nil, err
	}

	history := make([]History, 0, len(results))
	for _, res := range results {
		txid, err := chainhash.NewHashFromStr(res.Txid)
		if err != nil {
			return nil, err
		}

		var height int32
		if res.Confirmations > 0 {
			height = int32(tipHeight) -
				int32(res.Confirmations) + 1
		}

		history = append(history, History{
			TxID:   *txid,
			Height: height,
		})
	}

	return history, nil
}

func (c *nodeClient) getScriptUtxos(ctx context.Context,
	pkScript []byte) ([]Utxo, error) {

	results, tipHeight, err := c.searchScriptTxs(ctx, pkScript)
	if err != nil {
		return nil, err
	}

	// Collect outputs paying to the script, then remove the ones spent
	// by any other transaction in the same history.
	type candidate struct {
		utxo Utxo
	}
	candidates := make(map[wire.OutPoint]candidate)
	spent := make(map[wire.OutPoint]struct{})

	for _, res := range results {
		raw, err := hex.DecodeString(res.Hex)
		if err != nil {
			return nil, err
		}
		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, err
		}

		var height int32
		if res.Confirmations > 0 {
			height = int32(tipHeight) -
				int32(res.Confirmations) + 1
		}

		txid := tx.TxHash()
		for idx, out := range tx.TxOut {
			if !bytes.Equal(out.PkScript, pkScript) {
				continue
			}
			op := wire.OutPoint{Hash: txid, Index: uint32(idx)}
			candidates[op] = candidate{utxo: Utxo{
				OutPoint: op,
				Value:    btcutil.Amount(out.Value),
				Height:   height,
			}}
		}
		for _, in := range tx.TxIn {
			spent[in.PreviousOutPoint] = struct{}{}
		}
	}

	var utxos []Utxo
	for op, cand := range candidates {
		if _, ok := spent[op]; ok {
			continue
		}
		utxos = append(utxos, cand.utxo)
	}

	return utxos, nil
}

func (c *nodeClient) scriptBalance(ctx context.Context,
	pkScript []byte) (*ScriptBalance, error) {

	utxos, err := c.getScriptUtxos(ctx, pkScript)
	if err != nil {
		return nil, err
	}

	balance := &ScriptBalance{}
	for _, utxo := range utxos {
		if utxo.Height > 0 {
			balance.Confirmed += utxo.Value
		} else {
			balance.Unconfirmed += utxo.Value
		}
	}

	return balance, nil
}

func (c *nodeClient) estimateFees(ctx context.Context) (
	*RecommendedFees, error) {

	estimate := func(target int64) (btcutil.Amount, error) {
		mode := btcjson.EstimateModeConservative
		res, err := c.rpc.EstimateSmartFee(target, &mode)
		if err != nil {
			return 0, err
		}
		if res.FeeRate == nil || *res.FeeRate <= 0 {
			return 1, nil
		}

		amt, err := btcutil.NewAmount(*res.FeeRate / 1000)
		if err != nil {
			return 0, err
		}
		if amt < 1 {
			amt = 1
		}

		return amt, nil
	}

	fastest, err := estimate(1)
	if err != nil {
		return nil, err
	}
	halfHour, err := estimate(3)
	if err != nil {
		return nil, err
	}
	hour, err := estimate(6)
	if err != nil {
		return nil, err
	}
	economy, err := estimate(25)
	if err != nil {
		return nil, err
	}

	return &RecommendedFees{
		FastestFee:  fastest,
		HalfHourFee: halfHour,
		HourFee:     hour,
		EconomyFee:  economy,
		MinimumFee:  1,
	}, nil
}

// searchScriptTxs fetches all indexed transactions involving the script's
// address along with the current tip height.
func (c *nodeClient) searchScriptTxs(ctx context.Context, pkScript []byte) (
	[]*btcjson.SearchRawTransactionsResult, uint32, error) {

	addr, err := c.scriptAddress(pkScript)
	if err != nil {
		return nil, 0, err
	}

	tipHeight, err := c.tip(ctx)
	if err != nil {
		return nil, 0, err
	}

	results, err := c.rpc.SearchRawTransactionsVerbose(
		addr, 0, maxHistoryTxs, true, false, nil,
	)
	if err != nil {
		// An unused address has no history, which the node reports
		// as an error rather than an empty list.
		if rpcErr, ok := err.(*btcjson.RPCError); ok &&
			rpcErr.Code == btcjson.ErrRPCNoTxInfo {

			return nil, tipHeight, nil
		}

		return nil, 0, err
	}

	return results, tipHeight, nil
}

func (c *nodeClient) isAvailable(ctx context.Context) bool {
	return c.rpc.Ping() == nil
}

func (c *nodeClient) close() {
	c.rpc.Shutdown()
}
