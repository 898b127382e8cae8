package tideswap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidewallet/tideswap/chain"
)

// chainMock implements chain.Service against in-memory state.
type chainMock struct {
	mu sync.Mutex

	tip       uint32
	txs       map[chainhash.Hash]*wire.MsgTx
	histories map[string][]chain.History
	balances  map[string]chain.ScriptBalance
	fees      chain.RecommendedFees

	broadcastErr error
	broadcasts   []*wire.MsgTx
}

func newChainMock() *chainMock {
	return &chainMock{
		tip:       800_000,
		txs:       make(map[chainhash.Hash]*wire.MsgTx),
		histories: make(map[string][]chain.History),
		balances:  make(map[string]chain.ScriptBalance),
		fees: chain.RecommendedFees{
			FastestFee:  40,
			HalfHourFee: 20,
			HourFee:     10,
			EconomyFee:  2,
			MinimumFee:  1,
		},
	}
}

// addTx registers a transaction and appends it to the history of every
// script it pays to, at the given height.
func (c *chainMock) addTx(tx *wire.MsgTx, height int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txid := tx.TxHash()
	c.txs[txid] = tx

	for _, txOut := range tx.TxOut {
		key := string(txOut.PkScript)
		c.histories[key] = append(c.histories[key], chain.History{
			TxID:   txid,
			Height: height,
		})
	}
}

// errBroadcast simulates a rejected broadcast.
var errBroadcast = errors.New("broadcast rejected")

// addHistory appends a bare history entry for a script, for txs that spend
// from it rather than pay to it.
func (c *chainMock) addHistory(pkScript []byte, txid chainhash.Hash,
	height int32) {

	c.mu.Lock()
	defer c.mu.Unlock()

	key := string(pkScript)
	c.histories[key] = append(c.histories[key], chain.History{
		TxID:   txid,
		Height: height,
	})
}

// setHistory replaces the history of a script entirely.
func (c *chainMock) setHistory(pkScript []byte, entries []chain.History) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.histories[string(pkScript)] = entries
}

func (c *chainMock) setBalance(pkScript []byte, balance chain.ScriptBalance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.balances[string(pkScript)] = balance
}

func (c *chainMock) Tip(_ context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tip, nil
}

func (c *chainMock) Broadcast(_ context.Context, tx *wire.MsgTx) (
	*chainhash.Hash, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broadcastErr != nil {
		return nil, c.broadcastErr
	}

	c.broadcasts = append(c.broadcasts, tx)
	c.txs[tx.TxHash()] = tx
	txid := tx.TxHash()

	return &txid, nil
}

func (c *chainMock) GetTransactions(_ context.Context,
	txids []chainhash.Hash) ([]*wire.MsgTx, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*wire.MsgTx, 0, len(txids))
	for _, txid := range txids {
		tx, ok := c.txs[txid]
		if !ok {
			return nil, fmt.Errorf("tx %v not found", txid)
		}
		result = append(result, tx)
	}

	return result, nil
}

func (c *chainMock) GetScriptHistory(_ context.Context, pkScript []byte) (
	[]chain.History, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.histories[string(pkScript)], nil
}

func (c *chainMock) GetScriptHistoryWithRetry(ctx context.Context,
	pkScript []byte, _ int) ([]chain.History, error) {

	return c.GetScriptHistory(ctx, pkScript)
}

func (c *chainMock) GetScriptsHistory(ctx context.Context,
	pkScripts [][]byte) ([][]chain.History, error) {

	result := make([][]chain.History, 0, len(pkScripts))
	for _, pkScript := range pkScripts {
		history, err := c.GetScriptHistory(ctx, pkScript)
		if err != nil {
			return nil, err
		}
		result = append(result, history)
	}

	return result, nil
}

func (c *chainMock) GetScriptUtxos(_ context.Context, pkScript []byte) (
	[]chain.Utxo, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	var utxos []chain.Utxo
	for _, entry := range c.histories[string(pkScript)] {
		tx := c.txs[entry.TxID]
		if tx == nil {
			continue
		}
		for i, txOut := range tx.TxOut {
			if !bytes.Equal(txOut.PkScript, pkScript) {
				continue
			}
			utxos = append(utxos, chain.Utxo{
				OutPoint: wire.OutPoint{
					Hash:  entry.TxID,
					Index: uint32(i),
				},
				Value:  btcutil.Amount(txOut.Value),
				Height: entry.Height,
			})
		}
	}

	return utxos, nil
}

func (c *chainMock) ScriptBalance(_ context.Context, pkScript []byte) (
	*chain.ScriptBalance, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	balance := c.balances[string(pkScript)]
	return &balance, nil
}

func (c *chainMock) ScriptBalanceWithRetry(ctx context.Context,
	pkScript []byte, _ int) (*chain.ScriptBalance, error) {

	return c.ScriptBalance(ctx, pkScript)
}

func (c *chainMock) VerifyTx(_ context.Context, pkScript []byte,
	txid chainhash.Hash, rawTx []byte, requireConfirmed bool) (
	*wire.MsgTx, error) {

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, err
	}
	if tx.TxHash() != txid {
		return nil, errors.New("txid mismatch")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.histories[string(pkScript)] {
		if entry.TxID != txid {
			continue
		}
		if requireConfirmed && !entry.Confirmed() {
			return nil, errors.New("tx not confirmed")
		}
		return tx, nil
	}

	return nil, errors.New("tx not in script history")
}

func (c *chainMock) RecommendedFees(_ context.Context) (
	*chain.RecommendedFees, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	fees := c.fees
	return &fees, nil
}

var _ chain.Service = (*chainMock)(nil)
