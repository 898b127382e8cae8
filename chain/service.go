package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// TransportKind selects the transport a chain explorer is reached through.
type TransportKind uint8

const (
	// TransportElectrum is the indexer-style electrum transport.
	TransportElectrum TransportKind = iota

	// TransportNode is the full-node JSON-RPC transport.
	TransportNode
)

// ExplorerConfig describes one chain data source. A service is configured
// with an ordered list of explorers and fails over to the next one when the
// active client becomes unavailable.
type ExplorerConfig struct {
	// Kind is the transport used to reach the explorer.
	Kind TransportKind

	// URL is the explorer endpoint.
	URL string

	// User and Pass are the node RPC credentials, unused for electrum.
	User string
	Pass string
}

var (
	// ErrNoClients is returned when no configured explorer is reachable.
	ErrNoClients = errors.New("no working chain clients found")

	// ErrTxNotInHistory is returned by VerifyTx when the claimed tx does
	// not appear in the script history.
	ErrTxNotInHistory = errors.New("tx not found in script history")

	// ErrTxNotConfirmed is returned by VerifyTx when confirmation was
	// required but the tx is unconfirmed.
	ErrTxNotConfirmed = errors.New("tx not confirmed")

	// ErrTxMismatch is returned by VerifyTx when the raw tx does not
	// hash to the claimed txid.
	ErrTxMismatch = errors.New("tx hex does not match txid")
)

// client is the transport-level interface shared by the electrum and node
// backends. Implementations are not safe for concurrent in-flight calls and
// are guarded by the service mutex.
type client interface {
	tip(ctx context.Context) (uint32, error)
	broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
	getTransaction(ctx context.Context, txid chainhash.Hash) (
		*wire.MsgTx, error)
	getScriptHistory(ctx context.Context, pkScript []byte) (
		[]History, error)
	getScriptUtxos(ctx context.Context, pkScript []byte) ([]Utxo, error)
	scriptBalance(ctx context.Context, pkScript []byte) (
		*ScriptBalance, error)
	estimateFees(ctx context.Context) (*RecommendedFees, error)
	isAvailable(ctx context.Context) bool
	close()
}

// service implements Service over a prioritized list of explorers.
type service struct {
	params    *chaincfg.Params
	explorers []ExplorerConfig
	clock     clock.Clock

	// mu guards the active client and the cached tip. The underlying
	// clients support only one in-flight call.
	mu           sync.Mutex
	active       client
	lastKnownTip *uint32
}

// NewService creates a chain service for the given chain parameters and
// explorer list. The same implementation serves the Bitcoin-like and the
// Liquid-like chain, differing only in parameters.
func NewService(params *chaincfg.Params,
	explorers []ExplorerConfig) Service {

	return &service{
		params:    params,
		explorers: explorers,
		clock:     clock.NewDefaultClock(),
	}
}

// connect returns the active client, establishing or re-establishing a
// connection if needed. Callers must hold the service mutex.
func (s *service) connect(ctx context.Context) (client, error) {
	if s.active != nil && s.active.isAvailable(ctx) {
		return s.active, nil
	}

	if s.active != nil {
		s.active.close()
		s.active = nil
	}

	for _, explorer := range s.explorers {
		var (
			c   client
			err error
		)
		switch explorer.Kind {
		case TransportElectrum:
			c, err = newElectrumClient(explorer.URL)

		case TransportNode:
			c, err = newNodeClient(
				explorer.URL, explorer.User, explorer.Pass,
				s.params,
			)

		default:
			err = fmt.Errorf("unknown transport %v", explorer.Kind)
		}
		if err != nil {
			log.Warnf("Chain explorer %v unavailable: %v",
				explorer.URL, err)
			continue
		}
		if !c.isAvailable(ctx) {
			c.close()
			continue
		}

		s.active = c
		return c, nil
	}

	return nil, ErrNoClients
}

func (s *service) Tip(ctx context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}

	tip, err := c.tip(ctx)
	if err != nil {
		// Indexers briefly report errors while switching tips. Fall
		// back to the last tip we saw rather than failing the read.
		if s.lastKnownTip != nil {
			return *s.lastKnownTip, nil
		}

		return 0, fmt.Errorf("failed to get tip: %w", err)
	}

	s.lastKnownTip = &tip
	return tip, nil
}

func (s *service) Broadcast(ctx context.Context, tx *wire.MsgTx) (
	*chainhash.Hash, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	return c.broadcast(ctx, tx)
}

func (s *service) GetTransactions(ctx context.Context,
	txids []chainhash.Hash) ([]*wire.MsgTx, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	txs := make([]*wire.MsgTx, 0, len(txids))
	for _, txid := range txids {
		tx, err := c.getTransaction(ctx, txid)
		if err != nil {
			return nil, fmt.Errorf("fetch tx %v: %w", txid, err)
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

func (s *service) GetScriptHistory(ctx context.Context, pkScript []byte) (
	[]History, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	return c.getScriptHistory(ctx, pkScript)
}

func (s *service) GetScriptHistoryWithRetry(ctx context.Context,
	pkScript []byte, retries int) ([]History, error) {

	log.Debugf("Fetching script history for %x", scriptHash(pkScript))

	return WithEmptyRetry(
		ctx, s.clock, retries, func() ([]History, error) {
			return s.GetScriptHistory(ctx, pkScript)
		},
	)
}

func (s *service) GetScriptsHistory(ctx context.Context,
	pkScripts [][]byte) ([][]History, error) {

	histories := make([][]History, 0, len(pkScripts))
	for _, pkScript := range pkScripts {
		history, err := s.GetScriptHistory(ctx, pkScript)
		if err != nil {
			return nil, err
		}
		histories = append(histories, history)
	}

	return histories, nil
}

func (s *service) GetScriptUtxos(ctx context.Context, pkScript []byte) (
	[]Utxo, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	return c.getScriptUtxos(ctx, pkScript)
}

func (s *service) ScriptBalance(ctx context.Context, pkScript []byte) (
	*ScriptBalance, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	return c.scriptBalance(ctx, pkScript)
}

func (s *service) ScriptBalanceWithRetry(ctx context.Context,
	pkScript []byte, retries int) (*ScriptBalance, error) {

	balances, err := WithEmptyRetry(
		ctx, s.clock, retries, func() ([]ScriptBalance, error) {
			balance, err := s.ScriptBalance(ctx, pkScript)
			if err != nil {
				return nil, err
			}
			if balance.Confirmed == 0 &&
				balance.Unconfirmed == 0 {

				return nil, nil
			}

			return []ScriptBalance{*balance}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if len(balances) == 0 {
		return &ScriptBalance{}, nil
	}

	return &balances[0], nil
}

func (s *service) VerifyTx(ctx context.Context, pkScript []byte,
	txid chainhash.Hash, txHex []byte, requireConfirmed bool) (
	*wire.MsgTx, error) {

	history, err := s.GetScriptHistory(ctx, pkScript)
	if err != nil {
		return nil, err
	}

	for _, entry := range history {
		if entry.TxID != txid {
			continue
		}

		if requireConfirmed && !entry.Confirmed() {
			return nil, ErrTxNotConfirmed
		}

		tx := &wire.MsgTx{}
		err := tx.Deserialize(bytes.NewReader(txHex))
		if err != nil {
			return nil, fmt.Errorf("invalid tx hex: %w", err)
		}
		if tx.TxHash() != txid {
			return nil, ErrTxMismatch
		}

		return tx, nil
	}

	return nil, ErrTxNotInHistory
}

func (s *service) RecommendedFees(ctx context.Context) (
	*RecommendedFees, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	return c.estimateFees(ctx)
}
