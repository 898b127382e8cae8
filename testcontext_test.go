package tideswap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tideswap/events"
	"github.com/tidewallet/tideswap/recovery"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// signerMock hands out freshly generated keys and remembers them by index.
type signerMock struct {
	mu   sync.Mutex
	keys []*btcec.PrivateKey
}

func (s *signerMock) DeriveNextKey(_ context.Context, family int32) (
	swap.KeyDescriptor, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return swap.KeyDescriptor{}, err
	}
	s.keys = append(s.keys, priv)

	var pubKey [33]byte
	copy(pubKey[:], priv.PubKey().SerializeCompressed())

	return swap.KeyDescriptor{
		KeyLocator: swap.KeyLocator{
			Family: family,
			Index:  int32(len(s.keys) - 1),
		},
		PubKey: pubKey,
	}, nil
}

func (s *signerMock) DerivePrivKey(_ context.Context, loc swap.KeyLocator) (
	*btcec.PrivateKey, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.keys[loc.Index], nil
}

// walletMock implements the Wallet interface against a single static
// address.
type walletMock struct {
	t      *testing.T
	params *chaincfg.Params

	mu       sync.Mutex
	address  string
	balance  btcutil.Amount
	buildErr error
	built    []*wire.MsgTx
}

func newWalletMock(t *testing.T, params *chaincfg.Params) *walletMock {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)
	require.NoError(t, err)

	return &walletMock{
		t:       t,
		params:  params,
		address: addr.String(),
		balance: 1_000_000,
	}
}

func (w *walletMock) NewAddress(_ context.Context) (string, error) {
	return w.address, nil
}

func (w *walletMock) Balance(_ context.Context) (btcutil.Amount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.balance, nil
}

func (w *walletMock) BuildTx(_ context.Context, address string,
	amount btcutil.Amount) (*wire.MsgTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buildErr != nil {
		return nil, w.buildErr
	}
	if amount > w.balance {
		return nil, ErrInsufficientFunds
	}

	tx, err := payToAddressTx(address, amount, w.params)
	if err != nil {
		return nil, err
	}
	w.built = append(w.built, tx)

	return tx, nil
}

func (w *walletMock) BuildDrainTx(ctx context.Context, address string) (
	*wire.MsgTx, error) {

	w.mu.Lock()
	balance := w.balance
	w.mu.Unlock()

	return w.BuildTx(ctx, address, balance)
}

func (w *walletMock) Transactions(_ context.Context) ([]recovery.WalletTx,
	error) {

	return nil, nil
}

// payToAddressTx builds an unsigned single-output tx paying the address.
func payToAddressTx(address string, amount btcutil.Amount,
	params *chaincfg.Params) (*wire.MsgTx, error) {

	pkScript, err := addressPkScript(address, params)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	return tx, nil
}

// testContext bundles all collaborator mocks around a handler kit.
type testContext struct {
	t *testing.T

	store  *swapdb.StoreMock
	home   *chainMock
	remote *chainMock
	server *serverMock
	stream *streamMock
	wallet *walletMock
	signer *signerMock
	clock  *clock.TestClock

	cfg *Config
	kit *handlerKit

	send    *sendHandler
	receive *receiveHandler
	chains  *chainHandler
}

func newTestContext(t *testing.T) *testContext {
	store := swapdb.NewStoreMock(t)
	home := newChainMock()
	remote := newChainMock()
	server := newServerMock()
	stream := newStreamMock()
	wallet := newWalletMock(t, &chaincfg.RegressionNetParams)
	signer := &signerMock{}
	testClock := clock.NewTestClock(testTime)

	cfg := &Config{
		HomeChain:          home,
		RemoteChain:        remote,
		HomeParams:         &chaincfg.RegressionNetParams,
		RemoteParams:       &chaincfg.RegressionNetParams,
		Server:             server,
		Stream:             stream,
		Store:              store,
		Signer:             signer,
		Wallet:             wallet,
		Clock:              testClock,
		MaxZeroConfAmount:  100_000,
		ZeroConfMinFeeRate: 1.0,
	}
	require.NoError(t, cfg.validate())

	kit := &handlerKit{cfg: cfg, events: events.NewManager()}

	return &testContext{
		t:       t,
		store:   store,
		home:    home,
		remote:  remote,
		server:  server,
		stream:  stream,
		wallet:  wallet,
		signer:  signer,
		clock:   testClock,
		cfg:     cfg,
		kit:     kit,
		send:    newSendHandler(kit),
		receive: newReceiveHandler(kit),
		chains:  newChainHandler(kit),
	}
}

// deriveKey is a test shortcut around the signer mock.
func (ctx *testContext) deriveKey() swap.KeyDescriptor {
	ctx.t.Helper()

	desc, err := ctx.signer.DeriveNextKey(
		context.Background(), swap.KeyFamily,
	)
	require.NoError(ctx.t, err)

	return desc
}

// newKey generates an off-signer keypair, playing the server side.
func (ctx *testContext) newKey() (*btcec.PrivateKey, [33]byte) {
	ctx.t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(ctx.t, err)

	var pubKey [33]byte
	copy(pubKey[:], priv.PubKey().SerializeCompressed())

	return priv, pubKey
}

// testPreimage returns a fixed preimage and its hash.
func testPreimage(t *testing.T) (lntypes.Preimage, lntypes.Hash) {
	t.Helper()

	var raw [32]byte
	copy(raw[:], []byte("test preimage 00000000000000000!"))
	preimage, err := lntypes.MakePreimage(raw[:])
	require.NoError(t, err)

	return preimage, preimage.Hash()
}

// fundingTx builds a tx paying value to pkScript, with the given input
// sequence so tests control RBF signaling.
func fundingTx(prevTxID [32]byte, pkScript []byte, value int64,
	sequence uint32) *wire.MsgTx {

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  prevTxID,
			Index: 0,
		},
		Sequence: sequence,
	})
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	return tx
}

// makeInvoice encodes a signed test invoice for the given hash and amount.
func makeInvoice(t *testing.T, params *chaincfg.Params, hash lntypes.Hash,
	amount btcutil.Amount) string {

	t.Helper()

	payReq, err := zpay32.NewInvoice(
		params, [32]byte(hash), testTime,
		zpay32.Description("swap"),
		zpay32.Amount(lnwire.MilliSatoshi(amount)*1000),
	)
	require.NoError(t, err)

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	encoded, err := payReq.Encode(zpay32.MessageSigner{
		SignCompact: func(msgHash []byte) ([]byte, error) {
			return ecdsa.SignCompact(priv, msgHash, true), nil
		},
	})
	require.NoError(t, err)

	return encoded
}

// p2wkhScript returns a throwaway P2WPKH output script.
func p2wkhScript(t *testing.T) []byte {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(pubKeyHash).Script()
	require.NoError(t, err)

	return script
}
