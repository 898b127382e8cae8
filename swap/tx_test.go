package swap

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const (
	spendTestValue   = btcutil.Amount(100_000)
	spendTestFee     = btcutil.Amount(500)
	spendTestTimeout = int32(800_000)
)

var spendTestVersions = map[string]ScriptVersion{
	"v0":      ScriptV0,
	"taproot": ScriptTaproot,
}

// spendTestSetup derives a swap script with deterministic keys and a fake
// lockup outpoint to spend from.
func spendTestSetup(t *testing.T, version ScriptVersion) (*Script,
	*btcec.PrivateKey, *btcec.PrivateKey, lntypes.Preimage,
	wire.OutPoint, []byte) {

	t.Helper()

	claimPriv, _ := btcec.PrivKeyFromBytes([]byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30,
		31, 32,
	})
	refundPriv, _ := btcec.PrivKeyFromBytes([]byte{
		32, 31, 30, 29, 28, 27, 26, 25, 24, 23, 22, 21, 20, 19,
		18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3,
		2, 1,
	})

	var claimKey, refundKey [33]byte
	copy(claimKey[:], claimPriv.PubKey().SerializeCompressed())
	copy(refundKey[:], refundPriv.PubKey().SerializeCompressed())

	var preimage lntypes.Preimage
	copy(preimage[:], []byte("spend test preimage 123456789012"))

	script, err := NewScript(
		version, spendTestTimeout, claimKey, refundKey,
		preimage.Hash(), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	prevOut := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}

	destPkScript := make([]byte, 22)
	destPkScript[1] = 20

	return script, claimPriv, refundPriv, preimage, prevOut, destPkScript
}

// TestClaimTxRoundTrip constructs, signs and script-verifies a claim for
// both script versions.
func TestClaimTxRoundTrip(t *testing.T) {
	for name, version := range spendTestVersions {
		t.Run(name, func(t *testing.T) {
			script, claimPriv, _, preimage, prevOut,
				destPkScript := spendTestSetup(t, version)

			tx, err := NewClaimTx(
				script, prevOut, spendTestValue,
				destPkScript, spendTestFee, preimage,
				claimPriv,
			)
			require.NoError(t, err)

			require.Len(t, tx.TxIn, 1)
			require.EqualValues(
				t, spendTestValue-spendTestFee,
				tx.TxOut[0].Value,
			)
			require.True(
				t, script.IsClaimWitness(tx.TxIn[0].Witness),
			)

			require.NoError(
				t, VerifySpend(script, tx, spendTestValue),
			)
		})
	}
}

// TestClaimTxWrongPreimage checks that a claim with a preimage that does not
// hash to the committed hash is rejected before signing completes.
func TestClaimTxWrongPreimage(t *testing.T) {
	script, claimPriv, _, _, prevOut, destPkScript := spendTestSetup(
		t, ScriptTaproot,
	)

	var wrong lntypes.Preimage
	_, err := NewClaimTx(
		script, prevOut, spendTestValue, destPkScript, spendTestFee,
		wrong, claimPriv,
	)
	require.ErrorIs(t, err, ErrPreimageMismatch)
}

// TestClaimTxDustOutput checks the dust floor on the swept output.
func TestClaimTxDustOutput(t *testing.T) {
	script, claimPriv, _, preimage, prevOut, destPkScript := spendTestSetup(
		t, ScriptTaproot,
	)

	_, err := NewClaimTx(
		script, prevOut, dustLimit+spendTestFee-1, destPkScript,
		spendTestFee, preimage, claimPriv,
	)
	require.ErrorIs(t, err, ErrDustOutput)
}

// TestRefundTxRoundTrip constructs, signs and script-verifies a timeout
// refund for both script versions.
func TestRefundTxRoundTrip(t *testing.T) {
	for name, version := range spendTestVersions {
		t.Run(name, func(t *testing.T) {
			script, _, refundPriv, _, prevOut,
				destPkScript := spendTestSetup(t, version)

			tx, err := NewRefundTx(
				script, prevOut, spendTestValue,
				destPkScript, spendTestFee,
				uint32(spendTestTimeout), refundPriv,
			)
			require.NoError(t, err)

			require.EqualValues(
				t, spendTestTimeout, tx.LockTime,
			)
			require.False(
				t, script.IsClaimWitness(tx.TxIn[0].Witness),
			)

			require.NoError(
				t, VerifySpend(script, tx, spendTestValue),
			)
		})
	}
}

// TestRefundTxBeforeTimeout checks that a refund with a locktime below the
// script timeout fails the locktime check.
func TestRefundTxBeforeTimeout(t *testing.T) {
	script, _, refundPriv, _, prevOut, destPkScript := spendTestSetup(
		t, ScriptTaproot,
	)

	tx, err := NewRefundTx(
		script, prevOut, spendTestValue, destPkScript, spendTestFee,
		uint32(spendTestTimeout)-1, refundPriv,
	)
	require.NoError(t, err)

	require.Error(t, VerifySpend(script, tx, spendTestValue))
}

// TestRefundTxWrongKey checks that the claim key cannot take the refund
// path.
func TestRefundTxWrongKey(t *testing.T) {
	script, claimPriv, _, _, prevOut, destPkScript := spendTestSetup(
		t, ScriptTaproot,
	)

	tx, err := NewRefundTx(
		script, prevOut, spendTestValue, destPkScript, spendTestFee,
		uint32(spendTestTimeout), claimPriv,
	)
	require.NoError(t, err)

	require.Error(t, VerifySpend(script, tx, spendTestValue))
}

// TestCooperativeKeySpend runs a full two party musig2 exchange over the
// taproot key path and script-verifies the resulting single signature
// spend.
func TestCooperativeKeySpend(t *testing.T) {
	script, claimPriv, refundPriv, _, prevOut,
		destPkScript := spendTestSetup(t, ScriptTaproot)

	var claimKey, refundKey [33]byte
	copy(claimKey[:], claimPriv.PubKey().SerializeCompressed())
	copy(refundKey[:], refundPriv.PubKey().SerializeCompressed())

	rootHash, err := script.TaprootRootHash()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: prevOut})
	tx.AddTxOut(&wire.TxOut{
		PkScript: destPkScript,
		Value:    int64(spendTestValue - spendTestFee),
	})

	sigHash, err := KeySpendSigHash(script, tx, spendTestValue)
	require.NoError(t, err)

	// Each party sees the other as the server side of the exchange.
	ourSession, err := NewMusig2Session(claimPriv, refundKey, rootHash)
	require.NoError(t, err)
	theirSession, err := NewMusig2Session(refundPriv, claimKey, rootHash)
	require.NoError(t, err)

	ourNonce := ourSession.PublicNonce()
	theirNonce := theirSession.PublicNonce()

	ourPartial, err := ourSession.Sign(theirNonce, sigHash)
	require.NoError(t, err)

	theirPartial, err := theirSession.Sign(ourNonce, sigHash)
	require.NoError(t, err)
	require.NotEqual(t, ourPartial, theirPartial)

	finalSig, err := ourSession.Combine(theirPartial)
	require.NoError(t, err)
	require.Len(t, finalSig, 64)

	tx.TxIn[0].Witness = wire.TxWitness{finalSig}
	require.False(t, script.IsClaimWitness(tx.TxIn[0].Witness))

	require.NoError(t, VerifySpend(script, tx, spendTestValue))
}
