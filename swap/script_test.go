package swap

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

func testScriptKeys(t *testing.T) ([33]byte, [33]byte, lntypes.Preimage) {
	t.Helper()

	var claimKey, refundKey [33]byte
	for _, key := range []*[33]byte{&claimKey, &refundKey} {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		copy(key[:], priv.PubKey().SerializeCompressed())
	}

	var preimage lntypes.Preimage
	copy(preimage[:], []byte("preimage preimage preimage 1234!"))

	return claimKey, refundKey, preimage
}

func TestNewScriptTaproot(t *testing.T) {
	claimKey, refundKey, preimage := testScriptKeys(t)

	script, err := NewScript(
		ScriptTaproot, 800_000, claimKey, refundKey, preimage.Hash(),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	// Taproot swap outputs are P2TR.
	require.Len(t, script.PkScript, 34)
	require.EqualValues(t, txscript.OP_1, script.PkScript[0])
	require.Equal(
		t, script.Address.String(), script.Address.EncodeAddress(),
	)

	// The same parameters always derive the same address, so both swap
	// parties agree on the lockup output.
	again, err := NewScript(
		ScriptTaproot, 800_000, claimKey, refundKey, preimage.Hash(),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, script.PkScript, again.PkScript)

	// A different timeout moves the script tree and thus the output key.
	other, err := NewScript(
		ScriptTaproot, 800_001, claimKey, refundKey, preimage.Hash(),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.NotEqual(t, script.PkScript, other.PkScript)

	_, err = script.TaprootRootHash()
	require.NoError(t, err)
}

func TestNewScriptV0(t *testing.T) {
	claimKey, refundKey, preimage := testScriptKeys(t)

	script, err := NewScript(
		ScriptV0, 800_000, claimKey, refundKey, preimage.Hash(),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	// Segwit v0 swap outputs are P2WSH.
	require.Len(t, script.PkScript, 34)
	require.EqualValues(t, txscript.OP_0, script.PkScript[0])

	// There is no tapscript tree to reveal on a v0 script.
	_, err = script.TaprootRootHash()
	require.ErrorIs(t, err, ErrInvalidScriptVersion)
}

func TestGenClaimWitnessChecksPreimage(t *testing.T) {
	claimKey, refundKey, preimage := testScriptKeys(t)

	script, err := NewScript(
		ScriptTaproot, 800_000, claimKey, refundKey, preimage.Hash(),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	sig := make([]byte, 64)

	witness, err := script.GenClaimWitness(sig, preimage)
	require.NoError(t, err)
	require.Len(t, witness, 4)
	require.Equal(t, preimage[:], witness[0])
	require.True(t, script.IsClaimWitness(witness))

	var wrong lntypes.Preimage
	_, err = script.GenClaimWitness(sig, wrong)
	require.ErrorIs(t, err, ErrPreimageMismatch)

	// Refund witnesses do not reveal a preimage.
	refundWitness, err := script.GenRefundWitness(sig)
	require.NoError(t, err)
	require.Len(t, refundWitness, 3)
	require.False(t, script.IsClaimWitness(refundWitness))
}

func TestMatchesOutput(t *testing.T) {
	claimKey, refundKey, preimage := testScriptKeys(t)

	script, err := NewScript(
		ScriptTaproot, 800_000, claimKey, refundKey, preimage.Hash(),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(1_000, []byte{txscript.OP_TRUE}))
	require.False(t, script.MatchesOutput(tx))

	tx.AddTxOut(wire.NewTxOut(2_000, script.PkScript))
	require.True(t, script.MatchesOutput(tx))
}

func TestWitnessSizeEstimates(t *testing.T) {
	claimKey, refundKey, preimage := testScriptKeys(t)

	script, err := NewScript(
		ScriptTaproot, 800_000, claimKey, refundKey, preimage.Hash(),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	sig := make([]byte, 64)

	witness, err := script.GenClaimWitness(sig, preimage)
	require.NoError(t, err)
	require.LessOrEqual(t, witness.SerializeSize(),
		script.MaxClaimWitnessSize())

	refundWitness, err := script.GenRefundWitness(sig)
	require.NoError(t, err)
	require.LessOrEqual(t, refundWitness.SerializeSize(),
		script.MaxRefundWitnessSize())
}
