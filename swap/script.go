package swap

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

// ScriptVersion defines the swap script version.
type ScriptVersion uint8

const (
	// ScriptV0 refers to the segwit v0 swap script.
	ScriptV0 ScriptVersion = iota

	// ScriptTaproot refers to the tapscript swap script with a musig2
	// aggregated internal key enabling cooperative key path spends.
	ScriptTaproot
)

var (
	// ErrInvalidScriptVersion is returned on an unknown script version.
	ErrInvalidScriptVersion = errors.New("invalid script version")

	// ErrPreimageMismatch is returned when a preimage does not hash to
	// the committed hash of a script.
	ErrPreimageMismatch = errors.New("preimage doesn't match hash")
)

// SwapScript defines an interface for the different swap script
// implementations.
type SwapScript interface {
	// genClaimWitness returns the witness to spend the script with the
	// preimage.
	genClaimWitness(claimSig []byte, preimage lntypes.Preimage) (
		wire.TxWitness, error)

	// GenRefundWitness returns the witness to spend the script after
	// timeout.
	GenRefundWitness(refundSig []byte) (wire.TxWitness, error)

	// IsClaimWitness checks whether the given stack spends the claim
	// path.
	IsClaimWitness(witness wire.TxWitness) bool

	// ClaimScript returns the script required to unlock the output using
	// the preimage.
	ClaimScript() []byte

	// RefundScript returns the script required to unlock the output
	// after timeout.
	RefundScript() []byte

	// MaxClaimWitnessSize returns the maximum witness size for the claim
	// case.
	MaxClaimWitnessSize() int

	// MaxRefundWitnessSize returns the maximum witness size for the
	// refund case.
	MaxRefundWitnessSize() int

	// ClaimSequence returns the input sequence to use in the claim case.
	ClaimSequence() uint32

	// SigHash is the signature hash to use for transactions spending
	// from the script.
	SigHash() txscript.SigHashType

	// lockingConditions return the address and pkScript for the swap
	// output.
	lockingConditions(*chaincfg.Params) (btcutil.Address, []byte, error)
}

// Script contains a fully parametrized swap script, from the perspective of
// whichever party holds one of its two keys.
type Script struct {
	SwapScript

	// Version is the script version in use.
	Version ScriptVersion

	// PkScript is the swap output script.
	PkScript []byte

	// Hash is the preimage hash committed in the script.
	Hash lntypes.Hash

	// ChainParams is the chain the script address is rendered for.
	ChainParams *chaincfg.Params

	// Address is the swap output address.
	Address btcutil.Address
}

// NewScript returns a swap script instance. Keys are expected in compressed
// format. The claim key belongs to the party owed the locked funds, the
// refund key to the original locker.
func NewScript(version ScriptVersion, timeoutHeight int32,
	claimKey, refundKey [33]byte, hash lntypes.Hash,
	chainParams *chaincfg.Params) (*Script, error) {

	var (
		err    error
		script SwapScript
	)

	switch version {
	case ScriptV0:
		script, err = newScriptV0(
			timeoutHeight, claimKey, refundKey, hash,
		)

	case ScriptTaproot:
		script, err = newScriptTaproot(
			timeoutHeight, claimKey, refundKey, hash,
		)

	default:
		return nil, ErrInvalidScriptVersion
	}

	if err != nil {
		return nil, err
	}

	address, pkScript, err := script.lockingConditions(chainParams)
	if err != nil {
		return nil, fmt.Errorf("could not get address: %w", err)
	}

	return &Script{
		SwapScript:  script,
		Version:     version,
		PkScript:    pkScript,
		Hash:        hash,
		ChainParams: chainParams,
		Address:     address,
	}, nil
}

// GenClaimWitness returns the claim witness after verifying the preimage
// against the committed hash.
func (s *Script) GenClaimWitness(claimSig []byte,
	preimage lntypes.Preimage) (wire.TxWitness, error) {

	if s.Hash != preimage.Hash() {
		return nil, ErrPreimageMismatch
	}

	return s.genClaimWitness(claimSig, preimage)
}

// scriptV0 encapsulates the segwit v0 swap script.
//
// <claimKey> OP_CHECKSIG OP_NOTIF
//
//	OP_DUP OP_HASH160 <HASH160(refundKey)> OP_EQUALVERIFY
//	OP_CHECKSIGVERIFY <timeout> OP_CHECKLOCKTIMEVERIFY
//
// OP_ELSE
//
//	OP_SIZE <20> OP_EQUALVERIFY OP_HASH160 <ripemd(swapHash)>
//	OP_EQUALVERIFY 1 OP_CHECKSEQUENCEVERIFY
//
// OP_ENDIF
type scriptV0 struct {
	script    []byte
	refundKey [33]byte
}

func newScriptV0(timeoutHeight int32, claimKey,
	refundKey [33]byte, swapHash lntypes.Hash) (*scriptV0, error) {

	builder := txscript.NewScriptBuilder()
	builder.AddData(claimKey[:])
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_NOTIF)

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	refundKeyHash := sha256.Sum256(refundKey[:])
	builder.AddData(input.Ripemd160H(refundKeyHash[:]))

	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)

	builder.AddInt64(int64(timeoutHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)

	builder.AddOp(txscript.OP_ELSE)

	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(0x20)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(input.Ripemd160H(swapHash[:]))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_1)

	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)

	builder.AddOp(txscript.OP_ENDIF)

	script, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return &scriptV0{
		script:    script,
		refundKey: refundKey,
	}, nil
}

// genClaimWitness returns the witness to spend the script with the preimage.
func (s *scriptV0) genClaimWitness(claimSig []byte,
	preimage lntypes.Preimage) (wire.TxWitness, error) {

	witnessStack := make(wire.TxWitness, 3)
	witnessStack[0] = preimage[:]
	witnessStack[1] = append(claimSig, byte(txscript.SigHashAll))
	witnessStack[2] = s.script

	return witnessStack, nil
}

// GenRefundWitness returns the witness to spend the script after timeout.
func (s *scriptV0) GenRefundWitness(
	refundSig []byte) (wire.TxWitness, error) {

	witnessStack := make(wire.TxWitness, 4)
	witnessStack[0] = append(refundSig, byte(txscript.SigHashAll))
	witnessStack[1] = s.refundKey[:]
	witnessStack[2] = []byte{}
	witnessStack[3] = s.script

	return witnessStack, nil
}

// IsClaimWitness checks whether the given stack spends the claim path.
func (s *scriptV0) IsClaimWitness(witness wire.TxWitness) bool {
	return len(witness) == 3
}

// ClaimScript returns the script required to unlock the output using the
// preimage.
//
// In the case of scriptV0, this is the full segwit v0 script.
func (s *scriptV0) ClaimScript() []byte {
	return s.script
}

// RefundScript returns the script required to unlock the output after
// timeout.
//
// In the case of scriptV0, this is the full segwit v0 script.
func (s *scriptV0) RefundScript() []byte {
	return s.script
}

// MaxClaimWitnessSize returns the maximum claim witness size.
func (s *scriptV0) MaxClaimWitnessSize() int {
	// - number_of_witness_elements: 1 byte
	// - preimage_length: 1 byte
	// - preimage: 32 bytes
	// - sig_length: 1 byte
	// - sig: 73 bytes
	// - witness_script_length: 1 byte
	// - witness_script: len(script) bytes
	return 1 + 1 + 32 + 1 + 73 + 1 + len(s.script)
}

// MaxRefundWitnessSize returns the maximum refund witness size.
func (s *scriptV0) MaxRefundWitnessSize() int {
	// - number_of_witness_elements: 1 byte
	// - sig_length: 1 byte
	// - sig: 73 bytes
	// - key_length: 1 byte
	// - key: 33 bytes
	// - zero: 1 byte
	// - witness_script_length: 1 byte
	// - witness_script: len(script) bytes
	return 1 + 1 + 73 + 1 + 33 + 1 + 1 + len(s.script)
}

// ClaimSequence returns the input sequence to use in the claim case.
func (s *scriptV0) ClaimSequence() uint32 {
	return 1
}

// SigHash is the signature hash to use for transactions spending from the
// script.
func (s *scriptV0) SigHash() txscript.SigHashType {
	return txscript.SigHashAll
}

// lockingConditions return the address and pkScript for the swap output.
func (s *scriptV0) lockingConditions(chainParams *chaincfg.Params) (
	btcutil.Address, []byte, error) {

	pkScript, err := input.WitnessScriptHash(s.script)
	if err != nil {
		return nil, nil, err
	}

	address, err := btcutil.NewAddressWitnessScriptHash(
		pkScript[2:], chainParams,
	)
	if err != nil {
		return nil, nil, err
	}

	return address, pkScript, nil
}

// scriptTaproot encapsulates the tapscript swap script. The internal key is
// the musig2 aggregate of the claim and refund keys, so both parties
// together can spend via the cheap key path.
type scriptTaproot struct {
	claimScript  []byte
	refundScript []byte

	// TaprootKey is the tweaked output key.
	TaprootKey *secp.PublicKey

	// InternalPubKey is the musig2 aggregate of both script keys.
	InternalPubKey *secp.PublicKey

	// RootHash is the tapscript tree root used to tweak the internal
	// key, needed again for cooperative key path signing.
	RootHash [32]byte
}

func newScriptTaproot(timeoutHeight int32, claimKey,
	refundKey [33]byte, swapHash lntypes.Hash) (*scriptTaproot, error) {

	// Schnorr keys have implicit sign, remove the sign byte from our
	// compressed keys for use inside the leaves.
	var schnorrClaimKey, schnorrRefundKey [32]byte
	copy(schnorrClaimKey[:], claimKey[1:])
	copy(schnorrRefundKey[:], refundKey[1:])

	claimPathScript, err := GenClaimPathScript(schnorrClaimKey, swapHash)
	if err != nil {
		return nil, err
	}

	refundPathScript, err := GenRefundPathScript(
		schnorrRefundKey, int64(timeoutHeight),
	)
	if err != nil {
		return nil, err
	}

	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(claimPathScript),
		txscript.NewBaseTapLeaf(refundPathScript),
	)

	rootHash := tree.RootNode.TapHash()

	internalKey, err := aggregateScriptKeys(claimKey, refundKey)
	if err != nil {
		return nil, err
	}

	taprootKey := txscript.ComputeTaprootOutputKey(
		internalKey, rootHash[:],
	)

	return &scriptTaproot{
		claimScript:    claimPathScript,
		refundScript:   refundPathScript,
		TaprootKey:     taprootKey,
		InternalPubKey: internalKey,
		RootHash:       rootHash,
	}, nil
}

// aggregateScriptKeys computes the musig2 aggregate of the two script keys,
// used as the taproot internal key.
func aggregateScriptKeys(claimKey, refundKey [33]byte) (
	*btcec.PublicKey, error) {

	claimPub, err := btcec.ParsePubKey(claimKey[:])
	if err != nil {
		return nil, err
	}
	refundPub, err := btcec.ParsePubKey(refundKey[:])
	if err != nil {
		return nil, err
	}

	aggregateKey, _, _, err := musig2.AggregateKeys(
		[]*btcec.PublicKey{claimPub, refundPub}, true,
	)
	if err != nil {
		return nil, err
	}

	return aggregateKey.PreTweakedKey, nil
}

// GenRefundPathScript constructs the refund tapleaf.
//
//	<refundKey> OP_CHECKSIGVERIFY <timeout> OP_CHECKLOCKTIMEVERIFY
func GenRefundPathScript(
	refundKey [32]byte, timeoutHeight int64) ([]byte, error) {

	builder := txscript.NewScriptBuilder()
	builder.AddData(refundKey[:])
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddInt64(timeoutHeight)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	return builder.Script()
}

// GenClaimPathScript constructs the claim tapleaf.
//
//	<claimKey> OP_CHECKSIGVERIFY
//	OP_SIZE 32 OP_EQUALVERIFY
//	OP_HASH160 <ripemd160h(swapHash)> OP_EQUALVERIFY
//	1
//	OP_CHECKSEQUENCEVERIFY
func GenClaimPathScript(
	claimKey [32]byte, swapHash lntypes.Hash) ([]byte, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddData(claimKey[:])
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(input.Ripemd160H(swapHash[:]))
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddInt64(1)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	return builder.Script()
}

// genControlBlock constructs the control block revealing the given leaf.
func (s *scriptTaproot) genControlBlock(leafScript []byte) ([]byte, error) {
	var outputKeyYIsOdd bool

	compressed := s.TaprootKey.SerializeCompressed()
	if compressed[0] == secp.PubKeyFormatCompressedOdd {
		outputKeyYIsOdd = true
	}

	leaf := txscript.NewBaseTapLeaf(leafScript)
	proof := leaf.TapHash()

	controlBlock := txscript.ControlBlock{
		InternalKey:     s.InternalPubKey,
		OutputKeyYIsOdd: outputKeyYIsOdd,
		LeafVersion:     txscript.BaseLeafVersion,
		InclusionProof:  proof[:],
	}

	return controlBlock.ToBytes()
}

// genClaimWitness returns the witness to spend the script with the preimage.
func (s *scriptTaproot) genClaimWitness(claimSig []byte,
	preimage lntypes.Preimage) (wire.TxWitness, error) {

	controlBlockBytes, err := s.genControlBlock(s.refundScript)
	if err != nil {
		return nil, err
	}

	return wire.TxWitness{
		preimage[:],
		claimSig,
		s.claimScript,
		controlBlockBytes,
	}, nil
}

// GenRefundWitness returns the witness to spend the script after timeout.
func (s *scriptTaproot) GenRefundWitness(
	refundSig []byte) (wire.TxWitness, error) {

	controlBlockBytes, err := s.genControlBlock(s.claimScript)
	if err != nil {
		return nil, err
	}

	return wire.TxWitness{
		refundSig,
		s.refundScript,
		controlBlockBytes,
	}, nil
}

// IsClaimWitness checks whether the given stack spends the claim path. A
// cooperative key path spend is not a claim from the verifier's point of
// view because it does not reveal the preimage.
func (s *scriptTaproot) IsClaimWitness(witness wire.TxWitness) bool {
	return len(witness) == 4 && len(witness[0]) == lntypes.PreimageSize
}

// ClaimScript returns the script required to unlock the output using the
// preimage.
//
// In the case of scriptTaproot, this is the claim tapleaf.
func (s *scriptTaproot) ClaimScript() []byte {
	return s.claimScript
}

// RefundScript returns the script required to unlock the output after
// timeout.
//
// In the case of scriptTaproot, this is the refund tapleaf.
func (s *scriptTaproot) RefundScript() []byte {
	return s.refundScript
}

// MaxClaimWitnessSize returns the maximum claim witness size.
func (s *scriptTaproot) MaxClaimWitnessSize() int {
	// - number_of_witness_elements: 1 byte
	// - preimage_length: 1 byte
	// - preimage: 32 bytes
	// - sig_length: 1 byte
	// - sig: 64 bytes
	// - witness_script_length: 1 byte
	// - witness_script: len(script) bytes
	// - control_block_length: 1 byte
	// - control_block: 65 bytes
	return 1 + 1 + 32 + 1 + 64 + 1 + len(s.claimScript) + 1 + 65
}

// MaxRefundWitnessSize returns the maximum refund witness size.
func (s *scriptTaproot) MaxRefundWitnessSize() int {
	// - number_of_witness_elements: 1 byte
	// - sig_length: 1 byte
	// - sig: 64 bytes
	// - witness_script_length: 1 byte
	// - witness_script: len(script) bytes
	// - control_block_length: 1 byte
	// - control_block: 65 bytes
	return 1 + 1 + 64 + 1 + len(s.refundScript) + 1 + 65
}

// ClaimSequence returns the input sequence to use in the claim case.
func (s *scriptTaproot) ClaimSequence() uint32 {
	return 1
}

// SigHash is the signature hash to use for transactions spending from the
// script.
func (s *scriptTaproot) SigHash() txscript.SigHashType {
	return txscript.SigHashDefault
}

// lockingConditions return the address and pkScript for the swap output.
func (s *scriptTaproot) lockingConditions(chainParams *chaincfg.Params) (
	btcutil.Address, []byte, error) {

	address, err := btcutil.NewAddressTaproot(
		s.TaprootKey.SerializeCompressed()[1:], chainParams,
	)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, nil, err
	}

	return address, pkScript, nil
}

// TaprootRootHash returns the tapscript tree root of a taproot swap script.
// The root is needed to tweak the musig2 aggregate key for cooperative key
// path signing.
func (s *Script) TaprootRootHash() ([32]byte, error) {
	taproot, ok := s.SwapScript.(*scriptTaproot)
	if !ok {
		return [32]byte{}, ErrInvalidScriptVersion
	}

	return taproot.RootHash, nil
}

// MatchesOutput returns true if any output of the given transaction pays to
// the swap script.
func (s *Script) MatchesOutput(tx *wire.MsgTx) bool {
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, s.PkScript) {
			return true
		}
	}

	return false
}
