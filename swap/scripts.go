package swap

import (
	"github.com/btcsuite/btcd/chaincfg"
)

// LockupScript reconstructs the swap script funds are locked to. The refund
// path belongs to the wallet, the claim path to the server.
func (s *SendSwap) LockupScript(params *chaincfg.Params) (*Script, error) {
	return NewScript(
		ScriptTaproot, int32(s.TimeoutBlockHeight), s.ClaimPubKey,
		s.RefundKey.PubKey, s.PreimageHash, params,
	)
}

// LockupScript reconstructs the swap script the server locks funds to. The
// claim path belongs to the wallet, the refund path to the server.
func (r *ReceiveSwap) LockupScript(params *chaincfg.Params) (*Script, error) {
	return NewScript(
		ScriptTaproot, int32(r.TimeoutBlockHeight), r.ClaimKey.PubKey,
		r.RefundPubKey, r.PreimageHash, params,
	)
}

// LockupScript reconstructs the swap script on the leg the payer locks funds
// on. For outgoing swaps that is the home chain, for incoming swaps the
// remote chain.
func (c *ChainSwap) LockupScript(params *chaincfg.Params) (*Script, error) {
	return NewScript(
		ScriptTaproot, int32(c.LockupTimeoutHeight), c.ServerPubKey,
		c.RefundKey.PubKey, c.PreimageHash, params,
	)
}

// ClaimScript reconstructs the swap script on the leg the receiver claims
// funds on.
func (c *ChainSwap) ClaimScript(params *chaincfg.Params) (*Script, error) {
	return NewScript(
		ScriptTaproot, int32(c.ClaimTimeoutHeight), c.ClaimKey.PubKey,
		c.ServerPubKey, c.PreimageHash, params,
	)
}
