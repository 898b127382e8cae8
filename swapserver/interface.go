package swapserver

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
)

// Status is a server-pushed swap status. The constants cover the swap
// lifecycle of all three swap kinds; each handler reacts only to the subset
// relevant for its kind.
type Status string

const (
	// StatusCreated is the initial status after swap creation.
	StatusCreated Status = "swap.created"

	// StatusInvoiceSet means the server has registered the invoice of a
	// send swap.
	StatusInvoiceSet Status = "invoice.set"

	// StatusTxMempool means a lockup tx has entered the mempool.
	StatusTxMempool Status = "transaction.mempool"

	// StatusTxConfirmed means a lockup tx has confirmed.
	StatusTxConfirmed Status = "transaction.confirmed"

	// StatusTxServerMempool means the server lockup of a chain swap has
	// entered the mempool on the claim chain.
	StatusTxServerMempool Status = "transaction.server.mempool"

	// StatusTxServerConfirmed means the server lockup of a chain swap
	// has confirmed on the claim chain.
	StatusTxServerConfirmed Status = "transaction.server.confirmed"

	// StatusTxClaimPending means the server is ready to claim
	// cooperatively.
	StatusTxClaimPending Status = "transaction.claim.pending"

	// StatusTxClaimed means the server broadcast its claim tx.
	StatusTxClaimed Status = "transaction.claimed"

	// StatusInvoicePaid means the server settled the invoice of a send
	// swap.
	StatusInvoicePaid Status = "invoice.paid"

	// StatusInvoiceFailedToPay means the server could not pay the
	// invoice of a send swap.
	StatusInvoiceFailedToPay Status = "invoice.failedToPay"

	// StatusInvoiceExpired means the invoice of a receive swap expired
	// unpaid.
	StatusInvoiceExpired Status = "invoice.expired"

	// StatusTxLockupFailed means the lockup did not match the swap
	// parameters (typically underpaid).
	StatusTxLockupFailed Status = "transaction.lockupFailed"

	// StatusTxFailed means the swap failed on the server side.
	StatusTxFailed Status = "transaction.failed"

	// StatusTxRefunded means the server refunded its own lockup.
	StatusTxRefunded Status = "transaction.refunded"

	// StatusSwapExpired means the swap passed its timeout without
	// completing.
	StatusSwapExpired Status = "swap.expired"
)

// TxInfo carries the raw transaction attached to some status updates.
type TxInfo struct {
	// ID is the transaction id, hex encoded.
	ID string `json:"id"`

	// Hex is the raw transaction, hex encoded.
	Hex string `json:"hex"`
}

// StatusUpdate is one server-pushed status event for a tracked swap.
// Updates may arrive reordered or may be missing entirely; handlers verify
// against chain data before acting.
type StatusUpdate struct {
	// ID is the swap id the update refers to.
	ID string `json:"id"`

	// Status is the new server-side status.
	Status Status `json:"status"`

	// Transaction optionally carries the tx the status refers to.
	Transaction *TxInfo `json:"transaction,omitempty"`

	// ZeroConfRejected is set when the server refuses zero-conf handling
	// for the swap.
	ZeroConfRejected bool `json:"zeroConfRejected,omitempty"`
}

// CreateSendSwapRequest asks the server to pay an invoice against an
// on-chain lockup.
type CreateSendSwapRequest struct {
	// Invoice is the invoice the server shall pay.
	Invoice string `json:"invoice"`

	// RefundPubKey is our refund key for the lockup script.
	RefundPubKey string `json:"refundPublicKey"`

	// PairHash pins the fee schedule the request was quoted under.
	PairHash string `json:"pairHash,omitempty"`
}

// CreateSendSwapResponse carries the server's send swap parameters. The raw
// JSON is retained verbatim so the lockup script can be reconstructed
// deterministically later.
type CreateSendSwapResponse struct {
	// ID is the server-assigned swap id.
	ID string `json:"id"`

	// LockupAddress is the address the wallet must lock funds to.
	LockupAddress string `json:"address"`

	// ExpectedAmount is the amount to lock up, in sat.
	ExpectedAmount btcutil.Amount `json:"expectedAmount"`

	// ClaimPublicKey is the server's claim key, hex encoded.
	ClaimPublicKey string `json:"claimPublicKey"`

	// TimeoutBlockHeight is the refund timeout.
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`

	// AcceptZeroConf indicates the server will claim before the lockup
	// confirms.
	AcceptZeroConf bool `json:"acceptZeroConf"`

	// Raw is the verbatim response blob.
	Raw string `json:"-"`
}

// CreateReceiveSwapRequest asks the server to lock up funds claimable with
// our preimage against an invoice payable by its counterparty.
type CreateReceiveSwapRequest struct {
	// PreimageHash commits our locally generated preimage.
	PreimageHash lntypes.Hash `json:"preimageHash"`

	// ClaimPubKey is our claim key for the lockup script.
	ClaimPubKey string `json:"claimPublicKey"`

	// InvoiceAmount is the invoice amount, in sat.
	InvoiceAmount btcutil.Amount `json:"invoiceAmount"`

	// PairHash pins the fee schedule the request was quoted under.
	PairHash string `json:"pairHash,omitempty"`
}

// CreateReceiveSwapResponse carries the server's receive swap parameters.
type CreateReceiveSwapResponse struct {
	// ID is the server-assigned swap id.
	ID string `json:"id"`

	// Invoice is the invoice to hand out for payment.
	Invoice string `json:"invoice"`

	// LockupAddress is the address the server will lock funds to.
	LockupAddress string `json:"lockupAddress"`

	// OnchainAmount is the amount the wallet will claim, in sat.
	OnchainAmount btcutil.Amount `json:"onchainAmount"`

	// RefundPublicKey is the server's refund key, hex encoded.
	RefundPublicKey string `json:"refundPublicKey"`

	// TimeoutBlockHeight is the server's refund timeout.
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`

	// Raw is the verbatim response blob.
	Raw string `json:"-"`
}

// CreateChainSwapRequest asks the server for a cross-chain swap.
type CreateChainSwapRequest struct {
	// PreimageHash commits the swap preimage. For incoming swaps it is
	// generated locally.
	PreimageHash lntypes.Hash `json:"preimageHash"`

	// ClaimPubKey is our key on the claim chain script.
	ClaimPubKey string `json:"claimPublicKey"`

	// RefundPubKey is our key on the lockup chain script.
	RefundPubKey string `json:"refundPublicKey"`

	// UserLockAmount is the amount the paying side locks, in sat.
	UserLockAmount btcutil.Amount `json:"userLockAmount"`

	// Incoming is true when the wallet is the claiming side on its home
	// chain.
	Incoming bool `json:"incoming"`

	// PairHash pins the fee schedule the request was quoted under.
	PairHash string `json:"pairHash,omitempty"`
}

// ChainSwapLeg describes one side of a chain swap.
type ChainSwapLeg struct {
	// LockupAddress is the swap script address on this leg's chain.
	LockupAddress string `json:"lockupAddress"`

	// ServerPublicKey is the server's key on this leg's script, hex
	// encoded.
	ServerPublicKey string `json:"serverPublicKey"`

	// TimeoutBlockHeight is the refund timeout on this leg's chain.
	TimeoutBlockHeight uint32 `json:"timeoutBlockHeight"`

	// Amount is the amount locked on this leg, in sat.
	Amount btcutil.Amount `json:"amount"`
}

// CreateChainSwapResponse carries the server's chain swap parameters.
type CreateChainSwapResponse struct {
	// ID is the server-assigned swap id.
	ID string `json:"id"`

	// LockupLeg is the leg the payer locks funds on.
	LockupLeg ChainSwapLeg `json:"lockupDetails"`

	// ClaimLeg is the leg the receiver claims funds on.
	ClaimLeg ChainSwapLeg `json:"claimDetails"`

	// Raw is the verbatim response blob.
	Raw string `json:"-"`
}

// ClaimTxDetails is the server's cooperative claim offer for a send swap.
// The preimage is the proof of invoice payment and must be verified against
// the swap's committed hash before any signature is handed out.
type ClaimTxDetails struct {
	// Preimage is the revealed payment preimage, hex encoded.
	Preimage string `json:"preimage"`

	// PubNonce is the server's musig2 nonce, hex encoded.
	PubNonce string `json:"pubNonce"`

	// TransactionHash is the sighash of the server's claim tx, hex
	// encoded.
	TransactionHash string `json:"transactionHash"`
}

// PartialSigDetails is the server's half of a cooperative signature
// exchange.
type PartialSigDetails struct {
	// PubNonce is the server's musig2 nonce, hex encoded.
	PubNonce string `json:"pubNonce"`

	// PartialSignature is the server's partial signature, hex encoded.
	PartialSignature string `json:"partialSignature"`
}

// Pair describes the server's fee schedule and limits for one swap pair.
type Pair struct {
	// Hash pins this fee schedule in create requests.
	Hash string `json:"hash"`

	// Rate is the exchange rate.
	Rate float64 `json:"rate"`

	// FeeBase is the server's base fee, in sat.
	FeeBase btcutil.Amount `json:"feeBase"`

	// FeeRate is the server's proportional fee in parts per million.
	FeeRate int64 `json:"feeRate"`

	// MinimalAmount is the lower swap limit, in sat.
	MinimalAmount btcutil.Amount `json:"minimal"`

	// MaximalAmount is the upper swap limit, in sat.
	MaximalAmount btcutil.Amount `json:"maximal"`

	// MaximalZeroConfAmount is the upper zero-conf limit, in sat.
	MaximalZeroConfAmount btcutil.Amount `json:"maximalZeroConf"`
}

// Swapper is the protocol client to the swap server, consumed by the swap
// handlers.
type Swapper interface {
	// CreateSendSwap creates a send swap offer.
	CreateSendSwap(ctx context.Context, req *CreateSendSwapRequest) (
		*CreateSendSwapResponse, error)

	// CreateReceiveSwap creates a receive swap offer.
	CreateReceiveSwap(ctx context.Context,
		req *CreateReceiveSwapRequest) (
		*CreateReceiveSwapResponse, error)

	// CreateChainSwap creates a chain swap offer.
	CreateChainSwap(ctx context.Context, req *CreateChainSwapRequest) (
		*CreateChainSwapResponse, error)

	// GetPair returns the current fee schedule for a swap kind.
	GetPair(ctx context.Context, swapKind string) (*Pair, error)

	// GetClaimTxDetails fetches the server's cooperative claim offer,
	// revealing the preimage of a paid send swap.
	GetClaimTxDetails(ctx context.Context, swapID string) (
		*ClaimTxDetails, error)

	// SendClaimSignature hands our partial signature for the server's
	// claim tx back, completing a cooperative send swap claim.
	SendClaimSignature(ctx context.Context, swapID, pubNonce,
		partialSig string) error

	// GetClaimPartialSig obtains the server's partial signature for our
	// claim tx of a receive or chain swap, revealing our preimage to
	// the server in the process.
	GetClaimPartialSig(ctx context.Context, swapID string,
		preimage lntypes.Preimage, pubNonce, sigHash string) (
		*PartialSigDetails, error)

	// GetRefundPartialSig obtains the server's partial signature for
	// our refund tx.
	GetRefundPartialSig(ctx context.Context, swapID, pubNonce,
		sigHash string) (*PartialSigDetails, error)
}

// StatusStream is the real-time feed of server-pushed status events for
// tracked swaps.
type StatusStream interface {
	// Start runs the stream until the shutdown channel closes,
	// reconnecting as needed.
	Start(ctx context.Context, shutdown <-chan struct{})

	// TrackSwapID adds a swap to the live subscription set.
	TrackSwapID(swapID string) error

	// Updates returns the channel status updates arrive on.
	Updates() <-chan *StatusUpdate
}

// ReconnectHandler is notified after every successful stream reconnect, so
// swap state can be reconciled against whatever was missed.
type ReconnectHandler interface {
	OnStreamReconnect()
}
