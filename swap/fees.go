package swap

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"
)

const (
	// FeeRateTotalParts defines the granularity of the fee rate.
	// Throughout the codebase, we'll use fix based arithmetic to compute
	// fees.
	FeeRateTotalParts = 1e6

	// claimTxOverheadVByte is the approximate non-witness vsize of a one
	// input, one output claim or refund transaction.
	claimTxOverheadVByte = 11 + 41 + 31
)

// CalcFee returns the swap service fee for a given swap amount.
func CalcFee(amount, feeBase btcutil.Amount, feeRate int64) btcutil.Amount {
	return feeBase + amount*btcutil.Amount(feeRate)/
		btcutil.Amount(FeeRateTotalParts)
}

// FeeRateAsPercentage converts a feerate to a percentage.
func FeeRateAsPercentage(feeRate int64) float64 {
	return float64(feeRate) / (FeeRateTotalParts / 100)
}

// EstimateClaimFee returns the absolute fee for a single-input claim
// transaction spending the given script at the given fee rate.
func EstimateClaimFee(script *Script,
	feeRateSatPerVByte btcutil.Amount) btcutil.Amount {

	witnessVByte := (script.MaxClaimWitnessSize() + 3) / 4
	return feeRateSatPerVByte *
		btcutil.Amount(claimTxOverheadVByte+witnessVByte)
}

// EstimateRefundFee returns the absolute fee for a single-input refund
// transaction spending the given script at the given fee rate.
func EstimateRefundFee(script *Script,
	feeRateSatPerVByte btcutil.Amount) btcutil.Amount {

	witnessVByte := (script.MaxRefundWitnessSize() + 3) / 4
	return feeRateSatPerVByte *
		btcutil.Amount(claimTxOverheadVByte+witnessVByte)
}

// GetInvoiceAmt gets the invoice amount. It requires an amount to be
// specified.
func GetInvoiceAmt(params *chaincfg.Params,
	payReq string) (btcutil.Amount, error) {

	swapPayReq, err := zpay32.Decode(payReq, params)
	if err != nil {
		return 0, err
	}

	if swapPayReq.MilliSat == nil {
		return 0, errors.New("no amount in invoice")
	}

	return swapPayReq.MilliSat.ToSatoshis(), nil
}

// GetInvoicePaymentHash decodes an invoice and returns its payment hash.
func GetInvoicePaymentHash(params *chaincfg.Params,
	payReq string) (lntypes.Hash, error) {

	swapPayReq, err := zpay32.Decode(payReq, params)
	if err != nil {
		return lntypes.Hash{}, err
	}

	return lntypes.Hash(*swapPayReq.PaymentHash), nil
}

// VerifyInvoicePreimage checks that the given preimage hashes to the payment
// hash of the invoice.
func VerifyInvoicePreimage(params *chaincfg.Params, payReq string,
	preimage lntypes.Preimage) error {

	hash, err := GetInvoicePaymentHash(params, payReq)
	if err != nil {
		return err
	}

	if preimage.Hash() != hash {
		return ErrPreimageMismatch
	}

	return nil
}
