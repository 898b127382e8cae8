package tideswap

import (
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/tidewallet/tideswap/chain"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
	"github.com/tidewallet/tideswap/swapserver"
)

const (
	// defaultChainRetries is the default retry budget for chain reads
	// that may race tx propagation.
	defaultChainRetries = 5

	// defaultPollInterval is the default interval of the chain tip poll
	// loop.
	defaultPollInterval = 30 * time.Second

	// defaultZeroConfMinFeeRate is the default minimum fee rate in
	// sat/vbyte an unconfirmed lockup must pay to be accepted zero-conf.
	defaultZeroConfMinFeeRate = 1.0

	// zeroConfFeeRateTolerance relaxes the zero-conf fee rate floor to
	// absorb fee estimation differences with the sender.
	zeroConfFeeRateTolerance = 0.8

	// chainSwapMonitoringPeriodBlocks is how many blocks past the lockup
	// timeout an expired chain swap keeps being rescanned for refundable
	// funds.
	chainSwapMonitoringPeriodBlocks = 4320
)

// Config groups the external collaborators and the policy knobs of the swap
// client.
type Config struct {
	// HomeChain queries and broadcasts on the wallet's home chain.
	HomeChain chain.Service

	// RemoteChain queries and broadcasts on the remote chain of chain
	// swaps.
	RemoteChain chain.Service

	// HomeParams are the chain parameters of the home chain.
	HomeParams *chaincfg.Params

	// RemoteParams are the chain parameters of the remote chain.
	RemoteParams *chaincfg.Params

	// Server is the swap server protocol client.
	Server swapserver.Swapper

	// Stream is the server's status push stream.
	Stream swapserver.StatusStream

	// Store persists swaps.
	Store swapdb.Persister

	// Signer derives and holds the per-swap key material.
	Signer swap.Signer

	// Wallet funds lockup transactions and supplies claim addresses.
	Wallet Wallet

	// Clock provides time, settable in tests.
	Clock clock.Clock

	// MaxZeroConfAmount is the largest lockup amount accepted without
	// confirmation. Zero disables zero-conf claims entirely.
	MaxZeroConfAmount btcutil.Amount

	// ZeroConfMinFeeRate is the minimum fee rate in sat/vbyte an
	// unconfirmed lockup must pay to be accepted zero-conf.
	ZeroConfMinFeeRate float64

	// ChainRetries is the retry budget for chain reads that may race tx
	// propagation.
	ChainRetries int

	// PollInterval is the interval of the chain tip poll loop.
	PollInterval time.Duration
}

// validate checks the config for missing collaborators and fills in
// defaults.
func (c *Config) validate() error {
	switch {
	case c.HomeChain == nil:
		return errors.New("home chain service required")

	case c.RemoteChain == nil:
		return errors.New("remote chain service required")

	case c.HomeParams == nil || c.RemoteParams == nil:
		return errors.New("chain parameters required")

	case c.Server == nil:
		return errors.New("swap server client required")

	case c.Stream == nil:
		return errors.New("status stream required")

	case c.Store == nil:
		return errors.New("swap store required")

	case c.Signer == nil:
		return errors.New("signer required")

	case c.Wallet == nil:
		return errors.New("wallet required")
	}

	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.ChainRetries == 0 {
		c.ChainRetries = defaultChainRetries
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ZeroConfMinFeeRate == 0 {
		c.ZeroConfMinFeeRate = defaultZeroConfMinFeeRate
	}

	return nil
}
