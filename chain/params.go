package chain

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// The Liquid-like chain reuses the bitcoin script machinery with its own
// address encodings. Only the fields required for address rendering are
// populated, the params are deliberately not registered with chaincfg.
var (
	// LiquidParams are the address parameters of the Liquid mainnet.
	LiquidParams = chaincfg.Params{
		Name:             "liquid",
		Net:              wire.BitcoinNet(0x4c697175),
		Bech32HRPSegwit:  "ex",
		PubKeyHashAddrID: 57,
		ScriptHashAddrID: 39,
		PrivateKeyID:     0x80,
	}

	// LiquidTestNetParams are the address parameters of the Liquid
	// testnet.
	LiquidTestNetParams = chaincfg.Params{
		Name:             "liquidtestnet",
		Net:              wire.BitcoinNet(0x4c697175 + 1),
		Bech32HRPSegwit:  "tex",
		PubKeyHashAddrID: 36,
		ScriptHashAddrID: 19,
		PrivateKeyID:     0xef,
	}

	// LiquidRegtestParams are the address parameters of a local Liquid
	// regtest.
	LiquidRegtestParams = chaincfg.Params{
		Name:             "liquidregtest",
		Net:              wire.BitcoinNet(0x4c697175 + 2),
		Bech32HRPSegwit:  "ert",
		PubKeyHashAddrID: 235,
		ScriptHashAddrID: 75,
		PrivateKeyID:     0xef,
	}
)
