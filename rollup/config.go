// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package rollup

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/rollup-settlement/validator"
)

type Config struct {
	ConfirmPeriodBlocks      uint64 `koanf:"confirm-period-blocks"`
	ExtraChallengeTimeBlocks uint64 `koanf:"extra-challenge-time-blocks"`
	// BaseStake is in wei, as a decimal string.
	BaseStake              string `koanf:"base-stake"`
	WasmModuleRoot         string `koanf:"wasm-module-root"`
	MinimumAssertionPeriod uint64 `koanf:"minimum-assertion-period"`
	LoserStakeEscrow       string `koanf:"loser-stake-escrow"`
	// SecondsPerBlock converts challenge windows measured in blocks into challenge clocks.
	SecondsPerBlock      uint64 `koanf:"seconds-per-block"`
	GenesisInboxMaxCount uint64 `koanf:"genesis-inbox-max-count"`

	GenesisState validator.GoGlobalState `koanf:"-"`

	baseStake *big.Int
}

var DefaultConfig = Config{
	ConfirmPeriodBlocks:      45818,
	ExtraChallengeTimeBlocks: 200,
	BaseStake:                "1000000000000000000",
	WasmModuleRoot:           "",
	MinimumAssertionPeriod:   75,
	LoserStakeEscrow:         "0x000000000000000000000000000000000000dEaD",
	SecondsPerBlock:          12,
	GenesisInboxMaxCount:     1,
}

var TestConfig = Config{
	ConfirmPeriodBlocks:      20,
	ExtraChallengeTimeBlocks: 10,
	BaseStake:                "1000",
	MinimumAssertionPeriod:   1,
	LoserStakeEscrow:         "0x000000000000000000000000000000000000dEaD",
	SecondsPerBlock:          12,
	GenesisInboxMaxCount:     1,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".confirm-period-blocks", DefaultConfig.ConfirmPeriodBlocks, "number of base ledger blocks before a node can be confirmed")
	f.Uint64(prefix+".extra-challenge-time-blocks", DefaultConfig.ExtraChallengeTimeBlocks, "extra blocks added to each challenger's clock")
	f.String(prefix+".base-stake", DefaultConfig.BaseStake, "stake required to become a staker (wei)")
	f.String(prefix+".wasm-module-root", DefaultConfig.WasmModuleRoot, "module root of the state transition program (empty to derive it from the block program)")
	f.Uint64(prefix+".minimum-assertion-period", DefaultConfig.MinimumAssertionPeriod, "minimum number of blocks between a node and its child")
	f.String(prefix+".loser-stake-escrow", DefaultConfig.LoserStakeEscrow, "address credited with the unawarded half of a losing stake")
	f.Uint64(prefix+".seconds-per-block", DefaultConfig.SecondsPerBlock, "base ledger block time used to size challenge clocks")
	f.Uint64(prefix+".genesis-inbox-max-count", DefaultConfig.GenesisInboxMaxCount, "inbox messages the first assertion must consume")
}

func (c *Config) Validate() error {
	if c.ConfirmPeriodBlocks == 0 {
		return errors.New("confirm-period-blocks must be positive")
	}
	if c.SecondsPerBlock == 0 {
		return errors.New("seconds-per-block must be positive")
	}
	stake, ok := new(big.Int).SetString(c.BaseStake, 10)
	if !ok || stake.Sign() < 0 {
		return errors.Errorf("invalid base-stake %q", c.BaseStake)
	}
	c.baseStake = stake
	if c.WasmModuleRoot != "" && len(common.FromHex(c.WasmModuleRoot)) != common.HashLength {
		return errors.Errorf("invalid wasm-module-root %q", c.WasmModuleRoot)
	}
	if !common.IsHexAddress(c.LoserStakeEscrow) {
		return errors.Errorf("invalid loser-stake-escrow %q", c.LoserStakeEscrow)
	}
	return nil
}

// BaseStakeWei is only meaningful on a validated config.
func (c Config) BaseStakeWei() *big.Int {
	if c.baseStake == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(c.baseStake)
}

// ModuleRoot returns the configured wasm module root, if one is set.
func (c *Config) ModuleRoot() (common.Hash, bool) {
	if c.WasmModuleRoot == "" {
		return common.Hash{}, false
	}
	return common.HexToHash(c.WasmModuleRoot), true
}

func (c *Config) LoserStakeEscrowAddress() common.Address {
	return common.HexToAddress(c.LoserStakeEscrow)
}
