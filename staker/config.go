// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
)

type StakerStrategy uint8

const (
	// Watchtower: don't do anything on L1, but log if there's a bad assertion
	WatchtowerStrategy StakerStrategy = iota
	// Defensive: stake if there's a bad assertion
	DefensiveStrategy
	// Stake latest: stay staked on the latest node, challenging bad assertions
	StakeLatestStrategy
	// Make nodes: continually create new nodes, challenging bad assertions
	MakeNodesStrategy
)

func (s StakerStrategy) String() string {
	switch s {
	case WatchtowerStrategy:
		return "Watchtower"
	case DefensiveStrategy:
		return "Defensive"
	case StakeLatestStrategy:
		return "StakeLatest"
	case MakeNodesStrategy:
		return "MakeNodes"
	default:
		return fmt.Sprintf("StakerStrategy(%d)", uint8(s))
	}
}

func stakerStrategyFromString(s string) (StakerStrategy, error) {
	switch strings.ToLower(s) {
	case "watchtower":
		return WatchtowerStrategy, nil
	case "defensive":
		return DefensiveStrategy, nil
	case "stakelatest":
		return StakeLatestStrategy, nil
	case "makenodes":
		return MakeNodesStrategy, nil
	default:
		return WatchtowerStrategy, fmt.Errorf("unknown staker strategy \"%v\"", s)
	}
}

type L1ValidatorConfig struct {
	Strategy string `koanf:"strategy"`
	// MakeAssertionInterval is in base ledger blocks.
	MakeAssertionInterval  uint64          `koanf:"make-assertion-interval"`
	DisableChallenge       bool            `koanf:"disable-challenge"`
	MaxStakeAdvances       int             `koanf:"max-stake-advances"`
	ChallengeHashCacheSize int             `koanf:"challenge-hash-cache-size"`
	Dangerous              DangerousConfig `koanf:"dangerous"`
}

type DangerousConfig struct {
	// FaultBlock is executed with a corrupted block hash, making every later state wrong.
	// Zero disables it.
	FaultBlock uint64 `koanf:"fault-block"`
	FaultStep  uint64 `koanf:"fault-step"`
}

var DefaultDangerousConfig = DangerousConfig{}

var DefaultL1ValidatorConfig = L1ValidatorConfig{
	Strategy:               "Watchtower",
	MakeAssertionInterval:  300,
	DisableChallenge:       false,
	MaxStakeAdvances:       20,
	ChallengeHashCacheSize: 1024,
	Dangerous:              DefaultDangerousConfig,
}

var TestL1ValidatorConfig = L1ValidatorConfig{
	Strategy:               "MakeNodes",
	MakeAssertionInterval:  0,
	DisableChallenge:       false,
	MaxStakeAdvances:       20,
	ChallengeHashCacheSize: 256,
	Dangerous:              DefaultDangerousConfig,
}

func L1ValidatorConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".strategy", DefaultL1ValidatorConfig.Strategy, "L1 validator strategy, either watchtower, defensive, stakeLatest, or makeNodes")
	f.Uint64(prefix+".make-assertion-interval", DefaultL1ValidatorConfig.MakeAssertionInterval, "if configured with the makeNodes strategy, how many blocks to wait between assertions (bypassed in case of a dispute)")
	f.Bool(prefix+".disable-challenge", DefaultL1ValidatorConfig.DisableChallenge, "disable validator challenge")
	f.Int(prefix+".max-stake-advances", DefaultL1ValidatorConfig.MaxStakeAdvances, "maximum number of nodes to advance the stake over in one act")
	f.Int(prefix+".challenge-hash-cache-size", DefaultL1ValidatorConfig.ChallengeHashCacheSize, "number of machine hashes an execution challenge keeps cached")
	DangerousConfigAddOptions(prefix+".dangerous", f)
}

func DangerousConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".fault-block", DefaultDangerousConfig.FaultBlock, "DANGEROUS! corrupts execution of this L2 block, making the validator assert wrong states")
	f.Uint64(prefix+".fault-step", DefaultDangerousConfig.FaultStep, "DANGEROUS! machine step of fault-block after which the block hash is corrupted")
}

func (c *L1ValidatorConfig) Validate() error {
	if _, err := stakerStrategyFromString(c.Strategy); err != nil {
		return err
	}
	if c.MaxStakeAdvances < 1 {
		return errors.New("max-stake-advances must be positive")
	}
	if c.Dangerous.FaultBlock != 0 && c.Dangerous.FaultStep == 0 {
		return errors.New("dangerous.fault-step must be set with dangerous.fault-block")
	}
	return nil
}

// L2ChainConfig describes the block program every honest party runs.
type L2ChainConfig struct {
	MessagesPerBatch uint64 `koanf:"messages-per-batch"`
	SpinIterations   uint64 `koanf:"spin-iterations"`
	WithdrawTo       string `koanf:"withdraw-to"`
	StateCacheSize   int    `koanf:"state-cache-size"`
}

var DefaultL2ChainConfig = L2ChainConfig{
	MessagesPerBatch: 4,
	SpinIterations:   8,
	WithdrawTo:       "0x00000000000000000000000000000000000A11CE",
	StateCacheSize:   64,
}

func L2ChainConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".messages-per-batch", DefaultL2ChainConfig.MessagesPerBatch, "L2 blocks produced per sequencer batch")
	f.Uint64(prefix+".spin-iterations", DefaultL2ChainConfig.SpinIterations, "loop rounds each block burns, which sets the machine steps per block")
	f.String(prefix+".withdraw-to", DefaultL2ChainConfig.WithdrawTo, "address every block's outgoing message is sent to")
	f.Int(prefix+".state-cache-size", DefaultL2ChainConfig.StateCacheSize, "number of block start machines to keep cached")
}

func (c *L2ChainConfig) Validate() error {
	if c.MessagesPerBatch == 0 {
		return errors.New("messages-per-batch must be positive")
	}
	if !common.IsHexAddress(c.WithdrawTo) {
		return fmt.Errorf("invalid withdraw-to address \"%v\"", c.WithdrawTo)
	}
	return nil
}

func (c *L2ChainConfig) WithdrawToAddress() common.Address {
	return common.HexToAddress(c.WithdrawTo)
}
