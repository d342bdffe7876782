// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/rollup-settlement/cmd/genericconf"
	"github.com/offchainlabs/rollup-settlement/cmd/util/confighelpers"
	"github.com/offchainlabs/rollup-settlement/deploy"
	"github.com/offchainlabs/rollup-settlement/eventlog"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/rollup"
	"github.com/offchainlabs/rollup-settlement/staker"
)

type ScenarioConfig struct {
	Batches              int                    `koanf:"batches"`
	TransactionsPerBatch int                    `koanf:"transactions-per-batch"`
	Deposits             int                    `koanf:"deposits"`
	ForceInclusion       bool                   `koanf:"force-inclusion"`
	Withdrawals          int                    `koanf:"withdrawals"`
	MaxRounds            int                    `koanf:"max-rounds"`
	Adversary            staker.DangerousConfig `koanf:"adversary"`
}

var DefaultScenarioConfig = ScenarioConfig{
	Batches:              3,
	TransactionsPerBatch: 5,
	Deposits:             2,
	ForceInclusion:       true,
	Withdrawals:          2,
	MaxRounds:            2000,
	Adversary:            staker.DangerousConfig{FaultBlock: 5, FaultStep: 10},
}

func ScenarioConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Int(prefix+".batches", DefaultScenarioConfig.Batches, "sequencer batches to post")
	f.Int(prefix+".transactions-per-batch", DefaultScenarioConfig.TransactionsPerBatch, "L2 transactions the sequencer puts in each batch")
	f.Int(prefix+".deposits", DefaultScenarioConfig.Deposits, "deposits sent through the delayed inbox before the first batch")
	f.Bool(prefix+".force-inclusion", DefaultScenarioConfig.ForceInclusion, "send a censored delayed message and force include it after the delay window")
	f.Int(prefix+".withdrawals", DefaultScenarioConfig.Withdrawals, "outgoing messages to execute from the confirmed send root")
	f.Int(prefix+".max-rounds", DefaultScenarioConfig.MaxRounds, "base ledger blocks the validators may take to confirm the chain")
	f.Uint64(prefix+".adversary.fault-block", DefaultScenarioConfig.Adversary.FaultBlock, "block the adversarial validator executes wrongly (0 runs no adversary)")
	f.Uint64(prefix+".adversary.fault-step", DefaultScenarioConfig.Adversary.FaultStep, "machine step of the adversary's faulty block at which its state diverges")
}

func (c *ScenarioConfig) Validate() error {
	if c.Batches < 1 {
		return errors.New("scenario.batches must be positive")
	}
	if c.TransactionsPerBatch < 0 || c.Deposits < 0 || c.Withdrawals < 0 {
		return errors.New("scenario counts must not be negative")
	}
	if c.MaxRounds < 1 {
		return errors.New("scenario.max-rounds must be positive")
	}
	if c.Adversary.FaultBlock != 0 && c.Adversary.FaultStep == 0 {
		return errors.New("scenario.adversary.fault-step must be set with scenario.adversary.fault-block")
	}
	return nil
}

type SimConfig struct {
	Conf        genericconf.ConfConfig        `koanf:"conf"`
	LogLevel    string                        `koanf:"log-level"`
	LogType     string                        `koanf:"log-type"`
	FileLogging genericconf.FileLoggingConfig `koanf:"file-logging"`

	L1        l1.Config                `koanf:"l1"`
	Deploy    deploy.Config            `koanf:"deploy"`
	Chain     staker.L2ChainConfig     `koanf:"chain"`
	Validator staker.L1ValidatorConfig `koanf:"validator"`
	EventLog  eventlog.Config          `koanf:"eventlog"`
	Scenario  ScenarioConfig           `koanf:"scenario"`
}

// The simulator runs on a shortened dispute timeline by default.
var simRollupConfig = func() rollup.Config {
	config := rollup.TestConfig
	config.ExtraChallengeTimeBlocks = 500
	return config
}()

var DefaultSimConfig = SimConfig{
	Conf:        genericconf.ConfConfigDefault,
	LogLevel:    "INFO",
	LogType:     "plaintext",
	FileLogging: genericconf.DefaultFileLoggingConfig,
	L1:          l1.DefaultConfig,
	Deploy: deploy.Config{
		Inbox:          deploy.DefaultConfig.Inbox,
		SequencerInbox: deploy.DefaultConfig.SequencerInbox,
		Rollup:         simRollupConfig,
		Challenge:      deploy.DefaultConfig.Challenge,
	},
	Chain: staker.DefaultL2ChainConfig,
	Validator: func() staker.L1ValidatorConfig {
		config := staker.DefaultL1ValidatorConfig
		config.Strategy = "MakeNodes"
		config.MakeAssertionInterval = 0
		return config
	}(),
	EventLog: eventlog.DefaultConfig,
	Scenario: DefaultScenarioConfig,
}

func (c *SimConfig) Validate() error {
	if err := c.L1.Validate(); err != nil {
		return fmt.Errorf("l1: %w", err)
	}
	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := c.Validator.Validate(); err != nil {
		return fmt.Errorf("validator: %w", err)
	}
	if c.EventLog.Enable {
		if err := c.EventLog.Validate(); err != nil {
			return fmt.Errorf("eventlog: %w", err)
		}
	}
	return c.Scenario.Validate()
}

func printSampleUsage(progname string) {
	fmt.Printf("\n")
	fmt.Printf("Sample usage:                  %s --help \n", progname)
	fmt.Printf("Honest run only:               %s --scenario.adversary.fault-block 0 \n", progname)
}

func addSimFlags(f *flag.FlagSet) {
	genericconf.ConfConfigAddOptions("conf", f)
	f.String("log-level", DefaultSimConfig.LogLevel, "log level, valid values are CRIT, ERROR, WARN, INFO, DEBUG, TRACE")
	f.String("log-type", DefaultSimConfig.LogType, "log type (plaintext or json)")
	genericconf.FileLoggingConfigAddOptions("file-logging", f)

	l1.ConfigAddOptions("l1", f)
	deploy.ConfigAddOptions("deploy", f)
	staker.L2ChainConfigAddOptions("chain", f)
	staker.L1ValidatorConfigAddOptions("validator", f)
	eventlog.ConfigAddOptions("eventlog", f)
	ScenarioConfigAddOptions("scenario", f)
}

func ParseSimConfig(args []string) (*SimConfig, error) {
	f := flag.NewFlagSet("settlement-sim", flag.ContinueOnError)
	addSimFlags(f)
	// the binary's own defaults replace the library defaults registered above
	if err := applySimDefaults(f); err != nil {
		return nil, err
	}

	k, err := confighelpers.BeginCommonParse(f, args)
	if err != nil {
		return nil, err
	}

	var config SimConfig
	if err := confighelpers.EndCommonParse(k, &config); err != nil {
		return nil, err
	}

	if config.Conf.Dump {
		if err := confighelpers.DumpConfig(k, map[string]interface{}{}); err != nil {
			return nil, err
		}
		os.Exit(0)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func applySimDefaults(f *flag.FlagSet) error {
	overrides := map[string]string{
		"deploy.rollup.confirm-period-blocks":       fmt.Sprint(simRollupConfig.ConfirmPeriodBlocks),
		"deploy.rollup.extra-challenge-time-blocks": fmt.Sprint(simRollupConfig.ExtraChallengeTimeBlocks),
		"deploy.rollup.base-stake":                  simRollupConfig.BaseStake,
		"deploy.rollup.minimum-assertion-period":    fmt.Sprint(simRollupConfig.MinimumAssertionPeriod),
		"validator.strategy":                        DefaultSimConfig.Validator.Strategy,
		"validator.make-assertion-interval":         fmt.Sprint(DefaultSimConfig.Validator.MakeAssertionInterval),
	}
	for name, value := range overrides {
		fl := f.Lookup(name)
		if fl == nil {
			return fmt.Errorf("no flag %v", name)
		}
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("setting default of %v: %w", name, err)
		}
		fl.DefValue = value
	}
	return nil
}
