// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package deploy

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/rollup"
	"github.com/offchainlabs/rollup-settlement/sequencerinbox"
)

type Config struct {
	Inbox          bridge.InboxConfig    `koanf:"inbox"`
	SequencerInbox sequencerinbox.Config `koanf:"sequencer-inbox"`
	Rollup         rollup.Config         `koanf:"rollup"`
	Challenge      challenge.Config      `koanf:"challenge"`
}

var DefaultConfig = Config{
	Inbox:          bridge.DefaultInboxConfig,
	SequencerInbox: sequencerinbox.DefaultConfig,
	Rollup:         rollup.DefaultConfig,
	Challenge:      challenge.DefaultConfig,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	bridge.InboxConfigAddOptions(prefix+".inbox", f)
	sequencerinbox.ConfigAddOptions(prefix+".sequencer-inbox", f)
	rollup.ConfigAddOptions(prefix+".rollup", f)
	challenge.ConfigAddOptions(prefix+".challenge", f)
}

func (c *Config) Validate() error {
	if err := c.SequencerInbox.Validate(); err != nil {
		return fmt.Errorf("sequencer-inbox: %w", err)
	}
	if err := c.Rollup.Validate(); err != nil {
		return fmt.Errorf("rollup: %w", err)
	}
	if err := c.Challenge.Validate(); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}
	return nil
}

// GenerateRollupConfig returns the production or testing rollup parameters for a block program.
func GenerateRollupConfig(prod bool, wasmModuleRoot common.Hash, loserStakeEscrow common.Address) rollup.Config {
	config := rollup.DefaultConfig
	if !prod {
		config = rollup.TestConfig
	}
	config.WasmModuleRoot = wasmModuleRoot.Hex()
	config.LoserStakeEscrow = loserStakeEscrow.Hex()
	return config
}

type RollupAddresses struct {
	Bridge           common.Address `json:"bridge"`
	Inbox            common.Address `json:"inbox"`
	SequencerInbox   common.Address `json:"sequencer-inbox"`
	Outbox           common.Address `json:"outbox"`
	ChallengeManager common.Address `json:"challenge-manager"`
	Rollup           common.Address `json:"rollup"`
	DeployedAt       uint64         `json:"deployed-at"`
}

// Deployment is every settlement component living on one ledger.
type Deployment struct {
	Ledger           *l1.Ledger
	Recorder         *events.Recorder
	Policy           *access.Policy
	Bridge           *bridge.Bridge
	Inbox            *bridge.Inbox
	SequencerInbox   *sequencerinbox.SequencerInbox
	Outbox           *outbox.Outbox
	ChallengeManager *challenge.Manager
	Rollup           *rollup.Rollup
	Addresses        RollupAddresses
}

// DeployOnLedger creates and wires the settlement components. The owner administers them,
// batchPosters may post sequencer batches and validators may stake.
func DeployOnLedger(
	ledger *l1.Ledger,
	owner common.Address,
	batchPosters []common.Address,
	validators []common.Address,
	config *Config,
) (*Deployment, error) {
	if config.Rollup.WasmModuleRoot == "" {
		return nil, errors.New("no machine specified")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	recorder := events.NewRecorder()
	ledger.Subscribe(recorder)
	policy := access.NewPolicy(owner)

	b := bridge.NewBridge(ledger.NewContractAddress("bridge"), policy)
	if err := ledger.Register(b.Address(), b); err != nil {
		return nil, fmt.Errorf("bridge deploy error: %w", err)
	}
	inbox := bridge.NewInbox(ledger.NewContractAddress("inbox"), b, policy, &config.Inbox)
	seqInbox := sequencerinbox.NewSequencerInbox(ledger.NewContractAddress("sequencer-inbox"), b, policy, &config.SequencerInbox)
	ob := outbox.NewOutbox(ledger.NewContractAddress("outbox"), b, policy)
	challengeManager := challenge.NewManager(ledger.NewContractAddress("challenge-manager"), policy, b, machine.NewOneStepProver(), &config.Challenge)
	r, err := rollup.NewRollup(ledger.NewContractAddress("rollup"), policy, b, ob, challengeManager, &config.Rollup, ledger.BlockNumber())
	if err != nil {
		return nil, fmt.Errorf("error creating rollup: %w", err)
	}

	policy.Bootstrap(access.DelayedInbox, inbox.Address())
	policy.Bootstrap(access.SequencerInbox, seqInbox.Address())
	policy.Bootstrap(access.Outbox, ob.Address())
	policy.Bootstrap(access.Rollup, r.Address())
	policy.Bootstrap(access.ChallengeManager, challengeManager.Address())
	for _, poster := range batchPosters {
		policy.Bootstrap(access.BatchPoster, poster)
	}
	for _, v := range validators {
		policy.Bootstrap(access.Validator, v)
	}

	d := &Deployment{
		Ledger:           ledger,
		Recorder:         recorder,
		Policy:           policy,
		Bridge:           b,
		Inbox:            inbox,
		SequencerInbox:   seqInbox,
		Outbox:           ob,
		ChallengeManager: challengeManager,
		Rollup:           r,
		Addresses: RollupAddresses{
			Bridge:           b.Address(),
			Inbox:            inbox.Address(),
			SequencerInbox:   seqInbox.Address(),
			Outbox:           ob.Address(),
			ChallengeManager: challengeManager.Address(),
			Rollup:           r.Address(),
			DeployedAt:       ledger.BlockNumber(),
		},
	}
	log.Info("deployed rollup", "rollup", r.Address(), "bridge", b.Address(), "block", d.Addresses.DeployedAt)
	return d, nil
}
