// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/rollup"
	"github.com/offchainlabs/rollup-settlement/util/testhelpers"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var (
	owner    = common.HexToAddress("0x01")
	seqInbox = common.HexToAddress("0x02")
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	carol    = common.HexToAddress("0xca201")
)

var testChainConfig = L2ChainConfig{
	MessagesPerBatch: 4,
	SpinIterations:   4,
	WithdrawTo:       "0x00000000000000000000000000000000000A11CE",
	StateCacheSize:   16,
}

type testEnv struct {
	ledger   *l1.Ledger
	recorder *events.Recorder
	bridge   *bridge.Bridge
	outbox   *outbox.Outbox
	manager  *challenge.Manager
	rollup   *rollup.Rollup
	watcher  *RollupWatcher
}

func newTestEnv(t *testing.T, batches int) *testEnv {
	t.Helper()
	ledger := l1.NewLedger(&l1.DefaultConfig)
	recorder := events.NewRecorder()
	ledger.Subscribe(recorder)
	policy := access.NewPolicy(owner)
	b := bridge.NewBridge(ledger.NewContractAddress("bridge"), policy)
	ob := outbox.NewOutbox(ledger.NewContractAddress("outbox"), b, policy)
	manager := challenge.NewManager(ledger.NewContractAddress("challenge"), policy, b, machine.NewOneStepProver(), &challenge.DefaultConfig)
	program := machine.BlockProgram(testChainConfig.MessagesPerBatch, testChainConfig.SpinIterations, testChainConfig.WithdrawToAddress())
	config := rollup.TestConfig
	config.WasmModuleRoot = program.ModulesRoot().Hex()
	config.ExtraChallengeTimeBlocks = 500
	r, err := rollup.NewRollup(ledger.NewContractAddress("rollup"), policy, b, ob, manager, &config, ledger.BlockNumber())
	require.NoError(t, err)
	policy.Bootstrap(access.Rollup, r.Address())
	policy.Bootstrap(access.ChallengeManager, manager.Address())
	policy.Bootstrap(access.SequencerInbox, seqInbox)
	for _, v := range []common.Address{alice, bob, carol} {
		policy.Bootstrap(access.Validator, v)
		ledger.Mint(v, big.NewInt(1_000_000))
	}
	env := &testEnv{
		ledger:   ledger,
		recorder: recorder,
		bridge:   b,
		outbox:   ob,
		manager:  manager,
		rollup:   r,
		watcher:  NewRollupWatcher(r, recorder),
	}
	env.addBatches(t, batches)
	ledger.AdvanceBlocks(1)
	return env
}

func (e *testEnv) addBatches(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, e.ledger.Tx(seqInbox, func(tx *l1.ActiveTx) error {
		for i := 0; i < n; i++ {
			if _, _, _, _, err := e.bridge.EnqueueSequencerMessage(tx, seqInbox, testhelpers.RandomHash(), 0, 0, 0); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (e *testEnv) newChain(t *testing.T, fault DangerousConfig) *L2Chain {
	t.Helper()
	config := testChainConfig
	chain, err := NewL2Chain(&config, e.bridge, validator.GoGlobalState{}, fault)
	require.NoError(t, err)
	return chain
}

func (e *testEnv) newStaker(t *testing.T, addr common.Address, fault DangerousConfig) *Staker {
	t.Helper()
	config := TestL1ValidatorConfig
	config.Dangerous = fault
	s, err := NewStaker(e.ledger, e.recorder, e.watcher, e.manager, e.newChain(t, fault), addr, config)
	require.NoError(t, err)
	return s
}

// runRounds has every staker act once per base ledger block until done reports true.
func (e *testEnv) runRounds(t *testing.T, maxRounds int, done func() bool, stakers ...*Staker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxRounds; i++ {
		if done() {
			return
		}
		for _, s := range stakers {
			_, err := s.Act(ctx)
			require.NoError(t, err, "staker %v in round %d", s.Address(), i)
		}
		e.ledger.AdvanceBlocks(1)
	}
	require.True(t, done(), "not done after %d rounds", maxRounds)
}
