// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/rollup"
)

var faultyConfig = DangerousConfig{FaultBlock: 5, FaultStep: 10}

func TestStrategyParsing(t *testing.T) {
	for _, name := range []string{"Watchtower", "defensive", "STAKELATEST", "makeNodes"} {
		_, err := stakerStrategyFromString(name)
		require.NoError(t, err)
	}
	_, err := stakerStrategyFromString("aggressive")
	require.Error(t, err)

	config := TestL1ValidatorConfig
	require.NoError(t, config.Validate())
	config.Dangerous.FaultBlock = 3
	require.Error(t, config.Validate())
	config = TestL1ValidatorConfig
	config.MaxStakeAdvances = 0
	require.Error(t, config.Validate())
}

func TestStakerRejectsForeignModuleRoot(t *testing.T) {
	env := newTestEnv(t, 1)
	config := testChainConfig
	config.SpinIterations++
	chain, err := NewL2Chain(&config, env.bridge, env.rollup.Config().GenesisState, DangerousConfig{})
	require.NoError(t, err)
	_, err = NewStaker(env.ledger, env.recorder, env.watcher, env.manager, chain, alice, TestL1ValidatorConfig)
	require.Error(t, err)
}

func TestSingleStakerConfirms(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	s := env.newStaker(t, alice, DangerousConfig{})

	sent, err := s.Act(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, uint64(1), env.rollup.LatestNodeCreated())
	require.True(t, env.rollup.IsStaked(alice))

	node, err := env.watcher.LookupNode(1)
	require.NoError(t, err)
	require.Equal(t, uint64(8), node.Assertion.NumBlocks)
	require.Equal(t, uint64(2), node.AfterState().GlobalState.Batch)

	env.runRounds(t, 100, func() bool { return env.rollup.LatestConfirmed() == 1 }, s)

	// the confirmed send root is usable by the outbox
	sendRoot := node.AfterState().GlobalState.SendRoot
	require.Equal(t, node.AfterState().GlobalState.BlockHash, env.outbox.Roots(sendRoot))

	// with more batches the staker keeps building on its node
	env.addBatches(t, 1)
	env.runRounds(t, 10, func() bool { return env.rollup.LatestNodeCreated() == 2 }, s)
	next, err := env.watcher.LookupNode(2)
	require.NoError(t, err)
	require.Equal(t, uint64(4), next.Assertion.NumBlocks)
	require.Equal(t, uint64(2), env.rollup.LatestStakedNode(alice))
}

func TestSecondStakerJoinsCorrectNode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	a := env.newStaker(t, alice, DangerousConfig{})
	b := env.newStaker(t, bob, DangerousConfig{})

	_, err := a.Act(ctx)
	require.NoError(t, err)
	_, err = b.Act(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), env.rollup.LatestNodeCreated())
	require.Equal(t, uint64(1), env.rollup.LatestStakedNode(bob))
	require.True(t, env.rollup.NodeHasStaker(1, bob))

	conflict, _, _ := env.watcher.FindStakerConflict(alice, bob, 1024)
	require.Equal(t, CONFLICT_TYPE_NONE, conflict)
}

func TestWatchtowerNeverSends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	config := TestL1ValidatorConfig
	config.Strategy = "Watchtower"
	w, err := NewStaker(env.ledger, env.recorder, env.watcher, env.manager, env.newChain(t, DangerousConfig{}), carol, config)
	require.NoError(t, err)
	faulty := env.newStaker(t, bob, faultyConfig)

	_, err = faulty.Act(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		sent, err := w.Act(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, sent)
		env.ledger.AdvanceBlocks(1)
	}
	require.False(t, env.rollup.IsStaked(carol))
}

func TestDefensiveStakerComesOnline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	config := TestL1ValidatorConfig
	config.Strategy = "Defensive"
	d, err := NewStaker(env.ledger, env.recorder, env.watcher, env.manager, env.newChain(t, DangerousConfig{}), alice, config)
	require.NoError(t, err)

	// nothing to defend against yet
	sent, err := d.Act(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sent)

	faulty := env.newStaker(t, bob, faultyConfig)
	_, err = faulty.Act(ctx)
	require.NoError(t, err)
	env.ledger.AdvanceBlocks(1)

	// the first act notices the bad node, the next ones stake against it
	env.runRounds(t, 5, func() bool { return env.rollup.IsStaked(alice) }, d)
	require.Equal(t, uint64(2), env.rollup.LatestStakedNode(alice))
}

func challengeOutcome(t *testing.T, honestFirst bool) {
	env := newTestEnv(t, 3)
	honest := env.newStaker(t, alice, DangerousConfig{})
	faulty := env.newStaker(t, bob, faultyConfig)
	order := []*Staker{honest, faulty}
	if !honestFirst {
		order = []*Staker{faulty, honest}
	}
	startingStake := env.rollup.Config().BaseStakeWei()

	env.runRounds(t, 500, func() bool {
		return env.rollup.IsZombie(bob) || (!env.rollup.IsStaked(bob) && env.rollup.LatestNodeCreated() > 0)
	}, order...)

	started := events.Filter[*rollup.RollupChallengeStarted](env.recorder, nil)
	require.Len(t, started, 1)
	ended := events.Filter[*challenge.ChallengeEnded](env.recorder, nil)
	require.Len(t, ended, 1)
	require.Equal(t, challenge.TerminationExecutionProof, ended[0].Kind)
	require.NotEmpty(t, events.Filter[*challenge.ExecutionChallengeBegun](env.recorder, nil))
	require.NotEmpty(t, events.Filter[*challenge.OneStepProofCompleted](env.recorder, nil))

	// the winner gets half of the loser's stake
	winnerStake := env.rollup.AmountStaked(alice)
	require.Equal(t, 1, winnerStake.Cmp(startingStake), "winner stake %v", winnerStake)
	require.False(t, env.rollup.IsStaked(bob))
	require.Equal(t, uint64(0), env.rollup.CurrentChallenge(alice))

	// the honest node is confirmed once the bad one is rejected
	honestNode := env.rollup.LatestStakedNode(alice)
	env.runRounds(t, 200, func() bool { return env.rollup.LatestConfirmed() >= honestNode }, honest)
	confirmed, err := env.watcher.LookupNode(env.rollup.LatestConfirmed())
	require.NoError(t, err)
	valid, _, err := honest.chain.ValidateState(context.Background(), confirmed.AfterState())
	require.NoError(t, err)
	require.True(t, valid)
}

func TestHonestAsserterWinsChallenge(t *testing.T) {
	challengeOutcome(t, true)
}

func TestHonestChallengerWinsChallenge(t *testing.T) {
	challengeOutcome(t, false)
}

func TestFindStakerConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	honest := env.newStaker(t, alice, DangerousConfig{})
	faulty := env.newStaker(t, bob, faultyConfig)
	_, err := honest.Act(ctx)
	require.NoError(t, err)
	_, err = faulty.Act(ctx)
	require.NoError(t, err)

	conflict, node1, node2 := env.watcher.FindStakerConflict(alice, bob, 1024)
	require.Equal(t, CONFLICT_TYPE_FOUND, conflict)
	require.Equal(t, uint64(1), node1)
	require.Equal(t, uint64(2), node2)

	conflict, _, _ = env.watcher.FindStakerConflict(alice, bob, 0)
	require.Equal(t, CONFLICT_TYPE_INCOMPLETE, conflict)

	children, err := env.watcher.LookupNodeChildren(rollup.GenesisNode)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.False(t, env.watcher.AreUnresolvedNodesLinear())
	require.Equal(t, []common.Address{alice, bob}, env.rollup.StakerAddresses())
}
