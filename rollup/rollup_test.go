// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package rollup

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/util/testhelpers"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var (
	owner    = common.HexToAddress("0x01")
	seqInbox = common.HexToAddress("0x02")
	alice    = common.HexToAddress("0xa11ce")
	bob      = common.HexToAddress("0xb0b")
	carol    = common.HexToAddress("0xca201")
	stranger = common.HexToAddress("0x5742")
	wasmRoot = common.HexToHash("0x1234")
)

var baseStake = big.NewInt(1000)

type testEnv struct {
	ledger   *l1.Ledger
	recorder *events.Recorder
	policy   *access.Policy
	bridge   *bridge.Bridge
	outbox   *outbox.Outbox
	manager  *challenge.Manager
	rollup   *Rollup
	config   Config
}

func newTestEnv(t *testing.T) *testEnv {
	ledger := l1.NewLedger(&l1.DefaultConfig)
	recorder := events.NewRecorder()
	ledger.Subscribe(recorder)
	policy := access.NewPolicy(owner)
	b := bridge.NewBridge(ledger.NewContractAddress("bridge"), policy)
	ob := outbox.NewOutbox(ledger.NewContractAddress("outbox"), b, policy)
	manager := challenge.NewManager(ledger.NewContractAddress("challenge"), policy, b, machine.NewOneStepProver(), &challenge.DefaultConfig)
	config := TestConfig
	config.WasmModuleRoot = wasmRoot.Hex()
	r, err := NewRollup(ledger.NewContractAddress("rollup"), policy, b, ob, manager, &config, ledger.BlockNumber())
	require.NoError(t, err)
	policy.Bootstrap(access.Rollup, r.Address())
	policy.Bootstrap(access.ChallengeManager, manager.Address())
	policy.Bootstrap(access.SequencerInbox, seqInbox)
	for _, v := range []common.Address{alice, bob, carol} {
		policy.Bootstrap(access.Validator, v)
		ledger.Mint(v, big.NewInt(1_000_000))
	}
	env := &testEnv{ledger, recorder, policy, b, ob, manager, r, config}
	env.addBatches(t, 3)
	env.ledger.AdvanceBlocks(1)
	return env
}

func (e *testEnv) addBatches(t *testing.T, n int) {
	require.NoError(t, e.ledger.Tx(seqInbox, func(tx *l1.ActiveTx) error {
		for i := 0; i < n; i++ {
			if _, _, _, _, err := e.bridge.EnqueueSequencerMessage(tx, seqInbox, testhelpers.RandomHash(), 0, 0, 0); err != nil {
				return err
			}
		}
		return nil
	}))
}

func finished(gs validator.GoGlobalState) validator.ExecutionState {
	return validator.ExecutionState{GlobalState: gs, MachineStatus: validator.MachineStatusFinished}
}

func genesisAssertion(after validator.GoGlobalState, blocks uint64) *validator.Assertion {
	return &validator.Assertion{
		BeforeState: finished(validator.GoGlobalState{}),
		AfterState:  finished(after),
		NumBlocks:   blocks,
	}
}

func randomState(batch uint64) validator.GoGlobalState {
	return validator.GoGlobalState{BlockHash: testhelpers.RandomHash(), SendRoot: testhelpers.RandomHash(), Batch: batch}
}

func (e *testEnv) stakeOnGenesis(t *testing.T, staker common.Address, assertion *validator.Assertion) uint64 {
	var nodeNum uint64
	require.NoError(t, e.ledger.Tx(staker, func(tx *l1.ActiveTx) error {
		var err error
		nodeNum, err = e.rollup.NewStakeOnNewNode(tx, staker, baseStake, assertion, common.Hash{}, e.config.GenesisInboxMaxCount)
		return err
	}))
	return nodeNum
}

func (e *testEnv) tx(caller common.Address, fn func(tx *l1.ActiveTx) error) error {
	return e.ledger.Tx(caller, fn)
}

func TestConfigValidate(t *testing.T) {
	config := TestConfig
	require.NoError(t, config.Validate())
	require.Equal(t, baseStake, config.BaseStakeWei())

	config.BaseStake = "lots"
	require.Error(t, config.Validate())
	config = TestConfig
	config.LoserStakeEscrow = "nowhere"
	require.Error(t, config.Validate())
	config = TestConfig
	config.WasmModuleRoot = "0x1234"
	require.Error(t, config.Validate())
	config = TestConfig
	config.ConfirmPeriodBlocks = 0
	require.Error(t, config.Validate())
}

func TestStakeConfirmAndWithdraw(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	after := randomState(1)
	assertion := genesisAssertion(after, 4)

	var expected common.Hash
	require.NoError(t, env.ledger.Call(func(tx *l1.ActiveTx) error {
		var err error
		expected, err = r.ExpectedNodeHash(tx.BlockNumber(), assertion, GenesisNode, env.config.GenesisInboxMaxCount)
		return err
	}))
	createdAt := env.ledger.BlockNumber()
	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		_, err := r.NewStakeOnNewNode(tx, alice, baseStake, assertion, expected, env.config.GenesisInboxMaxCount)
		return err
	}))
	require.Equal(t, uint64(1), r.LatestNodeCreated())
	node, ok := r.GetNode(1)
	require.True(t, ok)
	require.Equal(t, expected, node.NodeHash)
	require.Equal(t, createdAt+env.config.ConfirmPeriodBlocks, node.DeadlineBlock)
	require.Equal(t, uint64(1), node.StakerCount)
	require.True(t, r.NodeHasStaker(1, alice))
	require.Equal(t, uint64(1), r.LatestStakedNode(alice))
	require.Equal(t, big.NewInt(999_000), balance(t, env, alice))

	created, ok := events.Last[*NodeCreated](env.recorder, nil)
	require.True(t, ok)
	require.Equal(t, uint64(1), created.NodeNum)
	require.Equal(t, uint64(3), created.InboxMaxCount)
	acc, err := env.bridge.SequencerInboxAcc(0)
	require.NoError(t, err)
	require.Equal(t, acc, created.AfterInboxBatchAcc)

	confirm := func(blockHash, sendRoot common.Hash) error {
		return env.tx(alice, func(tx *l1.ActiveTx) error {
			return r.ConfirmNextNode(tx, alice, blockHash, sendRoot)
		})
	}
	require.ErrorIs(t, confirm(after.BlockHash, after.SendRoot), ErrBeforeDeadline)
	env.ledger.AdvanceBlocks(env.config.ConfirmPeriodBlocks)
	require.ErrorIs(t, confirm(after.BlockHash, testhelpers.RandomHash()), ErrConfirmData)
	require.NoError(t, confirm(after.BlockHash, after.SendRoot))
	require.Equal(t, uint64(1), r.LatestConfirmed())
	require.Equal(t, uint64(2), r.FirstUnresolvedNode())
	require.Equal(t, after.BlockHash, env.outbox.Roots(after.SendRoot))
	require.ErrorIs(t, confirm(after.BlockHash, after.SendRoot), ErrNoUnresolvedNodes)

	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ReturnOldDeposit(tx, alice, alice)
	}))
	require.False(t, r.IsStaked(alice))
	require.Equal(t, baseStake, r.WithdrawableFunds(alice))
	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		amount, err := r.WithdrawStakerFunds(tx, alice)
		require.Equal(t, baseStake, amount)
		return err
	}))
	require.Equal(t, big.NewInt(1_000_000), balance(t, env, alice))
	require.Zero(t, r.TotalWithdrawableFunds().Sign())
}

func balance(t *testing.T, env *testEnv, addr common.Address) *big.Int {
	var b *big.Int
	require.NoError(t, env.ledger.Call(func(tx *l1.ActiveTx) error {
		b = tx.Balance(addr)
		return nil
	}))
	return b
}

func TestNewNodeValidation(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	stake := func(caller common.Address, deposit *big.Int, assertion *validator.Assertion, expected common.Hash) error {
		return env.tx(caller, func(tx *l1.ActiveTx) error {
			_, err := r.NewStakeOnNewNode(tx, caller, deposit, assertion, expected, env.config.GenesisInboxMaxCount)
			return err
		})
	}
	good := genesisAssertion(randomState(1), 1)

	require.ErrorIs(t, stake(stranger, baseStake, good, common.Hash{}), access.ErrNotAuthorized)
	var stakeErr *NotEnoughStakeError
	require.True(t, errors.As(stake(alice, big.NewInt(999), good, common.Hash{}), &stakeErr))
	require.Equal(t, baseStake, stakeErr.Required)

	running := genesisAssertion(randomState(1), 1)
	running.AfterState.MachineStatus = validator.MachineStatusRunning
	require.ErrorIs(t, stake(alice, baseStake, running, common.Hash{}), ErrBadAfterStatus)

	wrongPrev := genesisAssertion(randomState(1), 1)
	wrongPrev.BeforeState.GlobalState.BlockHash = testhelpers.RandomHash()
	require.ErrorIs(t, stake(alice, baseStake, wrongPrev, common.Hash{}), ErrPrevStateHash)

	require.ErrorIs(t, stake(alice, baseStake, genesisAssertion(randomState(0), 1), common.Hash{}), ErrTooSmall)
	require.ErrorIs(t, stake(alice, baseStake, genesisAssertion(randomState(1), 0), common.Hash{}), ErrEmptyAssertion)

	var pastEnd *InboxPastEndError
	require.True(t, errors.As(stake(alice, baseStake, genesisAssertion(randomState(5), 1), common.Hash{}), &pastEnd))
	require.Equal(t, uint64(5), pastEnd.AfterInboxCount)
	require.Equal(t, uint64(3), pastEnd.InboxSize)

	// Reading into the middle of the last batch needs that batch too.
	midBatch := randomState(2)
	midBatch.PosInBatch = 1
	require.NoError(t, env.ledger.Call(func(tx *l1.ActiveTx) error {
		_, err := r.ExpectedNodeHash(tx.BlockNumber(), genesisAssertion(midBatch, 1), GenesisNode, 1)
		return err
	}))
	midBatch.Batch = 3
	require.ErrorIs(t, stake(alice, baseStake, genesisAssertion(midBatch, 1), common.Hash{}), ErrInboxPastEnd)

	require.ErrorIs(t, stake(alice, baseStake, good, testhelpers.RandomHash()), ErrUnexpectedNodeHash)

	// Every failure above was rolled back.
	require.Equal(t, big.NewInt(1_000_000), balance(t, env, alice))
	require.Zero(t, r.StakerCount())
	require.Zero(t, r.LatestNodeCreated())

	env.stakeOnGenesis(t, alice, good)
	require.ErrorIs(t, stake(alice, baseStake, good, common.Hash{}), ErrAlreadyStaked)
}

func TestStakeOnExistingNode(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	nodeNum := env.stakeOnGenesis(t, alice, genesisAssertion(randomState(1), 2))
	node, _ := r.GetNode(nodeNum)

	require.ErrorIs(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.NewStakeOnExistingNode(tx, carol, baseStake, nodeNum, testhelpers.RandomHash())
	}), ErrNodeReorg)
	require.ErrorIs(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.NewStakeOnExistingNode(tx, carol, baseStake, nodeNum+1, node.NodeHash)
	}), ErrNodeNumOutOfRange)
	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.NewStakeOnExistingNode(tx, carol, baseStake, nodeNum, node.NodeHash)
	}))
	node, _ = r.GetNode(nodeNum)
	require.Equal(t, uint64(2), node.StakerCount)
	genesis, _ := r.GetNode(GenesisNode)
	require.Equal(t, uint64(2), genesis.ChildStakerCount)
	require.ErrorIs(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.StakeOnExistingNode(tx, carol, nodeNum, node.NodeHash)
	}), ErrNotStakedPrev)
}

func TestRequiredStakeGrowth(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	require.Equal(t, baseStake, r.RequiredStake(1_000_000, r.FirstUnresolvedNode(), r.LatestNodeCreated()))

	env.stakeOnGenesis(t, alice, genesisAssertion(randomState(1), 1))
	node, _ := r.GetNode(1)
	deadline := node.DeadlineBlock
	period := env.config.ConfirmPeriodBlocks
	required := func(block uint64) *big.Int {
		return r.RequiredStake(block, r.FirstUnresolvedNode(), r.LatestNodeCreated())
	}
	require.Equal(t, baseStake, required(deadline-1))
	require.Equal(t, baseStake, required(deadline))
	require.Equal(t, baseStake, required(deadline+period/10))
	require.Equal(t, big.NewInt(2000), required(deadline+period))
	// 2 * 114243 / 80782 rounds down to 2.
	require.Equal(t, big.NewInt(2000), required(deadline+period+period/2))
	require.Equal(t, big.NewInt(1024000), required(deadline+10*period))
	require.Equal(t, new(big.Int).Lsh(baseStake, 240), required(deadline+240*period))
	require.Equal(t, math.MaxBig256, required(deadline+250*period))
	require.Equal(t, math.MaxBig256, required(deadline+255*period))

	env.ledger.AdvanceBlocks(deadline + period - env.ledger.BlockNumber())
	require.NoError(t, env.ledger.Call(func(tx *l1.ActiveTx) error {
		require.Equal(t, big.NewInt(2000), r.CurrentRequiredStake(tx))
		return nil
	}))
	require.ErrorIs(t, env.tx(bob, func(tx *l1.ActiveTx) error {
		return r.NewStakeOnExistingNode(tx, bob, baseStake, 1, node.NodeHash)
	}), ErrNotEnoughStake)
}

func TestDepositAdjustments(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	env.stakeOnGenesis(t, alice, genesisAssertion(randomState(1), 1))

	require.NoError(t, env.tx(bob, func(tx *l1.ActiveTx) error {
		return r.AddToDeposit(tx, bob, alice, big.NewInt(500))
	}))
	require.Equal(t, big.NewInt(1500), r.AmountStaked(alice))
	require.ErrorIs(t, env.tx(bob, func(tx *l1.ActiveTx) error {
		return r.AddToDeposit(tx, bob, carol, big.NewInt(500))
	}), ErrNotStaked)

	// The target is raised to the required stake.
	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ReduceDeposit(tx, alice, big.NewInt(10))
	}))
	require.Equal(t, baseStake, r.AmountStaked(alice))
	require.Equal(t, big.NewInt(500), r.WithdrawableFunds(alice))
	require.ErrorIs(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ReduceDeposit(tx, alice, big.NewInt(10))
	}), ErrTooLittleStake)

	require.ErrorIs(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ReturnOldDeposit(tx, alice, alice)
	}), ErrTooRecent)
}

// conflict stakes alice and bob on two different children of the genesis node.
func conflict(t *testing.T, env *testEnv) (*validator.Assertion, *validator.Assertion) {
	honest := genesisAssertion(randomState(1), 2)
	evil := genesisAssertion(randomState(1), 2)
	env.stakeOnGenesis(t, alice, honest)
	env.stakeOnGenesis(t, bob, evil)
	return honest, evil
}

func (e *testEnv) createChallenge(t *testing.T, honest, evil *validator.Assertion) (uint64, error) {
	n1, _ := e.rollup.GetNode(1)
	n2, _ := e.rollup.GetNode(2)
	evilHash, err := evil.ExecutionHash()
	require.NoError(t, err)
	var index uint64
	err = e.tx(carol, func(tx *l1.ActiveTx) error {
		var err error
		index, err = e.rollup.CreateChallenge(
			tx, carol,
			[2]common.Address{alice, bob},
			[2]uint64{1, 2},
			[2]validator.MachineStatus{honest.BeforeState.MachineStatus, honest.AfterState.MachineStatus},
			[2]validator.GoGlobalState{honest.BeforeState.GlobalState, honest.AfterState.GlobalState},
			honest.NumBlocks,
			evilHash,
			[2]uint64{n1.CreatedAtBlock, n2.CreatedAtBlock},
			[2]common.Hash{wasmRoot, wasmRoot},
		)
		return err
	})
	return index, err
}

func TestChallengeLoserBecomesZombie(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	honest, evil := conflict(t, env)
	env.ledger.AdvanceBlocks(env.config.ConfirmPeriodBlocks)

	err := env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ConfirmNextNode(tx, alice, honest.AfterState.GlobalState.BlockHash, honest.AfterState.GlobalState.SendRoot)
	})
	var notAll *NotAllStakedError
	require.True(t, errors.As(err, &notAll))
	require.Equal(t, uint64(2), notAll.ChildStakerCount)

	wrongData := *honest
	wrongData.NumBlocks++
	_, err = env.createChallenge(t, &wrongData, evil)
	require.ErrorIs(t, err, ErrChallengeHash)

	index, err := env.createChallenge(t, honest, evil)
	require.NoError(t, err)
	require.NotZero(t, index)
	require.Equal(t, index, r.CurrentChallenge(alice))
	require.Equal(t, index, r.CurrentChallenge(bob))
	started, ok := events.Last[*RollupChallengeStarted](env.recorder, nil)
	require.True(t, ok)
	require.Equal(t, RollupChallengeStarted{ChallengeIndex: index, Asserter: alice, Challenger: bob, ChallengedNode: 1}, *started)
	c, ok := env.manager.Challenge(index)
	require.True(t, ok)
	require.Equal(t, bob, c.Current.Addr)
	// Both nodes were proposed in the same block, so the clocks are equal.
	require.Equal(t, (env.config.ConfirmPeriodBlocks+env.config.ExtraChallengeTimeBlocks)*env.config.SecondsPerBlock, c.Current.TimeLeft)

	_, err = env.createChallenge(t, honest, evil)
	require.ErrorIs(t, err, ErrInChallenge)
	require.ErrorIs(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.CompleteChallenge(tx, alice, index, alice, bob)
	}), access.ErrNotAuthorized)

	env.ledger.AdvanceTime(c.Current.TimeLeft + 1)
	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return env.manager.Timeout(tx, carol, index)
	}))

	require.Zero(t, r.CurrentChallenge(alice))
	require.False(t, r.IsStaked(bob))
	require.True(t, r.IsZombie(bob))
	require.Equal(t, big.NewInt(1500), r.AmountStaked(alice))
	require.Equal(t, big.NewInt(500), r.WithdrawableFunds(r.LoserStakeEscrow()))
	require.ErrorIs(t, env.tx(bob, func(tx *l1.ActiveTx) error {
		return r.NewStakeOnExistingNode(tx, bob, baseStake, 1, common.Hash{})
	}), ErrStakerIsZombie)

	// The zombie on the sibling no longer blocks confirmation.
	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ConfirmNextNode(tx, alice, honest.AfterState.GlobalState.BlockHash, honest.AfterState.GlobalState.SendRoot)
	}))
	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.RejectNextNode(tx, alice, alice)
	}))
	require.Equal(t, uint64(3), r.FirstUnresolvedNode())
	rejected, ok := events.Last[*NodeRejected](env.recorder, nil)
	require.True(t, ok)
	require.Equal(t, uint64(2), rejected.NodeNum)

	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.RemoveZombie(tx, 0, 10)
	}))
	require.Zero(t, r.ZombieCount())
	_, stored := r.GetNode(2)
	require.False(t, stored)
	require.ErrorIs(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.RemoveZombie(tx, 0, 10)
	}), ErrNoSuchZombie)
}

func TestRejectUnstakedSibling(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	honest, evil := conflict(t, env)
	env.ledger.AdvanceBlocks(env.config.ConfirmPeriodBlocks)
	index, err := env.createChallenge(t, honest, evil)
	require.NoError(t, err)
	c, _ := env.manager.Challenge(index)
	env.ledger.AdvanceTime(c.Current.TimeLeft + 1)
	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return env.manager.Timeout(tx, carol, index)
	}))

	// Node 1 is first unresolved and alice is staked on it.
	require.ErrorIs(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.RejectNextNode(tx, carol, alice)
	}), ErrStakedOnTarget)
	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.ConfirmNextNode(tx, carol, honest.AfterState.GlobalState.BlockHash, honest.AfterState.GlobalState.SendRoot)
	}))
	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.RejectNextNode(tx, carol, alice)
	}))
}

func TestLateSecondNodeLoses(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	honest := genesisAssertion(randomState(1), 2)
	evil := genesisAssertion(randomState(1), 2)
	env.stakeOnGenesis(t, alice, honest)
	env.ledger.AdvanceBlocks(env.config.ConfirmPeriodBlocks + env.config.ExtraChallengeTimeBlocks + 1)
	env.stakeOnGenesis(t, bob, evil)

	index, err := env.createChallenge(t, honest, evil)
	require.NoError(t, err)
	require.Zero(t, index)
	require.Zero(t, env.manager.TotalChallengesCreated())
	require.True(t, r.IsZombie(bob))
	require.Equal(t, big.NewInt(1500), r.AmountStaked(alice))
}

func TestForceResolveChallenge(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	honest, evil := conflict(t, env)
	index, err := env.createChallenge(t, honest, evil)
	require.NoError(t, err)

	require.ErrorIs(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ForceResolveChallenge(tx, alice, alice, bob)
	}), access.ErrNotAuthorized)
	require.NoError(t, env.tx(owner, func(tx *l1.ActiveTx) error {
		return r.ForceResolveChallenge(tx, owner, alice, bob)
	}))
	require.Zero(t, r.CurrentChallenge(alice))
	require.Zero(t, r.CurrentChallenge(bob))
	_, ok := env.manager.Challenge(index)
	require.False(t, ok)
	require.Equal(t, baseStake, r.AmountStaked(bob))
	ended, ok := events.Last[*challenge.ChallengeEnded](env.recorder, nil)
	require.True(t, ok)
	require.Equal(t, challenge.TerminationCleared, ended.Kind)
}

// bobLoses stakes alice and bob on sibling nodes 1 and 2 and times bob out of their challenge.
func bobLoses(t *testing.T, env *testEnv) *validator.Assertion {
	honest, evil := conflict(t, env)
	env.ledger.AdvanceBlocks(env.config.ConfirmPeriodBlocks)
	index, err := env.createChallenge(t, honest, evil)
	require.NoError(t, err)
	c, _ := env.manager.Challenge(index)
	env.ledger.AdvanceTime(c.Current.TimeLeft + 1)
	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return env.manager.Timeout(tx, carol, index)
	}))
	require.True(t, env.rollup.IsZombie(bob))
	return honest
}

func TestRemoveZombieStopsAtFirstUnresolved(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	bobLoses(t, env)
	genesis, _ := r.GetNode(GenesisNode)

	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.RemoveZombie(tx, 0, 0)
	}))
	require.Equal(t, []Zombie{{StakerAddress: bob, LatestStakedNode: 2}}, r.Zombies())

	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.RemoveZombie(tx, 0, 10)
	}))
	require.Zero(t, r.ZombieCount())
	require.False(t, r.NodeHasStaker(2, bob))
	n2, _ := r.GetNode(2)
	require.Zero(t, n2.StakerCount)

	// the walk ends at the first unresolved node, leaving the confirmed root alone
	after, _ := r.GetNode(GenesisNode)
	require.Equal(t, genesis.StakerCount, after.StakerCount)
	require.Equal(t, genesis.ChildStakerCount-1, after.ChildStakerCount)
}

func TestResolvedNodesDestroyed(t *testing.T) {
	env := newTestEnv(t)
	r := env.rollup
	honest := bobLoses(t, env)

	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ConfirmNextNode(tx, alice, honest.AfterState.GlobalState.BlockHash, honest.AfterState.GlobalState.SendRoot)
	}))
	_, stored := r.GetNode(GenesisNode)
	require.True(t, stored)

	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.RejectNextNode(tx, alice, alice)
	}))
	_, stored = r.GetNode(2)
	require.False(t, stored)
	require.False(t, r.NodeHasStaker(2, bob))
	// a zombie on a destroyed node is dropped without walking
	require.NoError(t, env.tx(carol, func(tx *l1.ActiveTx) error {
		return r.RemoveZombie(tx, 0, 10)
	}))
	require.Zero(t, r.ZombieCount())

	next := &validator.Assertion{
		BeforeState: honest.AfterState,
		AfterState:  finished(randomState(3)),
		NumBlocks:   1,
	}
	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		_, err := r.StakeOnNewNode(tx, alice, next, common.Hash{}, 3)
		return err
	}))
	require.Equal(t, uint64(3), r.LatestStakedNode(alice))
	env.ledger.AdvanceBlocks(env.config.ConfirmPeriodBlocks)
	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ConfirmNextNode(tx, alice, next.AfterState.GlobalState.BlockHash, next.AfterState.GlobalState.SendRoot)
	}))
	require.Equal(t, uint64(3), r.LatestConfirmed())
	_, stored = r.GetNode(1)
	require.False(t, stored)
	require.False(t, r.NodeHasStaker(1, alice))
	_, stored = r.GetNode(3)
	require.True(t, stored)

	require.NoError(t, env.tx(alice, func(tx *l1.ActiveTx) error {
		return r.ReturnOldDeposit(tx, alice, alice)
	}))
	require.False(t, r.IsStaked(alice))
}
