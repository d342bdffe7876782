// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package arbtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/deploy"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/sequencerinbox"
	"github.com/offchainlabs/rollup-settlement/staker"
	"github.com/offchainlabs/rollup-settlement/util/testhelpers"
)

var (
	ownerAddr     = common.HexToAddress("0x000000000000000000000000000000000000AA01")
	sequencerAddr = common.HexToAddress("0x000000000000000000000000000000000000AA02")
	userAddr      = common.HexToAddress("0x000000000000000000000000000000000000AA03")
	honestAddr    = common.HexToAddress("0x000000000000000000000000000000000000BB01")
	faultyAddr    = common.HexToAddress("0x000000000000000000000000000000000000BB02")
)

var testTimeVariation = sequencerinbox.MaxTimeVariation{
	DelayBlocks:   30,
	FutureBlocks:  4,
	DelaySeconds:  600,
	FutureSeconds: 60,
}

var defaultTestChainConfig = staker.L2ChainConfig{
	MessagesPerBatch: 4,
	SpinIterations:   2,
	WithdrawTo:       "0x000000000000000000000000000000000000CC01",
	StateCacheSize:   32,
}

func Require(t *testing.T, err error, text ...interface{}) {
	t.Helper()
	testhelpers.RequireImpl(t, err, text...)
}

func Fail(t *testing.T, printables ...interface{}) {
	t.Helper()
	testhelpers.FailImpl(t, printables...)
}

type revertError struct{ data []byte }

func (e *revertError) Error() string      { return string(e.data) }
func (e *revertError) RevertData() []byte { return e.data }

// receiver is the withdrawal target. It remembers the outbox context of each call and can be
// told to revert.
type receiver struct {
	outbox   *outbox.Outbox
	contexts []outbox.L2ToL1Context
	revert   bool
}

func (r *receiver) Call(tx *l1.ActiveTx, caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	ctx, ok := r.outbox.L2ToL1Context()
	if !ok {
		return nil, errors.New("called outside of an outbox execution")
	}
	if r.revert {
		return nil, &revertError{[]byte("receiver closed")}
	}
	l1.Append(tx, &r.contexts, ctx)
	return nil, nil
}

type settlementTest struct {
	ctx         context.Context
	chainConfig staker.L2ChainConfig
	deployment  *deploy.Deployment
	ledger      *l1.Ledger
	poster      *sequencerinbox.BatchPoster
	watcher     *staker.RollupWatcher
	receiver    *receiver
}

type testOptions struct {
	chain       staker.L2ChainConfig
	degree      uint64
	extraBlocks uint64
}

func defaultTestOptions() testOptions {
	return testOptions{chain: defaultTestChainConfig, degree: 2, extraBlocks: 500}
}

func newSettlementTest(t *testing.T, opts testOptions) *settlementTest {
	t.Helper()
	ledger := l1.NewLedger(&l1.DefaultConfig)
	program := machine.BlockProgram(opts.chain.MessagesPerBatch, opts.chain.SpinIterations, opts.chain.WithdrawToAddress())

	config := deploy.DefaultConfig
	config.SequencerInbox.MaxTimeVariation = testTimeVariation
	config.Rollup = deploy.GenerateRollupConfig(false, program.ModulesRoot(), common.HexToAddress("0xdead"))
	config.Rollup.ExtraChallengeTimeBlocks = opts.extraBlocks
	config.Challenge.MaxBisectionDegree = opts.degree
	d, err := deploy.DeployOnLedger(ledger, ownerAddr, []common.Address{sequencerAddr}, []common.Address{honestAddr, faultyAddr}, &config)
	Require(t, err)

	rec := &receiver{outbox: d.Outbox}
	Require(t, ledger.Register(opts.chain.WithdrawToAddress(), rec))
	for _, addr := range []common.Address{userAddr, honestAddr, faultyAddr} {
		ledger.Mint(addr, big.NewInt(1_000_000_000_000))
	}
	poster, err := sequencerinbox.NewBatchPoster(ledger, d.SequencerInbox, d.Bridge, sequencerAddr, &config.SequencerInbox.BatchBuilder)
	Require(t, err)
	return &settlementTest{
		ctx:         context.Background(),
		chainConfig: opts.chain,
		deployment:  d,
		ledger:      ledger,
		poster:      poster,
		watcher:     staker.NewRollupWatcher(d.Rollup, d.Recorder),
		receiver:    rec,
	}
}

func (s *settlementTest) sendDelayed(t *testing.T, data []byte) *bridge.MessageDelivered {
	t.Helper()
	Require(t, s.ledger.Tx(userAddr, func(tx *l1.ActiveTx) error {
		_, err := s.deployment.Inbox.SendL2Message(tx, userAddr, data)
		return err
	}))
	msg, ok := events.Last[*bridge.MessageDelivered](s.deployment.Recorder, nil)
	if !ok {
		Fail(t, "no delayed message delivered")
	}
	return msg
}

func (s *settlementTest) postBatches(t *testing.T, n int, txsPerBatch int) {
	t.Helper()
	for b := 0; b < n; b++ {
		for i := 0; i < txsPerBatch; i++ {
			s.poster.Enqueue([]byte(fmt.Sprintf("tx %d/%d", b, i)))
		}
		posted, err := s.poster.PostBatch()
		Require(t, err)
		if !posted {
			Fail(t, "batch", b, "not posted")
		}
		s.ledger.AdvanceBlocks(1)
	}
}

func (s *settlementTest) forceInclude(msg *bridge.MessageDelivered) error {
	return s.ledger.Tx(userAddr, func(tx *l1.ActiveTx) error {
		return s.deployment.SequencerInbox.ForceInclusion(
			tx,
			userAddr,
			msg.MessageIndex+1,
			msg.Kind,
			[2]uint64{msg.BlockNumber, msg.Timestamp},
			msg.BaseFeeL1,
			msg.Sender,
			msg.MessageDataHash,
		)
	})
}

func (s *settlementTest) newChain(t *testing.T, fault staker.DangerousConfig) *staker.L2Chain {
	t.Helper()
	config := s.chainConfig
	chain, err := staker.NewL2Chain(&config, s.deployment.Bridge, s.deployment.Rollup.Config().GenesisState, fault)
	Require(t, err)
	return chain
}

func (s *settlementTest) newStaker(t *testing.T, addr common.Address, chain *staker.L2Chain, fault staker.DangerousConfig) *staker.Staker {
	t.Helper()
	config := staker.TestL1ValidatorConfig
	config.Dangerous = fault
	st, err := staker.NewStaker(s.ledger, s.deployment.Recorder, s.watcher, s.deployment.ChallengeManager, chain, addr, config)
	Require(t, err)
	return st
}

// runRounds lets every staker act once per base ledger block until done holds.
func (s *settlementTest) runRounds(t *testing.T, maxRounds int, done func() bool, stakers ...*staker.Staker) {
	t.Helper()
	for round := 0; round < maxRounds; round++ {
		if done() {
			return
		}
		for _, st := range stakers {
			_, err := st.Act(s.ctx)
			Require(t, err, "staker", st.Address(), "round", round)
		}
		s.ledger.AdvanceBlocks(1)
	}
	if !done() {
		Fail(t, "not done after", maxRounds, "rounds")
	}
}

func (s *settlementTest) confirmedState(t *testing.T) *staker.NodeInfo {
	t.Helper()
	node, err := s.watcher.LookupNode(s.deployment.Rollup.LatestConfirmed())
	Require(t, err)
	return node
}

func (s *settlementTest) executeWithdrawal(w *staker.Withdrawal) (bool, []byte, error) {
	var success bool
	var ret []byte
	err := s.ledger.Tx(userAddr, func(tx *l1.ActiveTx) error {
		var err error
		success, ret, err = s.deployment.Outbox.ExecuteTransaction(tx, userAddr, w.Proof, w.Index, w.L2Sender, w.To, w.L2Block, 0, 0, nil, w.Data)
		return err
	})
	return success, ret, err
}
