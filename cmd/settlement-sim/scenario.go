// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/deploy"
	"github.com/offchainlabs/rollup-settlement/eventlog"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/machine"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/rollup"
	"github.com/offchainlabs/rollup-settlement/sequencerinbox"
	"github.com/offchainlabs/rollup-settlement/staker"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var (
	ownerAddress     = common.HexToAddress("0x0000000000000000000000000000000000000A01")
	sequencerAddress = common.HexToAddress("0x0000000000000000000000000000000000000A02")
	userAddress      = common.HexToAddress("0x0000000000000000000000000000000000000A03")
	honestAddress    = common.HexToAddress("0x0000000000000000000000000000000000000B01")
	adversaryAddress = common.HexToAddress("0x0000000000000000000000000000000000000B02")
)

var (
	genesisBalance = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	depositAmount  = big.NewInt(1_000_000_000)
)

// withdrawalReceiver is the base ledger contract the block program's outgoing messages are
// addressed to. It records the L2 sender the outbox exposes during each call.
type withdrawalReceiver struct {
	outbox   *outbox.Outbox
	received []common.Address
}

func (r *withdrawalReceiver) Call(tx *l1.ActiveTx, caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	l1.Append(tx, &r.received, r.outbox.L2ToL1Sender())
	return nil, nil
}

// Summary is what a scenario run leaves behind.
type Summary struct {
	Addresses           deploy.RollupAddresses  `json:"addresses"`
	SequencerBatches    uint64                  `json:"sequencer-batches"`
	DelayedMessages     uint64                  `json:"delayed-messages"`
	ForceIncluded       bool                    `json:"force-included"`
	L2Blocks            uint64                  `json:"l2-blocks"`
	ConfirmedNode       uint64                  `json:"confirmed-node"`
	ConfirmedState      validator.GoGlobalState `json:"confirmed-state"`
	Challenges          int                     `json:"challenges"`
	OneStepProofs       int                     `json:"one-step-proofs"`
	AdversaryStaked     bool                    `json:"adversary-staked"`
	AdversaryRemoved    bool                    `json:"adversary-removed"`
	HonestStake         *big.Int                `json:"honest-stake"`
	WithdrawalsExecuted int                     `json:"withdrawals-executed"`
	ReplayRejected      bool                    `json:"replay-rejected"`
	Rounds              int                     `json:"rounds"`
	Events              map[string]int          `json:"events"`
	Journaled           uint64                  `json:"journaled"`
}

// Scenario drives one deployment through deposits, batches, force inclusion, a dispute and
// withdrawals.
type Scenario struct {
	config     *SimConfig
	ledger     *l1.Ledger
	journal    *eventlog.Journal
	deployment *deploy.Deployment
	receiver   *withdrawalReceiver
	poster     *sequencerinbox.BatchPoster
	chain      *staker.L2Chain
	watcher    *staker.RollupWatcher
	honest     *staker.Staker
	adversary  *staker.Staker

	adversaryStaked bool
	forceIncluded   bool
}

func NewScenario(config *SimConfig) (*Scenario, error) {
	ledger := l1.NewLedger(&config.L1)
	s := &Scenario{config: config, ledger: ledger}
	if config.EventLog.Enable {
		journal, err := eventlog.Open(&config.EventLog)
		if err != nil {
			return nil, fmt.Errorf("opening event journal: %w", err)
		}
		ledger.Subscribe(journal)
		s.journal = journal
	}
	if err := s.setup(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Scenario) setup() error {
	config := s.config
	deployConfig := config.Deploy
	if deployConfig.Rollup.WasmModuleRoot == "" {
		program := machine.BlockProgram(config.Chain.MessagesPerBatch, config.Chain.SpinIterations, config.Chain.WithdrawToAddress())
		deployConfig.Rollup.WasmModuleRoot = program.ModulesRoot().Hex()
	}
	validators := []common.Address{honestAddress}
	if s.adversaryEnabled() {
		validators = append(validators, adversaryAddress)
	}
	d, err := deploy.DeployOnLedger(s.ledger, ownerAddress, []common.Address{sequencerAddress}, validators, &deployConfig)
	if err != nil {
		return err
	}
	s.deployment = d

	s.receiver = &withdrawalReceiver{outbox: d.Outbox}
	if err := s.ledger.Register(config.Chain.WithdrawToAddress(), s.receiver); err != nil {
		return fmt.Errorf("registering withdrawal receiver: %w", err)
	}
	for _, addr := range append(validators, userAddress) {
		s.ledger.Mint(addr, genesisBalance)
	}

	s.poster, err = sequencerinbox.NewBatchPoster(s.ledger, d.SequencerInbox, d.Bridge, sequencerAddress, &deployConfig.SequencerInbox.BatchBuilder)
	if err != nil {
		return err
	}
	s.watcher = staker.NewRollupWatcher(d.Rollup, d.Recorder)
	genesis := d.Rollup.Config().GenesisState
	s.chain, err = staker.NewL2Chain(&config.Chain, d.Bridge, genesis, staker.DangerousConfig{})
	if err != nil {
		return err
	}
	s.honest, err = staker.NewStaker(s.ledger, d.Recorder, s.watcher, d.ChallengeManager, s.chain, honestAddress, config.Validator)
	if err != nil {
		return fmt.Errorf("honest validator: %w", err)
	}
	if s.adversaryEnabled() {
		faultyChain, err := staker.NewL2Chain(&config.Chain, d.Bridge, genesis, config.Scenario.Adversary)
		if err != nil {
			return err
		}
		adversaryConfig := config.Validator
		adversaryConfig.Strategy = staker.MakeNodesStrategy.String()
		adversaryConfig.Dangerous = config.Scenario.Adversary
		s.adversary, err = staker.NewStaker(s.ledger, d.Recorder, s.watcher, d.ChallengeManager, faultyChain, adversaryAddress, adversaryConfig)
		if err != nil {
			return fmt.Errorf("adversarial validator: %w", err)
		}
	}
	return nil
}

func (s *Scenario) adversaryEnabled() bool {
	return s.config.Scenario.Adversary.FaultBlock != 0
}

func (s *Scenario) Deployment() *deploy.Deployment {
	return s.deployment
}

func (s *Scenario) Close() {
	if s.journal == nil {
		return
	}
	if err := s.journal.Close(); err != nil {
		log.Error("error closing event journal", "err", err)
	}
	s.journal = nil
}

// Run plays the whole scenario.
func (s *Scenario) Run(ctx context.Context) (*Summary, error) {
	if err := s.deposit(); err != nil {
		return nil, fmt.Errorf("deposits: %w", err)
	}
	if err := s.postBatches(); err != nil {
		return nil, fmt.Errorf("batches: %w", err)
	}
	if s.config.Scenario.ForceInclusion {
		if err := s.forceInclude(); err != nil {
			return nil, fmt.Errorf("force inclusion: %w", err)
		}
	}
	rounds, err := s.validate(ctx)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	executed, replayRejected, err := s.withdraw(ctx)
	if err != nil {
		return nil, fmt.Errorf("withdrawals: %w", err)
	}
	return s.summarize(rounds, executed, replayRejected)
}

func (s *Scenario) deposit() error {
	for i := 0; i < s.config.Scenario.Deposits; i++ {
		err := s.ledger.Tx(userAddress, func(tx *l1.ActiveTx) error {
			_, err := s.deployment.Inbox.DepositEth(tx, userAddress, depositAmount)
			return err
		})
		if err != nil {
			return err
		}
	}
	log.Info("deposits sent", "count", s.config.Scenario.Deposits, "delayedCount", s.deployment.Bridge.DelayedMessageCount())
	return nil
}

func (s *Scenario) postBatches() error {
	for b := 0; b < s.config.Scenario.Batches; b++ {
		for i := 0; i < s.config.Scenario.TransactionsPerBatch; i++ {
			s.poster.Enqueue([]byte(fmt.Sprintf("batch %d transaction %d", b, i)))
		}
		posted, err := s.poster.PostBatch()
		if err != nil {
			return err
		}
		if !posted {
			return fmt.Errorf("batch %d had nothing to post", b)
		}
		s.ledger.AdvanceBlocks(1)
	}
	return nil
}

// forceInclude sends a delayed message the sequencer never reads and includes it once the
// delay window has passed.
func (s *Scenario) forceInclude() error {
	d := s.deployment
	err := s.ledger.Tx(userAddress, func(tx *l1.ActiveTx) error {
		_, err := d.Inbox.SendL2Message(tx, userAddress, []byte("censored transaction"))
		return err
	})
	if err != nil {
		return err
	}
	msg, ok := events.Last[*bridge.MessageDelivered](d.Recorder, nil)
	if !ok {
		return errors.New("censored message was not delivered")
	}
	window := s.config.Deploy.SequencerInbox.MaxTimeVariation
	s.ledger.AdvanceBlocks(window.DelayBlocks + 1)
	s.ledger.AdvanceTime(window.DelaySeconds)

	err = s.ledger.Tx(userAddress, func(tx *l1.ActiveTx) error {
		return d.SequencerInbox.ForceInclusion(
			tx,
			userAddress,
			msg.MessageIndex+1,
			msg.Kind,
			[2]uint64{msg.BlockNumber, msg.Timestamp},
			msg.BaseFeeL1,
			msg.Sender,
			msg.MessageDataHash,
		)
	})
	if err != nil {
		return err
	}
	if read := d.SequencerInbox.TotalDelayedMessagesRead(); read != msg.MessageIndex+1 {
		return fmt.Errorf("force inclusion read %d delayed messages, expected %d", read, msg.MessageIndex+1)
	}
	s.forceIncluded = true
	log.Info("force included delayed message", "index", msg.MessageIndex, "batch", d.Bridge.SequencerMessageCount()-1)
	return nil
}

// confirmedTip reports whether the latest confirmed node covers every block the inbox
// produces.
func (s *Scenario) confirmedTip(ctx context.Context) (bool, error) {
	node, err := s.watcher.LookupNode(s.deployment.Rollup.LatestConfirmed())
	if err != nil {
		return false, err
	}
	tip, err := s.chain.StateAt(ctx, s.chain.AvailableBlocks())
	if err != nil {
		return false, err
	}
	return node.AfterState().GlobalState == tip, nil
}

// adversaryActive is false once the adversary has lost its stake.
func (s *Scenario) adversaryActive() bool {
	if s.adversary == nil {
		return false
	}
	r := s.deployment.Rollup
	if r.IsStaked(adversaryAddress) && !r.IsZombie(adversaryAddress) {
		s.adversaryStaked = true
		return true
	}
	return !s.adversaryStaked
}

func (s *Scenario) validate(ctx context.Context) (int, error) {
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return round, err
		}
		done, err := s.confirmedTip(ctx)
		if err != nil {
			return round, err
		}
		if done {
			log.Info("chain confirmed", "node", s.deployment.Rollup.LatestConfirmed(), "rounds", round)
			return round, nil
		}
		if round >= s.config.Scenario.MaxRounds {
			return round, fmt.Errorf("chain not confirmed after %d rounds", round)
		}
		if _, err := s.honest.Act(ctx); err != nil {
			return round, fmt.Errorf("honest validator in round %d: %w", round, err)
		}
		if s.adversaryActive() {
			if _, err := s.adversary.Act(ctx); err != nil {
				return round, fmt.Errorf("adversarial validator in round %d: %w", round, err)
			}
		}
		s.ledger.AdvanceBlocks(1)
	}
}

// withdraw executes outgoing messages against the confirmed send root, then replays the first
// one, which the outbox must refuse.
func (s *Scenario) withdraw(ctx context.Context) (int, bool, error) {
	d := s.deployment
	node, err := s.watcher.LookupNode(d.Rollup.LatestConfirmed())
	if err != nil {
		return 0, false, err
	}
	count, err := s.chain.BlockIndex(node.AfterState().GlobalState)
	if err != nil {
		return 0, false, err
	}
	n := uint64(s.config.Scenario.Withdrawals)
	if n > count {
		n = count
	}
	var executed int
	var first *staker.Withdrawal
	for i := uint64(0); i < n; i++ {
		w, err := s.chain.WithdrawalProof(ctx, i, count)
		if err != nil {
			return executed, false, err
		}
		success, err := s.executeWithdrawal(w)
		if err != nil {
			return executed, false, fmt.Errorf("withdrawal %d: %w", i, err)
		}
		if !success {
			return executed, false, fmt.Errorf("withdrawal %d target call failed", i)
		}
		executed++
		if first == nil {
			first = w
		}
	}
	if first == nil {
		return executed, false, nil
	}
	_, err = s.executeWithdrawal(first)
	if !errors.Is(err, outbox.ErrAlreadySpent) {
		return executed, false, fmt.Errorf("replay of withdrawal %d returned %v", first.Index, err)
	}
	log.Info("withdrawals executed", "count", executed, "receiverCalls", len(s.receiver.received))
	return executed, true, nil
}

func (s *Scenario) executeWithdrawal(w *staker.Withdrawal) (bool, error) {
	var success bool
	err := s.ledger.Tx(userAddress, func(tx *l1.ActiveTx) error {
		var err error
		success, _, err = s.deployment.Outbox.ExecuteTransaction(tx, userAddress, w.Proof, w.Index, w.L2Sender, w.To, w.L2Block, 0, 0, nil, w.Data)
		return err
	})
	return success, err
}

func (s *Scenario) summarize(rounds, executed int, replayRejected bool) (*Summary, error) {
	d := s.deployment
	node, err := s.watcher.LookupNode(d.Rollup.LatestConfirmed())
	if err != nil {
		return nil, err
	}
	summary := &Summary{
		Addresses:           d.Addresses,
		SequencerBatches:    d.Bridge.SequencerMessageCount(),
		DelayedMessages:     d.Bridge.DelayedMessageCount(),
		ForceIncluded:       s.forceIncluded,
		L2Blocks:            s.chain.AvailableBlocks(),
		ConfirmedNode:       node.NodeNum,
		ConfirmedState:      node.AfterState().GlobalState,
		Challenges:          len(events.Filter[*rollup.RollupChallengeStarted](d.Recorder, nil)),
		OneStepProofs:       len(events.Filter[*challenge.OneStepProofCompleted](d.Recorder, nil)),
		AdversaryStaked:     s.adversaryStaked,
		AdversaryRemoved:    s.adversaryStaked && !d.Rollup.IsStaked(adversaryAddress),
		HonestStake:         d.Rollup.AmountStaked(honestAddress),
		WithdrawalsExecuted: executed,
		ReplayRejected:      replayRejected,
		Rounds:              rounds,
		Events:              d.Recorder.Count(),
	}
	if s.journal != nil {
		summary.Journaled = s.journal.Len()
	}
	return summary, nil
}
