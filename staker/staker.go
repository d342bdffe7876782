// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package staker

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
)

var (
	stakerActCounter       = metrics.NewRegisteredCounter("arb/staker/act", nil)
	stakerActErrorCounter  = metrics.NewRegisteredCounter("arb/staker/act/error", nil)
	stakerChallengeCounter = metrics.NewRegisteredCounter("arb/staker/challenges", nil)
)

type nodeAndHash struct {
	id   uint64
	hash common.Hash
}

// Staker is a validator agent. Each call to Act looks at the rollup and sends whatever
// transactions its strategy calls for.
type Staker struct {
	*L1Validator
	recorder                *events.Recorder
	activeChallenge         *ChallengeManager
	strategy                StakerStrategy
	config                  L1ValidatorConfig
	inactiveLastCheckedNode *nodeAndHash
	bringActiveUntilNode    uint64
}

func NewStaker(
	ledger *l1.Ledger,
	recorder *events.Recorder,
	rollup *RollupWatcher,
	manager *challenge.Manager,
	chain *L2Chain,
	address common.Address,
	config L1ValidatorConfig,
) (*Staker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	strategy, err := stakerStrategyFromString(config.Strategy)
	if err != nil {
		return nil, err
	}
	val, err := NewL1Validator(ledger, rollup, manager, chain, address)
	if err != nil {
		return nil, err
	}
	return &Staker{
		L1Validator: val,
		recorder:    recorder,
		strategy:    strategy,
		config:      config,
	}, nil
}

func (s *Staker) Strategy() StakerStrategy {
	return s.strategy
}

// ActiveChallenge returns the challenge we're currently playing, or nil.
func (s *Staker) ActiveChallenge() *ChallengeManager {
	return s.activeChallenge
}

// Act runs one round of the staker. It returns the number of transactions sent.
func (s *Staker) Act(ctx context.Context) (int, error) {
	stakerActCounter.Inc(1)
	s.txCount = 0
	err := s.act(ctx)
	if err != nil {
		stakerActErrorCounter.Inc(1)
	}
	return s.txCount, err
}

func (s *Staker) act(ctx context.Context) error {
	rawInfo := s.rollup.StakerInfo(s.address)
	// If we aren't staked, this is the latest confirmed node.
	latestStakedNodeNum, latestStakedNodeHash := s.rollup.LatestStaked(s.address)
	if rawInfo != nil {
		rawInfo.LatestStakedNode = latestStakedNodeNum
	}
	info := OurStakerInfo{
		CanProgress:          true,
		LatestStakedNode:     latestStakedNodeNum,
		LatestStakedNodeHash: latestStakedNodeHash,
		StakerInfo:           rawInfo,
		StakeExists:          rawInfo != nil,
	}

	effectiveStrategy := s.strategy
	if !s.rollup.AreUnresolvedNodesLinear() {
		log.Warn("rollup assertion fork detected")
		if effectiveStrategy == DefensiveStrategy {
			effectiveStrategy = StakeLatestStrategy
		}
		s.inactiveLastCheckedNode = nil
	}
	if s.bringActiveUntilNode != 0 {
		if info.LatestStakedNode < s.bringActiveUntilNode {
			if effectiveStrategy == DefensiveStrategy {
				effectiveStrategy = StakeLatestStrategy
			}
		} else {
			log.Info("defensive validator staked past incorrect node; waiting here")
			s.bringActiveUntilNode = 0
		}
		s.inactiveLastCheckedNode = nil
	}
	if s.inactiveLastCheckedNode != nil && s.inactiveLastCheckedNode.id < s.rollup.LatestConfirmed() {
		// resolved nodes behind the latest confirmed one are destroyed
		s.inactiveLastCheckedNode = nil
	}
	if effectiveStrategy <= DefensiveStrategy && s.inactiveLastCheckedNode != nil {
		info.LatestStakedNode = s.inactiveLastCheckedNode.id
		info.LatestStakedNodeHash = s.inactiveLastCheckedNode.hash
	}

	latestConfirmedNode := s.rollup.LatestConfirmed()

	requiredStakeElevated, err := s.isRequiredStakeElevated()
	if err != nil {
		return err
	}
	// Resolve nodes if either we're on the make nodes strategy,
	// or we're on the stake latest strategy but don't have a stake
	// (attempt to reduce the current required stake).
	shouldResolveNodes := effectiveStrategy >= MakeNodesStrategy ||
		(effectiveStrategy >= StakeLatestStrategy && rawInfo == nil && requiredStakeElevated)
	resolvingNode := false
	if shouldResolveNodes {
		timedOut, err := s.resolveTimedOutChallenges()
		if err != nil || timedOut {
			return err
		}
		resolvingNode, err = s.resolveNextNode(ctx, rawInfo, &latestConfirmedNode)
		if err != nil {
			return err
		}
		if resolvingNode && rawInfo == nil && latestConfirmedNode > info.LatestStakedNode {
			// If we hit this condition, we've resolved what was previously the latest confirmed node,
			// and we don't have a stake yet. That means we were planning to enter the rollup on
			// the latest confirmed node, which has now changed. We fix this by updating our staker info
			// to indicate that we're now entering the rollup on the newly confirmed node.
			node, ok := s.rollup.GetNode(latestConfirmedNode)
			if !ok {
				return fmt.Errorf("confirmed node %v not found", latestConfirmedNode)
			}
			info.LatestStakedNode = latestConfirmedNode
			info.LatestStakedNodeHash = node.NodeHash
		}
	}

	// If we have an old stake, remove it
	if rawInfo != nil && rawInfo.LatestStakedNode <= latestConfirmedNode && rawInfo.CurrentChallenge == nil {
		stakeIsTooOutdated := rawInfo.LatestStakedNode < latestConfirmedNode
		// We're not trying to stake anyways
		stakeIsUnwanted := effectiveStrategy < StakeLatestStrategy
		if stakeIsTooOutdated || stakeIsUnwanted {
			log.Info("removing old stake and withdrawing funds")
			return s.sendTx(func(tx *l1.ActiveTx) error {
				if err := s.rollup.ReturnOldDeposit(tx, s.address, s.address); err != nil {
					return err
				}
				_, err := s.rollup.WithdrawStakerFunds(tx, s.address)
				return err
			})
		}
	}

	if s.rollup.WithdrawableFunds(s.address).Sign() > 0 {
		err = s.sendTx(func(tx *l1.ActiveTx) error {
			_, err := s.rollup.WithdrawStakerFunds(tx, s.address)
			return err
		})
		if err != nil {
			return err
		}
	}

	if rawInfo != nil {
		if err = s.handleConflict(ctx, rawInfo); err != nil {
			return err
		}
	}

	// Don't attempt to create a new stake if we're resolving a node and the stake is elevated,
	// as that might affect the current required stake.
	if rawInfo != nil || !resolvingNode || !requiredStakeElevated {
		for i := 0; info.CanProgress && i < s.config.MaxStakeAdvances; i++ {
			if err := s.advanceStake(ctx, &info, effectiveStrategy); err != nil {
				return err
			}
		}
	}

	if rawInfo != nil && s.txCount == 0 {
		if err := s.createConflict(ctx, rawInfo); err != nil {
			return err
		}
	}

	if info.StakerInfo == nil && info.StakeExists {
		log.Info("staked to execute transactions", "staker", s.address)
	}
	return nil
}

func (s *Staker) handleConflict(ctx context.Context, info *StakerInfo) error {
	if info.CurrentChallenge == nil {
		s.activeChallenge = nil
		return nil
	}

	if s.activeChallenge == nil || s.activeChallenge.ChallengeIndex() != *info.CurrentChallenge {
		log.Warn("entered challenge", "challenge", *info.CurrentChallenge, "staker", s.address)

		newChallengeManager, err := NewChallengeManager(
			ctx,
			s.ledger,
			s.recorder,
			s.manager,
			s.address,
			*info.CurrentChallenge,
			s.chain,
			s.config.ChallengeHashCacheSize,
		)
		if err != nil {
			return err
		}

		s.activeChallenge = newChallengeManager
	}

	moved, err := s.activeChallenge.Act(ctx)
	if moved {
		s.txCount++
	}
	return err
}

func (s *Staker) advanceStake(ctx context.Context, info *OurStakerInfo, effectiveStrategy StakerStrategy) error {
	active := effectiveStrategy >= StakeLatestStrategy
	action, wrongNodesExist, err := s.generateNodeAction(ctx, info, effectiveStrategy, s.config.MakeAssertionInterval)
	if err != nil {
		return err
	}
	if wrongNodesExist && effectiveStrategy == WatchtowerStrategy {
		log.Error("found incorrect assertion in watchtower mode")
	}
	if action == nil {
		info.CanProgress = false
		return nil
	}

	switch action := action.(type) {
	case createNodeAction:
		if wrongNodesExist && s.config.DisableChallenge {
			log.Error("refusing to challenge assertion as config disables challenges")
			info.CanProgress = false
			return nil
		}
		if !active {
			if wrongNodesExist && effectiveStrategy >= DefensiveStrategy {
				log.Warn("bringing defensive validator online because of incorrect assertion")
				s.bringActiveUntilNode = info.LatestStakedNode + 1
			}
			info.CanProgress = false
			return nil
		}

		// Details are already logged with more details in generateNodeAction
		info.CanProgress = false
		info.LatestStakedNode = 0
		info.LatestStakedNodeHash = action.hash

		// We'll return early if we already have a stake
		if info.StakeExists {
			return s.sendTx(func(tx *l1.ActiveTx) error {
				_, err := s.rollup.StakeOnNewNode(tx, s.address, action.assertion, action.hash, action.prevInboxMaxCount)
				return err
			})
		}

		// If we have no stake yet, we'll put one down
		err = s.sendTx(func(tx *l1.ActiveTx) error {
			stakeAmount := s.rollup.CurrentRequiredStake(tx)
			_, err := s.rollup.NewStakeOnNewNode(tx, s.address, stakeAmount, action.assertion, action.hash, action.prevInboxMaxCount)
			return err
		})
		if err != nil {
			return err
		}
		info.StakeExists = true
		return nil
	case existingNodeAction:
		info.LatestStakedNode = action.number
		info.LatestStakedNodeHash = action.hash
		if !active {
			if wrongNodesExist && effectiveStrategy >= DefensiveStrategy {
				log.Warn("bringing defensive validator online because of incorrect assertion")
				s.bringActiveUntilNode = action.number
				info.CanProgress = false
			} else {
				s.inactiveLastCheckedNode = &nodeAndHash{
					id:   action.number,
					hash: action.hash,
				}
			}
			return nil
		}
		log.Info("staking on existing node", "node", action.number, "staker", s.address)
		// We'll return early if we already have a stake
		if info.StakeExists {
			return s.sendTx(func(tx *l1.ActiveTx) error {
				return s.rollup.StakeOnExistingNode(tx, s.address, action.number, action.hash)
			})
		}

		// If we have no stake yet, we'll put one down
		err = s.sendTx(func(tx *l1.ActiveTx) error {
			stakeAmount := s.rollup.CurrentRequiredStake(tx)
			return s.rollup.NewStakeOnExistingNode(tx, s.address, stakeAmount, action.number, action.hash)
		})
		if err != nil {
			return err
		}
		info.StakeExists = true
		return nil
	default:
		panic("invalid action type")
	}
}

func (s *Staker) createConflict(ctx context.Context, info *StakerInfo) error {
	if info.CurrentChallenge != nil {
		return nil
	}

	stakers, moreStakers := s.rollup.GetStakers(0, 1024)
	for moreStakers {
		var newStakers []common.Address
		newStakers, moreStakers = s.rollup.GetStakers(uint64(len(stakers)), 1024)
		stakers = append(stakers, newStakers...)
	}
	latestNode := s.rollup.LatestConfirmed()
	for _, staker := range stakers {
		if staker == s.address {
			continue
		}
		stakerInfo := s.rollup.StakerInfo(staker)
		if stakerInfo == nil || stakerInfo.CurrentChallenge != nil {
			continue
		}
		if s.rollup.CurrentChallenge(s.address) != 0 {
			// a challenge was created earlier in this loop
			return nil
		}
		conflictType, node1, node2 := s.rollup.FindStakerConflict(s.address, staker, 1024)
		if conflictType != CONFLICT_TYPE_FOUND {
			continue
		}
		staker1 := s.address
		staker2 := staker
		if node2 < node1 {
			staker1, staker2 = staker2, staker1
			node1, node2 = node2, node1
		}
		if node1 <= latestNode {
			// Immaterial as this is past the confirmation point; this must be a zombie
			continue
		}

		node1Info, err := s.rollup.LookupNode(node1)
		if err != nil {
			return err
		}
		node2Info, err := s.rollup.LookupNode(node2)
		if err != nil {
			return err
		}
		node2ExecutionHash, err := node2Info.Assertion.ExecutionHash()
		if err != nil {
			return err
		}
		log.Warn("creating challenge", "node1", node1, "node2", node2, "otherStaker", staker)
		err = s.sendTx(func(tx *l1.ActiveTx) error {
			index, err := s.rollup.CreateChallenge(
				tx,
				s.address,
				[2]common.Address{staker1, staker2},
				[2]uint64{node1, node2},
				node1Info.MachineStatuses(),
				node1Info.GlobalStates(),
				node1Info.Assertion.NumBlocks,
				node2ExecutionHash,
				[2]uint64{node1Info.BlockProposed, node2Info.BlockProposed},
				[2]common.Hash{node1Info.WasmModuleRoot, node2Info.WasmModuleRoot},
			)
			if err == nil && index != 0 {
				tx.OnCommit(func() { stakerChallengeCounter.Inc(1) })
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	// No conflicts exist
	return nil
}

// StakeAmount returns how much we currently have staked, zero if not staked.
func (s *Staker) StakeAmount() *big.Int {
	return s.rollup.AmountStaked(s.address)
}
