// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package rollup tracks the tree of asserted nodes, the stakers backing them, and resolves
// nodes into confirmed send roots once they are uncontested or their disputes are settled.
package rollup

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/challenge"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/outbox"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
	"github.com/offchainlabs/rollup-settlement/validator"
)

var (
	nodesCreatedCounter   = metrics.NewRegisteredCounter("arb/rollup/nodes/created", nil)
	nodesConfirmedCounter = metrics.NewRegisteredCounter("arb/rollup/nodes/confirmed", nil)
	nodesRejectedCounter  = metrics.NewRegisteredCounter("arb/rollup/nodes/rejected", nil)
	nodesDestroyedCounter = metrics.NewRegisteredCounter("arb/rollup/nodes/destroyed", nil)
	stakersGauge          = metrics.NewRegisteredGauge("arb/rollup/stakers", nil)
	zombiesGauge          = metrics.NewRegisteredGauge("arb/rollup/zombies", nil)
)

type nodeStaker struct {
	node   uint64
	staker common.Address
}

type Rollup struct {
	addr             common.Address
	policy           *access.Policy
	bridge           *bridge.Bridge
	outbox           *outbox.Outbox
	challengeManager *challenge.Manager
	config           Config
	wasmModuleRoot   common.Hash
	baseStake        *big.Int
	loserStakeEscrow common.Address

	nodes                  map[uint64]*Node
	nodeStakers            map[nodeStaker]bool
	latestConfirmed        uint64
	firstUnresolvedNode    uint64
	latestNodeCreated      uint64
	lastStakeBlock         uint64
	stakerList             []common.Address
	stakers                map[common.Address]*Staker
	zombies                []Zombie
	withdrawableFunds      map[common.Address]*big.Int
	totalWithdrawableFunds *big.Int
}

// NewRollup deploys a rollup whose genesis node is created at genesisBlock and registers it
// as the receiver of challenge results.
func NewRollup(
	addr common.Address,
	policy *access.Policy,
	b *bridge.Bridge,
	ob *outbox.Outbox,
	challengeManager *challenge.Manager,
	config *Config,
	genesisBlock uint64,
) (*Rollup, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	wasmModuleRoot, ok := config.ModuleRoot()
	if !ok {
		return nil, errors.New("rollup needs a wasm module root")
	}
	r := &Rollup{
		addr:                   addr,
		policy:                 policy,
		bridge:                 b,
		outbox:                 ob,
		challengeManager:       challengeManager,
		config:                 *config,
		wasmModuleRoot:         wasmModuleRoot,
		baseStake:              config.BaseStakeWei(),
		loserStakeEscrow:       config.LoserStakeEscrowAddress(),
		nodes:                  make(map[uint64]*Node),
		nodeStakers:            make(map[nodeStaker]bool),
		firstUnresolvedNode:    GenesisNode + 1,
		stakers:                make(map[common.Address]*Staker),
		withdrawableFunds:      make(map[common.Address]*big.Int),
		totalWithdrawableFunds: new(big.Int),
	}
	genesisState := &validator.ExecutionState{
		GlobalState:   config.GenesisState,
		MachineStatus: validator.MachineStatusFinished,
	}
	// The inbox max count forces the first assertion to read past the genesis messages.
	stateHash := validator.StateHash(genesisState, config.GenesisInboxMaxCount)
	r.nodes[GenesisNode] = newNode(stateHash, common.Hash{}, common.Hash{}, 0, genesisBlock, genesisBlock, common.Hash{})
	challengeManager.SetResultReceiver(r)
	log.Info("rollup created", "addr", addr, "wasmModuleRoot", wasmModuleRoot, "genesis", config.GenesisState)
	return r, nil
}

func (r *Rollup) Address() common.Address {
	return r.addr
}

func (r *Rollup) Config() Config {
	return r.config
}

func (r *Rollup) WasmModuleRoot() common.Hash {
	return r.wasmModuleRoot
}

func (r *Rollup) LoserStakeEscrow() common.Address {
	return r.loserStakeEscrow
}

func (r *Rollup) LatestConfirmed() uint64 {
	return r.latestConfirmed
}

func (r *Rollup) FirstUnresolvedNode() uint64 {
	return r.firstUnresolvedNode
}

func (r *Rollup) LatestNodeCreated() uint64 {
	return r.latestNodeCreated
}

func (r *Rollup) LastStakeBlock() uint64 {
	return r.lastStakeBlock
}

// GetNode returns a copy of a node.
func (r *Rollup) GetNode(num uint64) (Node, bool) {
	n, ok := r.nodes[num]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (r *Rollup) getNode(num uint64) (*Node, error) {
	n, ok := r.nodes[num]
	if !ok {
		return nil, errors.Wrapf(ErrNoNode, "node %d", num)
	}
	return n, nil
}

func (r *Rollup) NodeHasStaker(num uint64, staker common.Address) bool {
	return r.nodeStakers[nodeStaker{num, staker}]
}

func (r *Rollup) StakerCount() uint64 {
	return uint64(len(r.stakerList))
}

func (r *Rollup) StakerAddresses() []common.Address {
	return slices.Clone(r.stakerList)
}

// GetStaker returns a copy of a staker's record.
func (r *Rollup) GetStaker(addr common.Address) (Staker, bool) {
	s, ok := r.stakers[addr]
	if !ok {
		return Staker{}, false
	}
	cp := *s
	cp.AmountStaked = new(big.Int).Set(s.AmountStaked)
	return cp, true
}

func (r *Rollup) IsStaked(addr common.Address) bool {
	s, ok := r.stakers[addr]
	return ok && s.IsStaked
}

func (r *Rollup) AmountStaked(addr common.Address) *big.Int {
	s, ok := r.stakers[addr]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(s.AmountStaked)
}

func (r *Rollup) LatestStakedNode(addr common.Address) uint64 {
	if s, ok := r.stakers[addr]; ok {
		return s.LatestStakedNode
	}
	return 0
}

func (r *Rollup) CurrentChallenge(addr common.Address) uint64 {
	if s, ok := r.stakers[addr]; ok {
		return s.CurrentChallenge
	}
	return 0
}

func (r *Rollup) ZombieCount() uint64 {
	return uint64(len(r.zombies))
}

func (r *Rollup) Zombies() []Zombie {
	return slices.Clone(r.zombies)
}

func (r *Rollup) IsZombie(addr common.Address) bool {
	for _, z := range r.zombies {
		if z.StakerAddress == addr {
			return true
		}
	}
	return false
}

func (r *Rollup) WithdrawableFunds(addr common.Address) *big.Int {
	if f, ok := r.withdrawableFunds[addr]; ok {
		return new(big.Int).Set(f)
	}
	return new(big.Int)
}

func (r *Rollup) TotalWithdrawableFunds() *big.Int {
	return new(big.Int).Set(r.totalWithdrawableFunds)
}

// CountStakedZombies counts the zombies still recorded as staked on a node.
func (r *Rollup) CountStakedZombies(nodeNum uint64) uint64 {
	var count uint64
	for _, z := range r.zombies {
		if r.NodeHasStaker(nodeNum, z.StakerAddress) {
			count++
		}
	}
	return count
}

// CountZombiesStakedOnChildren counts zombies staked on some child of a node. A staker is
// staked on at most one child of any node.
func (r *Rollup) CountZombiesStakedOnChildren(nodeNum uint64) uint64 {
	var count uint64
	for _, z := range r.zombies {
		for child := nodeNum + 1; child <= r.latestNodeCreated; child++ {
			n, ok := r.nodes[child]
			if ok && n.PrevNum == nodeNum && r.NodeHasStaker(child, z.StakerAddress) {
				count++
				break
			}
		}
	}
	return count
}

var (
	stakeNumerators   = [10]uint64{1, 122971, 128977, 80017, 207329, 114243, 314252, 129988, 224562, 162163}
	stakeDenominators = [10]uint64{1, 114736, 112281, 64994, 157126, 80782, 207329, 80017, 128977, 86901}
)

// RequiredStake is the stake a new staker must post. It stays at the base stake until the
// first unresolved node is past its deadline, then doubles every confirm period, in ten
// steps per doubling.
func (r *Rollup) RequiredStake(blockNumber, firstUnresolvedNode, latestNodeCreated uint64) *big.Int {
	if firstUnresolvedNode-1 == latestNodeCreated {
		return new(big.Int).Set(r.baseStake)
	}
	node, ok := r.nodes[firstUnresolvedNode]
	if !ok || blockNumber < node.DeadlineBlock {
		return new(big.Int).Set(r.baseStake)
	}
	age := blockNumber - node.DeadlineBlock
	periodsPassed := arbmath.SaturatingUMul(age, 10) / r.config.ConfirmPeriodBlocks
	doublings := periodsPassed / 10
	if doublings >= 255 {
		return new(big.Int).Set(math.MaxBig256)
	}
	multiplier := new(big.Int).Lsh(big.NewInt(1), uint(doublings))
	multiplier = arbmath.BigMulByUint(multiplier, stakeNumerators[periodsPassed%10])
	multiplier = arbmath.BigDivByUint(multiplier, stakeDenominators[periodsPassed%10])
	if multiplier.Sign() == 0 {
		multiplier.SetUint64(1)
	}
	required := arbmath.BigMul(r.baseStake, multiplier)
	if required.BitLen() > 256 {
		return new(big.Int).Set(math.MaxBig256)
	}
	return required
}

func (r *Rollup) CurrentRequiredStake(tx *l1.ActiveTx) *big.Int {
	return r.RequiredStake(tx.BlockNumber(), r.firstUnresolvedNode, r.latestNodeCreated)
}

// updateNode ignores destroyed nodes.
func (r *Rollup) updateNode(tx *l1.ActiveTx, num uint64, update func(n *Node)) {
	old, ok := r.nodes[num]
	if !ok {
		return
	}
	n := *old
	update(&n)
	l1.MapSet(tx, r.nodes, num, &n)
}

func (r *Rollup) updateStaker(tx *l1.ActiveTx, addr common.Address, update func(s *Staker)) {
	s := *r.stakers[addr]
	update(&s)
	l1.MapSet(tx, r.stakers, addr, &s)
}

func (r *Rollup) nodeCreated(tx *l1.ActiveTx, node *Node) uint64 {
	num := r.latestNodeCreated + 1
	l1.MapSet(tx, r.nodes, num, node)
	l1.Set(tx, &r.latestNodeCreated, num)
	tx.OnCommit(func() { nodesCreatedCounter.Inc(1) })
	return num
}

func (r *Rollup) addStaker(tx *l1.ActiveTx, nodeNum uint64, staker common.Address) error {
	key := nodeStaker{nodeNum, staker}
	if r.nodeStakers[key] {
		return errors.Wrapf(ErrAlreadyStaked, "%v on node %d", staker, nodeNum)
	}
	node, err := r.getNode(nodeNum)
	if err != nil {
		return err
	}
	l1.MapSet(tx, r.nodeStakers, key, true)
	prevCount := node.StakerCount
	r.updateNode(tx, nodeNum, func(n *Node) { n.StakerCount++ })
	if nodeNum > GenesisNode {
		r.updateNode(tx, node.PrevNum, func(parent *Node) {
			parent.ChildStakerCount++
			if prevCount == 0 {
				parent.newChildConfirmDeadline(tx.BlockNumber() + r.config.ConfirmPeriodBlocks)
			}
		})
	}
	return nil
}

func (r *Rollup) removeStaker(tx *l1.ActiveTx, nodeNum uint64, staker common.Address) error {
	key := nodeStaker{nodeNum, staker}
	if !r.nodeStakers[key] {
		return errors.Wrapf(ErrStakerNotStakedOnNode, "%v on node %d", staker, nodeNum)
	}
	l1.MapDelete(tx, r.nodeStakers, key)
	node := r.nodes[nodeNum]
	r.updateNode(tx, nodeNum, func(n *Node) { n.StakerCount-- })
	if nodeNum > GenesisNode {
		r.updateNode(tx, node.PrevNum, func(parent *Node) { parent.ChildStakerCount-- })
	}
	return nil
}

func (r *Rollup) stakeOnNode(tx *l1.ActiveTx, staker common.Address, nodeNum uint64) error {
	if err := r.addStaker(tx, nodeNum, staker); err != nil {
		return err
	}
	r.updateStaker(tx, staker, func(s *Staker) { s.LatestStakedNode = nodeNum })
	return nil
}

func (r *Rollup) createNewStake(tx *l1.ActiveTx, addr common.Address, deposit *big.Int) {
	index := uint64(len(r.stakerList))
	l1.Append(tx, &r.stakerList, addr)
	l1.MapSet(tx, r.stakers, addr, &Staker{
		AmountStaked:     new(big.Int).Set(deposit),
		Index:            index,
		LatestStakedNode: r.latestConfirmed,
		IsStaked:         true,
	})
	l1.Set(tx, &r.lastStakeBlock, tx.BlockNumber())
	tx.Emit(&UserStakeUpdated{User: addr, InitialBalance: new(big.Int), FinalBalance: new(big.Int).Set(deposit)})
	count := int64(len(r.stakerList))
	tx.OnCommit(func() { stakersGauge.Update(count) })
}

func (r *Rollup) increaseStakeBy(tx *l1.ActiveTx, addr common.Address, amount *big.Int) {
	initial := r.stakers[addr].AmountStaked
	final := arbmath.BigAdd(initial, amount)
	r.updateStaker(tx, addr, func(s *Staker) { s.AmountStaked = final })
	tx.Emit(&UserStakeUpdated{User: addr, InitialBalance: new(big.Int).Set(initial), FinalBalance: new(big.Int).Set(final)})
}

// reduceStakeTo lowers a stake and makes the difference withdrawable, returning the amount freed.
func (r *Rollup) reduceStakeTo(tx *l1.ActiveTx, addr common.Address, target *big.Int) *big.Int {
	initial := r.stakers[addr].AmountStaked
	withdrawn := arbmath.BigSub(initial, target)
	r.updateStaker(tx, addr, func(s *Staker) { s.AmountStaked = new(big.Int).Set(target) })
	r.increaseWithdrawableFunds(tx, addr, withdrawn)
	tx.Emit(&UserStakeUpdated{User: addr, InitialBalance: new(big.Int).Set(initial), FinalBalance: new(big.Int).Set(target)})
	return withdrawn
}

func (r *Rollup) increaseWithdrawableFunds(tx *l1.ActiveTx, addr common.Address, amount *big.Int) {
	initial := r.WithdrawableFunds(addr)
	final := arbmath.BigAdd(initial, amount)
	l1.MapSet(tx, r.withdrawableFunds, addr, final)
	l1.Set(tx, &r.totalWithdrawableFunds, arbmath.BigAdd(r.totalWithdrawableFunds, amount))
	tx.Emit(&UserWithdrawableFundsUpdated{User: addr, InitialBalance: initial, FinalBalance: new(big.Int).Set(final)})
}

func (r *Rollup) withdrawFunds(tx *l1.ActiveTx, addr common.Address) *big.Int {
	initial := r.WithdrawableFunds(addr)
	if initial.Sign() == 0 {
		return initial
	}
	l1.MapDelete(tx, r.withdrawableFunds, addr)
	l1.Set(tx, &r.totalWithdrawableFunds, arbmath.BigSub(r.totalWithdrawableFunds, initial))
	tx.Emit(&UserWithdrawableFundsUpdated{User: addr, InitialBalance: new(big.Int).Set(initial), FinalBalance: new(big.Int)})
	return initial
}

// deleteStaker removes a staker, moving the last staker into its slot.
func (r *Rollup) deleteStaker(tx *l1.ActiveTx, addr common.Address) {
	index := r.stakers[addr].Index
	list := slices.Clone(r.stakerList)
	last := list[len(list)-1]
	list[index] = last
	list = list[:len(list)-1]
	l1.Set(tx, &r.stakerList, list)
	if last != addr {
		r.updateStaker(tx, last, func(s *Staker) { s.Index = index })
	}
	l1.MapDelete(tx, r.stakers, addr)
	count := int64(len(list))
	tx.OnCommit(func() { stakersGauge.Update(count) })
}

// withdrawStaker releases a staker whose latest staked node is resolved, making its whole
// stake withdrawable.
func (r *Rollup) withdrawStaker(tx *l1.ActiveTx, addr common.Address) error {
	staker := r.stakers[addr]
	if r.NodeHasStaker(r.latestConfirmed, addr) {
		if staker.LatestStakedNode != r.latestConfirmed {
			return errors.Errorf("staker %v staked past latest confirmed node %d", addr, r.latestConfirmed)
		}
		if err := r.removeStaker(tx, r.latestConfirmed, addr); err != nil {
			return err
		}
	}
	initial := new(big.Int).Set(staker.AmountStaked)
	r.increaseWithdrawableFunds(tx, addr, initial)
	r.deleteStaker(tx, addr)
	tx.Emit(&UserStakeUpdated{User: addr, InitialBalance: initial, FinalBalance: new(big.Int)})
	return nil
}

func (r *Rollup) turnIntoZombie(tx *l1.ActiveTx, addr common.Address) {
	staker := r.stakers[addr]
	l1.Append(tx, &r.zombies, Zombie{StakerAddress: addr, LatestStakedNode: staker.LatestStakedNode})
	r.deleteStaker(tx, addr)
	count := int64(len(r.zombies))
	tx.OnCommit(func() { zombiesGauge.Update(count) })
	log.Info("staker turned into zombie", "staker", addr, "latestStakedNode", staker.LatestStakedNode)
}

// removeZombieAt swaps the last zombie into slot i.
func (r *Rollup) removeZombieAt(tx *l1.ActiveTx, i int) {
	zombies := slices.Clone(r.zombies)
	zombies[i] = zombies[len(zombies)-1]
	zombies = zombies[:len(zombies)-1]
	l1.Set(tx, &r.zombies, zombies)
	count := int64(len(zombies))
	tx.OnCommit(func() { zombiesGauge.Update(count) })
}

func (r *Rollup) setZombieLatestStakedNode(tx *l1.ActiveTx, i int, nodeNum uint64) {
	zombies := slices.Clone(r.zombies)
	zombies[i].LatestStakedNode = nodeNum
	l1.Set(tx, &r.zombies, zombies)
}

// removeOldZombies drops every zombie from startIndex on whose latest staked node is already
// behind the latest confirmed node.
func (r *Rollup) removeOldZombies(tx *l1.ActiveTx, startIndex int) {
	for i := startIndex; i < len(r.zombies); i++ {
		for r.zombies[i].LatestStakedNode < r.latestConfirmed {
			r.removeZombieAt(tx, i)
			if i >= len(r.zombies) {
				return
			}
		}
	}
}

func (r *Rollup) challengeStarted(tx *l1.ActiveTx, asserter, challenger common.Address, challengeIndex uint64) {
	r.updateStaker(tx, asserter, func(s *Staker) { s.CurrentChallenge = challengeIndex })
	r.updateStaker(tx, challenger, func(s *Staker) { s.CurrentChallenge = challengeIndex })
}

func (r *Rollup) clearChallenge(tx *l1.ActiveTx, addr common.Address) {
	r.updateStaker(tx, addr, func(s *Staker) { s.CurrentChallenge = 0 })
}

func (r *Rollup) confirmNode(tx *l1.ActiveTx, nodeNum uint64, blockHash, sendRoot common.Hash) error {
	node := r.nodes[nodeNum]
	if node.ConfirmData != validator.ConfirmHash(blockHash, sendRoot) {
		return errors.Wrapf(ErrConfirmData, "node %d", nodeNum)
	}
	if err := r.outbox.UpdateSendRoot(tx, r.addr, sendRoot, blockHash); err != nil {
		return errors.Wrap(err, "publishing send root")
	}
	previous := r.latestConfirmed
	l1.Set(tx, &r.latestConfirmed, nodeNum)
	l1.Set(tx, &r.firstUnresolvedNode, nodeNum+1)
	r.destroyNode(tx, previous)
	tx.Emit(&NodeConfirmed{NodeNum: nodeNum, BlockHash: blockHash, SendRoot: sendRoot})
	tx.OnCommit(func() {
		nodesConfirmedCounter.Inc(1)
		log.Info("node confirmed", "node", nodeNum, "blockHash", blockHash, "sendRoot", sendRoot)
	})
	return nil
}

// destroyNode drops a resolved node and the stake records on it, releasing them from its
// parent's child staker count. A confirmed node goes once a child of it is confirmed; the
// genesis node is kept as the root of the history.
func (r *Rollup) destroyNode(tx *l1.ActiveTx, nodeNum uint64) {
	node, ok := r.nodes[nodeNum]
	if !ok || nodeNum == GenesisNode {
		return
	}
	if node.StakerCount > 0 {
		r.updateNode(tx, node.PrevNum, func(parent *Node) { parent.ChildStakerCount -= node.StakerCount })
	}
	for key := range r.nodeStakers {
		if key.node == nodeNum {
			l1.MapDelete(tx, r.nodeStakers, key)
		}
	}
	l1.MapDelete(tx, r.nodes, nodeNum)
	tx.OnCommit(func() { nodesDestroyedCounter.Inc(1) })
}

func (r *Rollup) rejectNextNodeUnchecked(tx *l1.ActiveTx) {
	nodeNum := r.firstUnresolvedNode
	l1.Set(tx, &r.firstUnresolvedNode, nodeNum+1)
	r.destroyNode(tx, nodeNum)
	tx.Emit(&NodeRejected{NodeNum: nodeNum})
	tx.OnCommit(func() {
		nodesRejectedCounter.Inc(1)
		log.Info("node rejected", "node", nodeNum)
	})
}

func (r *Rollup) requireUnresolvedExists() error {
	if r.firstUnresolvedNode == 0 || r.firstUnresolvedNode > r.latestNodeCreated {
		return ErrNoUnresolvedNodes
	}
	return nil
}

func (r *Rollup) requireUnresolved(nodeNum uint64) error {
	if nodeNum < r.firstUnresolvedNode || nodeNum > r.latestNodeCreated {
		return errors.Wrapf(ErrNodeResolved, "node %d", nodeNum)
	}
	return nil
}

func (r *Rollup) requireStaked(addr common.Address) error {
	if !r.IsStaked(addr) {
		return errors.Wrapf(ErrNotStaked, "%v", addr)
	}
	return nil
}

func (r *Rollup) requireUnchallengedStaker(addr common.Address) error {
	if err := r.requireStaked(addr); err != nil {
		return err
	}
	if idx := r.stakers[addr].CurrentChallenge; idx != 0 {
		return errors.Wrapf(ErrInChallenge, "%v in challenge %d", addr, idx)
	}
	return nil
}

// inChallenge returns the challenge both stakers are in.
func (r *Rollup) inChallenge(staker1, staker2 common.Address) (uint64, error) {
	c1 := r.CurrentChallenge(staker1)
	if c1 == 0 || c1 != r.CurrentChallenge(staker2) {
		return 0, errors.Wrapf(ErrNoChallenge, "%v and %v", staker1, staker2)
	}
	return c1, nil
}
