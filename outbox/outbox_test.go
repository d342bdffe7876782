// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package outbox

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/util/merkletree"
	"github.com/offchainlabs/rollup-settlement/util/testhelpers"
)

var (
	owner  = common.HexToAddress("0x0a")
	rollup = common.HexToAddress("0x0b")
	user   = common.HexToAddress("0x0c")
)

type withdrawal struct {
	l2Sender common.Address
	to       common.Address
	l2Block  uint64
	l1Block  uint64
	l2Time   uint64
	value    *big.Int
	data     []byte
}

func (w *withdrawal) item() common.Hash {
	return CalculateItemHash(w.l2Sender, w.to, w.l2Block, w.l1Block, w.l2Time, w.value, w.data)
}

// target records the outbox context it observes and reverts on demand.
type target struct {
	outbox   *Outbox
	contexts []L2ToL1Context
	revert   bool
}

type revertError struct{ data []byte }

func (e *revertError) Error() string      { return string(e.data) }
func (e *revertError) RevertData() []byte { return e.data }

func (c *target) Call(tx *l1.ActiveTx, caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	ctx, ok := c.outbox.L2ToL1Context()
	if !ok {
		return nil, errors.New("no outbox context")
	}
	c.contexts = append(c.contexts, ctx)
	if c.revert {
		return nil, &revertError{[]byte("nope")}
	}
	return append([]byte("got:"), data...), nil
}

type testEnv struct {
	ledger      *l1.Ledger
	recorder    *events.Recorder
	bridge      *bridge.Bridge
	outbox      *Outbox
	good        *target
	bad         *target
	goodAddr    common.Address
	badAddr     common.Address
	withdrawals []*withdrawal
	tree        merkletree.MerkleTree
}

func newTestEnv(t *testing.T, count int) *testEnv {
	ledger := l1.NewLedger(&l1.DefaultConfig)
	recorder := events.NewRecorder()
	ledger.Subscribe(recorder)
	policy := access.NewPolicy(owner)
	policy.Bootstrap(access.Rollup, rollup)
	b := bridge.NewBridge(ledger.NewContractAddress("bridge"), policy)
	require.NoError(t, ledger.Register(b.Address(), b))
	o := NewOutbox(ledger.NewContractAddress("outbox"), b, policy)
	policy.Bootstrap(access.Outbox, o.Address())
	ledger.Mint(b.Address(), big.NewInt(1_000_000))

	env := &testEnv{
		ledger:   ledger,
		recorder: recorder,
		bridge:   b,
		outbox:   o,
		good:     &target{outbox: o},
		bad:      &target{outbox: o, revert: true},
		goodAddr: ledger.NewContractAddress("good"),
		badAddr:  ledger.NewContractAddress("bad"),
	}
	require.NoError(t, ledger.Register(env.goodAddr, env.good))
	require.NoError(t, ledger.Register(env.badAddr, env.bad))

	items := make([]common.Hash, count)
	for i := range items {
		to := env.goodAddr
		if i%2 == 1 {
			to = env.badAddr
		}
		w := &withdrawal{
			l2Sender: testhelpers.RandomAddress(),
			to:       to,
			l2Block:  uint64(10 + i),
			l1Block:  uint64(100 + i),
			l2Time:   uint64(1000 + i),
			value:    big.NewInt(int64(i + 1)),
			data:     []byte{byte(i)},
		}
		env.withdrawals = append(env.withdrawals, w)
		items[i] = w.item()
	}
	env.tree = merkletree.NewMerkleTreeFromItems(items)
	require.NoError(t, ledger.Tx(rollup, func(tx *l1.ActiveTx) error {
		return o.UpdateSendRoot(tx, rollup, env.tree.Hash(), testhelpers.RandomHash())
	}))
	return env
}

func (e *testEnv) execute(t *testing.T, index uint64) (bool, []byte, error) {
	proof, err := merkletree.Prove(e.tree, index)
	require.NoError(t, err)
	w := e.withdrawals[index]
	var success bool
	var ret []byte
	err = e.ledger.Tx(user, func(tx *l1.ActiveTx) error {
		var innerErr error
		success, ret, innerErr = e.outbox.ExecuteTransaction(tx, user, proof.Proof, index, w.l2Sender, w.to, w.l2Block, w.l1Block, w.l2Time, w.value, w.data)
		return innerErr
	})
	return success, ret, err
}

func TestExecuteTransaction(t *testing.T) {
	env := newTestEnv(t, 5)
	success, ret, err := env.execute(t, 2)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, []byte("got:\x02"), ret)
	require.True(t, env.outbox.IsSpent(2))
	require.False(t, env.outbox.IsSpent(0))

	w := env.withdrawals[2]
	require.Len(t, env.good.contexts, 1)
	require.Equal(t, L2ToL1Context{
		L2Sender:  w.l2Sender,
		L2Block:   w.l2Block,
		L1Block:   w.l1Block,
		Timestamp: w.l2Time,
		OutputId:  common.BigToHash(big.NewInt(2)),
	}, env.good.contexts[0])
	_, active := env.outbox.L2ToL1Context()
	require.False(t, active)

	require.NoError(t, env.ledger.Call(func(tx *l1.ActiveTx) error {
		require.Equal(t, int64(3), tx.Balance(env.goodAddr).Int64())
		return nil
	}))
	executed, ok := events.Last[*OutBoxTransactionExecuted](env.recorder, nil)
	require.True(t, ok)
	require.Equal(t, uint64(2), executed.TransactionIndex)
	require.True(t, executed.Success)
}

func TestExactlyOnceAfterRevertedCall(t *testing.T) {
	env := newTestEnv(t, 4)
	success, ret, err := env.execute(t, 1)
	require.NoError(t, err)
	require.False(t, success)
	require.Equal(t, []byte("nope"), ret)
	require.True(t, env.outbox.IsSpent(1))
	require.NoError(t, env.ledger.Call(func(tx *l1.ActiveTx) error {
		require.Zero(t, tx.Balance(env.badAddr).Sign())
		return nil
	}))

	_, _, err = env.execute(t, 1)
	var spent *AlreadySpentError
	require.True(t, errors.As(err, &spent))
	require.Equal(t, uint64(1), spent.Index)
	require.Len(t, env.bad.contexts, 1)
}

func TestProofValidation(t *testing.T) {
	env := newTestEnv(t, 4)
	w := env.withdrawals[0]
	run := func(proof []common.Hash, index uint64) error {
		return env.ledger.Tx(user, func(tx *l1.ActiveTx) error {
			_, _, err := env.outbox.ExecuteTransaction(tx, user, proof, index, w.l2Sender, w.to, w.l2Block, w.l1Block, w.l2Time, w.value, w.data)
			return err
		})
	}
	proof, err := merkletree.Prove(env.tree, 0)
	require.NoError(t, err)

	require.ErrorIs(t, run(make([]common.Hash, MaxProofLength), 0), ErrProofTooLong)
	require.ErrorIs(t, run(proof.Proof, 4), ErrPathNotMinimal)
	require.ErrorIs(t, run(proof.Proof, 1), ErrUnknownRoot)
	require.ErrorIs(t, run(proof.Proof[:1], 0), ErrUnknownRoot)
	require.False(t, env.outbox.IsSpent(0))
	require.NoError(t, run(proof.Proof, 0))
}

func TestSpentMarkRevertsWithTransaction(t *testing.T) {
	env := newTestEnv(t, 2)
	proof, err := merkletree.Prove(env.tree, 0)
	require.NoError(t, err)
	w := env.withdrawals[0]
	abort := errors.New("abort")
	err = env.ledger.Tx(user, func(tx *l1.ActiveTx) error {
		_, _, err := env.outbox.ExecuteTransaction(tx, user, proof.Proof, 0, w.l2Sender, w.to, w.l2Block, w.l1Block, w.l2Time, w.value, w.data)
		require.NoError(t, err)
		require.True(t, env.outbox.IsSpent(0))
		return abort
	})
	require.ErrorIs(t, err, abort)
	require.False(t, env.outbox.IsSpent(0))
}

func TestSpentBitmapPacking(t *testing.T) {
	slot := func(index uint64) [2]uint64 {
		word, offset := spentSlot(index)
		return [2]uint64{word, offset}
	}
	require.Equal(t, [2]uint64{0, 0}, slot(0))
	require.Equal(t, [2]uint64{3, 62}, slot(254))
	require.Equal(t, [2]uint64{4, 0}, slot(255))
	require.Equal(t, [2]uint64{8, 3}, slot(2*255+3))
	for i := uint64(0); i < 2000; i++ {
		word, offset := spentSlot(i)
		require.False(t, word%4 == 3 && offset == 63, "index %d landed on a reserved bit", i)
	}

	last := slot(math.MaxUint64)
	require.Equal(t, [2]uint64{(math.MaxUint64 / 255) * 4, math.MaxUint64 % 255}, last)
	require.NotEqual(t, slot(math.MaxUint64-1), last)
}

func TestHugeIndexSpentSparsely(t *testing.T) {
	o := NewOutbox(common.Address{}, nil, nil)
	require.False(t, o.spent.SetAt(spentSlot(math.MaxUint64)))
	require.True(t, o.IsSpent(math.MaxUint64))
	require.False(t, o.IsSpent(math.MaxUint64-1))
	require.Equal(t, 1, o.spent.Words())
}

func TestSimulation(t *testing.T) {
	env := newTestEnv(t, 2)
	w := env.withdrawals[0]
	require.NoError(t, env.ledger.Tx(user, func(tx *l1.ActiveTx) error {
		ret, err := env.outbox.ExecuteTransactionSimulation(tx, 0, w.l2Sender, w.to, w.l2Block, w.l1Block, w.l2Time, w.value, w.data)
		require.NoError(t, err)
		require.Equal(t, []byte("got:\x00"), ret)

		bad := env.withdrawals[1]
		_, err = env.outbox.ExecuteTransactionSimulation(tx, 1, bad.l2Sender, bad.to, bad.l2Block, bad.l1Block, bad.l2Time, bad.value, bad.data)
		var failed *BridgeCallFailedError
		require.True(t, errors.As(err, &failed))
		require.Equal(t, []byte("nope"), failed.ReturnData)
		return nil
	}))
	require.False(t, env.outbox.IsSpent(0))
	require.NoError(t, env.ledger.Call(func(tx *l1.ActiveTx) error {
		require.Zero(t, tx.Balance(env.goodAddr).Sign())
		return nil
	}))
	require.Equal(t, 0, len(events.Filter[*OutBoxTransactionExecuted](env.recorder, nil)))
}

func TestUpdateSendRootAuth(t *testing.T) {
	env := newTestEnv(t, 1)
	err := env.ledger.Tx(user, func(tx *l1.ActiveTx) error {
		return env.outbox.UpdateSendRoot(tx, user, testhelpers.RandomHash(), testhelpers.RandomHash())
	})
	require.ErrorIs(t, err, access.ErrNotAuthorized)
	require.NotEqual(t, common.Hash{}, env.outbox.Roots(env.tree.Hash()))
}

// reentrant executes another outgoing message from inside its own execution.
type reentrant struct {
	env    *testEnv
	addr   common.Address
	inner  uint64
	proof  []common.Hash
	fail   bool
	before L2ToL1Context
	after  L2ToL1Context
	nested L2ToL1Context
}

func (r *reentrant) Call(tx *l1.ActiveTx, caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	r.before, _ = r.env.outbox.L2ToL1Context()
	w := r.env.withdrawals[r.inner]
	success, _, err := r.env.outbox.ExecuteTransaction(tx, r.addr, r.proof, r.inner, w.l2Sender, w.to, w.l2Block, w.l1Block, w.l2Time, w.value, w.data)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, errors.New("inner execution failed")
	}
	r.nested = r.env.good.contexts[len(r.env.good.contexts)-1]
	r.after, _ = r.env.outbox.L2ToL1Context()
	if r.fail {
		return nil, &revertError{[]byte("undo inner")}
	}
	return nil, nil
}

func newNestedEnv(t *testing.T, fail bool) (*testEnv, *reentrant) {
	env := newTestEnv(t, 4)
	r := &reentrant{env: env, addr: env.ledger.NewContractAddress("reentrant"), inner: 2, fail: fail}
	require.NoError(t, env.ledger.Register(r.addr, r))
	env.withdrawals[0].to = r.addr
	items := make([]common.Hash, len(env.withdrawals))
	for i, w := range env.withdrawals {
		items[i] = w.item()
	}
	env.tree = merkletree.NewMerkleTreeFromItems(items)
	require.NoError(t, env.ledger.Tx(rollup, func(tx *l1.ActiveTx) error {
		return env.outbox.UpdateSendRoot(tx, rollup, env.tree.Hash(), testhelpers.RandomHash())
	}))
	proof, err := merkletree.Prove(env.tree, r.inner)
	require.NoError(t, err)
	r.proof = proof.Proof
	return env, r
}

func TestNestedExecutionRestoresContext(t *testing.T) {
	env, r := newNestedEnv(t, false)
	success, _, err := env.execute(t, 0)
	require.NoError(t, err)
	require.True(t, success)

	outer := env.withdrawals[0]
	expectedOuter := L2ToL1Context{
		L2Sender:  outer.l2Sender,
		L2Block:   outer.l2Block,
		L1Block:   outer.l1Block,
		Timestamp: outer.l2Time,
		OutputId:  common.BigToHash(big.NewInt(0)),
	}
	require.Equal(t, expectedOuter, r.before)
	require.Equal(t, expectedOuter, r.after)
	inner := env.withdrawals[2]
	require.Equal(t, inner.l2Sender, r.nested.L2Sender)
	require.Equal(t, common.BigToHash(big.NewInt(2)), r.nested.OutputId)

	require.True(t, env.outbox.IsSpent(0))
	require.True(t, env.outbox.IsSpent(2))
	_, active := env.outbox.L2ToL1Context()
	require.False(t, active)
	require.Len(t, events.Filter[*OutBoxTransactionExecuted](env.recorder, nil), 2)
}

func TestNestedExecutionRevertUnspendsInner(t *testing.T) {
	env, r := newNestedEnv(t, true)
	success, ret, err := env.execute(t, 0)
	require.NoError(t, err)
	require.False(t, success)
	require.Equal(t, []byte("undo inner"), ret)
	require.Equal(t, env.withdrawals[2].l2Sender, r.nested.L2Sender)

	require.True(t, env.outbox.IsSpent(0))
	require.False(t, env.outbox.IsSpent(2))
	_, active := env.outbox.L2ToL1Context()
	require.False(t, active)

	success, _, err = env.execute(t, 2)
	require.NoError(t, err)
	require.True(t, success)
	require.True(t, env.outbox.IsSpent(2))
}
