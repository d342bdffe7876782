// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package bridge

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	flag "github.com/spf13/pflag"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/arbutil"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/util/arbmath"
)

type InboxConfig struct {
	MaxDataSize uint64 `koanf:"max-data-size"`
}

var DefaultInboxConfig = InboxConfig{
	MaxDataSize: 117964,
}

func InboxConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Uint64(prefix+".max-data-size", DefaultInboxConfig.MaxDataSize, "maximum size of a delayed message payload")
}

// Inbox is the delayed inbox users and contracts send messages through.
type Inbox struct {
	addr        common.Address
	bridge      *Bridge
	policy      *access.Policy
	maxDataSize uint64
	paused      bool
}

func NewInbox(addr common.Address, bridge *Bridge, policy *access.Policy, config *InboxConfig) *Inbox {
	return &Inbox{
		addr:        addr,
		bridge:      bridge,
		policy:      policy,
		maxDataSize: config.MaxDataSize,
	}
}

func (in *Inbox) Address() common.Address {
	return in.addr
}

// l2Sender is the address a message from caller carries on the rollup. Contract callers are
// aliased so they cannot impersonate a rollup account with the same address.
func (in *Inbox) l2Sender(tx *l1.ActiveTx, caller common.Address) common.Address {
	if caller != tx.Origin() || tx.IsContract(caller) {
		return arbutil.RemapL1Address(caller)
	}
	return caller
}

func (in *Inbox) deliver(tx *l1.ActiveTx, caller common.Address, kind uint8, sender common.Address, data []byte, value *big.Int) (uint64, error) {
	if in.paused {
		return 0, ErrPaused
	}
	if uint64(len(data)) > in.maxDataSize {
		return 0, &DataTooLargeError{DataLength: uint64(len(data)), MaxLength: in.maxDataSize}
	}
	if err := tx.Transfer(caller, in.addr, value); err != nil {
		return 0, err
	}
	num, err := in.bridge.EnqueueDelayedMessage(tx, in.addr, kind, sender, crypto.Keccak256Hash(data), value)
	if err != nil {
		return 0, err
	}
	tx.Emit(&InboxMessageDelivered{MessageNum: num, Data: data})
	return num, nil
}

// SendL2MessageFromOrigin delivers a signed rollup message; only an externally owned
// transaction origin may call it.
func (in *Inbox) SendL2MessageFromOrigin(tx *l1.ActiveTx, caller common.Address, messageData []byte) (uint64, error) {
	if caller != tx.Origin() || tx.IsContract(caller) {
		return 0, ErrNotOrigin
	}
	return in.deliver(tx, caller, L1MessageType_L2Message, caller, messageData, nil)
}

func (in *Inbox) SendL2Message(tx *l1.ActiveTx, caller common.Address, messageData []byte) (uint64, error) {
	return in.deliver(tx, caller, L1MessageType_L2Message, in.l2Sender(tx, caller), messageData, nil)
}

// DepositEth moves value into the bridge and credits it to the (possibly aliased) caller on
// the rollup.
func (in *Inbox) DepositEth(tx *l1.ActiveTx, caller common.Address, value *big.Int) (uint64, error) {
	dest := in.l2Sender(tx, caller)
	data := arbmath.ConcatByteSlices(dest.Bytes(), arbmath.U256Bytes(value))
	return in.deliver(tx, caller, L1MessageType_EthDeposit, dest, data, value)
}

func (in *Inbox) SendUnsignedTransaction(
	tx *l1.ActiveTx,
	caller common.Address,
	gasLimit uint64,
	maxFeePerGas *big.Int,
	nonce uint64,
	to common.Address,
	value *big.Int,
	data []byte,
) (uint64, error) {
	payload := arbmath.ConcatByteSlices(
		[]byte{L2MessageKind_UnsignedUserTx},
		arbmath.Uint64ToU256Bytes(gasLimit),
		arbmath.U256Bytes(maxFeePerGas),
		arbmath.Uint64ToU256Bytes(nonce),
		common.BytesToHash(to.Bytes()).Bytes(),
		arbmath.U256Bytes(value),
		data,
	)
	return in.deliver(tx, caller, L1MessageType_L2Message, in.l2Sender(tx, caller), payload, nil)
}

func (in *Inbox) SendContractTransaction(
	tx *l1.ActiveTx,
	caller common.Address,
	gasLimit uint64,
	maxFeePerGas *big.Int,
	to common.Address,
	value *big.Int,
	data []byte,
) (uint64, error) {
	payload := arbmath.ConcatByteSlices(
		[]byte{L2MessageKind_ContractTx},
		arbmath.Uint64ToU256Bytes(gasLimit),
		arbmath.U256Bytes(maxFeePerGas),
		common.BytesToHash(to.Bytes()).Bytes(),
		arbmath.U256Bytes(value),
		data,
	)
	return in.deliver(tx, caller, L1MessageType_L2Message, in.l2Sender(tx, caller), payload, nil)
}

func (in *Inbox) Pause(tx *l1.ActiveTx, caller common.Address) error {
	if err := in.policy.Require(access.Owner, caller); err != nil {
		return err
	}
	l1.Set(tx, &in.paused, true)
	return nil
}

func (in *Inbox) Unpause(tx *l1.ActiveTx, caller common.Address) error {
	if err := in.policy.Require(access.Owner, caller); err != nil {
		return err
	}
	l1.Set(tx, &in.paused, false)
	return nil
}
