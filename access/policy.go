// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package access holds the role assignments every settlement component checks its callers against.
package access

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/util/containers"
)

type Role uint8

const (
	Owner Role = iota
	Rollup
	SequencerInbox
	ChallengeManager
	DelayedInbox
	Outbox
	BatchPoster
	Validator
	numRoles
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "owner"
	case Rollup:
		return "rollup"
	case SequencerInbox:
		return "sequencer-inbox"
	case ChallengeManager:
		return "challenge-manager"
	case DelayedInbox:
		return "delayed-inbox"
	case Outbox:
		return "outbox"
	case BatchPoster:
		return "batch-poster"
	case Validator:
		return "validator"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

var ErrNotAuthorized = errors.New("not authorized")

type NotAuthorizedError struct {
	Role   Role
	Caller common.Address
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("%v: %v is not %v", ErrNotAuthorized, e.Caller, e.Role)
}

func (e *NotAuthorizedError) Unwrap() error {
	return ErrNotAuthorized
}

// Policy maps each role to the set of addresses holding it.
type Policy struct {
	members [numRoles]*containers.IndexedSet[common.Address]
	// When set, anyone may act as a validator.
	validatorWhitelistDisabled bool
}

func NewPolicy(owner common.Address) *Policy {
	p := &Policy{}
	for i := range p.members {
		p.members[i] = containers.NewIndexedSet[common.Address]()
	}
	p.members[Owner].Add(owner)
	return p
}

// Bootstrap assigns a role outside of any transaction, while wiring a deployment.
func (p *Policy) Bootstrap(role Role, addr common.Address) {
	p.members[role].Add(addr)
}

func (p *Policy) Has(role Role, addr common.Address) bool {
	if role == Validator && p.validatorWhitelistDisabled {
		return true
	}
	return p.members[role].Contains(addr)
}

func (p *Policy) Require(role Role, caller common.Address) error {
	if !p.Has(role, caller) {
		return &NotAuthorizedError{Role: role, Caller: caller}
	}
	return nil
}

func (p *Policy) Members(role Role) []common.Address {
	return p.members[role].Members()
}

// First returns the earliest remaining holder of a singleton role such as rollup or outbox.
func (p *Policy) First(role Role) (common.Address, bool) {
	if p.members[role].Len() == 0 {
		return common.Address{}, false
	}
	return p.members[role].At(0), true
}

// SetRole grants or revokes a role. Only an owner may change roles.
func (p *Policy) SetRole(tx *l1.ActiveTx, caller common.Address, role Role, addr common.Address, enabled bool) error {
	if err := p.Require(Owner, caller); err != nil {
		return err
	}
	p.setRole(tx, role, addr, enabled)
	return nil
}

// GrantFrom lets a component holding one role manage another, as the rollup does for validators.
func (p *Policy) GrantFrom(tx *l1.ActiveTx, caller common.Address, callerRole, role Role, addr common.Address, enabled bool) error {
	if err := p.Require(callerRole, caller); err != nil {
		return err
	}
	p.setRole(tx, role, addr, enabled)
	return nil
}

func (p *Policy) setRole(tx *l1.ActiveTx, role Role, addr common.Address, enabled bool) {
	if p.members[role].Contains(addr) == enabled {
		return
	}
	l1.Set(tx, &p.members[role], p.members[role].Clone())
	p.members[role].Set(addr, enabled)
	log.Debug("role updated", "role", role, "addr", addr, "enabled", enabled)
}

func (p *Policy) SetValidatorWhitelistDisabled(tx *l1.ActiveTx, caller common.Address, disabled bool) error {
	if err := p.Require(Owner, caller); err != nil {
		return err
	}
	l1.Set(tx, &p.validatorWhitelistDisabled, disabled)
	return nil
}
