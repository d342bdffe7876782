// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package access

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/l1"
)

func TestPolicyRoles(t *testing.T) {
	owner := common.HexToAddress("0xaa")
	poster := common.HexToAddress("0xbb")
	ledger := l1.NewLedger(&l1.DefaultConfig)
	policy := NewPolicy(owner)

	err := policy.Require(BatchPoster, poster)
	var authErr *NotAuthorizedError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, BatchPoster, authErr.Role)
	require.ErrorIs(t, err, ErrNotAuthorized)

	require.ErrorIs(t, ledger.Tx(poster, func(tx *l1.ActiveTx) error {
		return policy.SetRole(tx, poster, BatchPoster, poster, true)
	}), ErrNotAuthorized)

	abort := errors.New("abort")
	require.ErrorIs(t, ledger.Tx(owner, func(tx *l1.ActiveTx) error {
		require.NoError(t, policy.SetRole(tx, owner, BatchPoster, poster, true))
		require.True(t, policy.Has(BatchPoster, poster))
		return abort
	}), abort)
	require.False(t, policy.Has(BatchPoster, poster))

	require.NoError(t, ledger.Tx(owner, func(tx *l1.ActiveTx) error {
		return policy.SetRole(tx, owner, BatchPoster, poster, true)
	}))
	require.NoError(t, policy.Require(BatchPoster, poster))
	require.Equal(t, []common.Address{poster}, policy.Members(BatchPoster))
}

func TestValidatorWhitelist(t *testing.T) {
	owner := common.HexToAddress("0xaa")
	anyone := common.HexToAddress("0xcc")
	ledger := l1.NewLedger(&l1.DefaultConfig)
	policy := NewPolicy(owner)
	require.False(t, policy.Has(Validator, anyone))
	require.NoError(t, ledger.Tx(owner, func(tx *l1.ActiveTx) error {
		return policy.SetValidatorWhitelistDisabled(tx, owner, true)
	}))
	require.True(t, policy.Has(Validator, anyone))
}
