// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package deploy

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/access"
	"github.com/offchainlabs/rollup-settlement/l1"
	"github.com/offchainlabs/rollup-settlement/util/testhelpers"
)

func TestDeployOnLedger(t *testing.T) {
	ledger := l1.NewLedger(&l1.DefaultConfig)
	owner := testhelpers.RandomAddress()
	poster := testhelpers.RandomAddress()
	validator := testhelpers.RandomAddress()

	config := DefaultConfig
	_, err := DeployOnLedger(ledger, owner, nil, nil, &config)
	require.Error(t, err)

	root := testhelpers.RandomHash()
	config.Rollup = GenerateRollupConfig(false, root, common.HexToAddress("0xdead"))
	d, err := DeployOnLedger(ledger, owner, []common.Address{poster}, []common.Address{validator}, &config)
	require.NoError(t, err)

	require.Equal(t, root, d.Rollup.WasmModuleRoot())
	require.Equal(t, uint64(20), d.Rollup.Config().ConfirmPeriodBlocks)
	require.True(t, d.Policy.Has(access.Owner, owner))
	require.True(t, d.Policy.Has(access.BatchPoster, poster))
	require.True(t, d.Policy.Has(access.Validator, validator))
	require.True(t, d.Policy.Has(access.Outbox, d.Outbox.Address()))
	require.True(t, d.Policy.Has(access.DelayedInbox, d.Inbox.Address()))
	require.True(t, d.Policy.Has(access.SequencerInbox, d.SequencerInbox.Address()))
	require.False(t, d.Policy.Has(access.Validator, poster))

	addrs := []common.Address{
		d.Addresses.Bridge, d.Addresses.Inbox, d.Addresses.SequencerInbox,
		d.Addresses.Outbox, d.Addresses.ChallengeManager, d.Addresses.Rollup,
	}
	seen := make(map[common.Address]bool)
	for _, addr := range addrs {
		require.False(t, seen[addr], "duplicate address %v", addr)
		seen[addr] = true
	}
}

func TestDeployRejectsBadConfig(t *testing.T) {
	ledger := l1.NewLedger(&l1.DefaultConfig)
	config := DefaultConfig
	config.Rollup = GenerateRollupConfig(true, testhelpers.RandomHash(), common.HexToAddress("0xdead"))
	config.Challenge.MaxBisectionDegree = 1
	_, err := DeployOnLedger(ledger, testhelpers.RandomAddress(), nil, nil, &config)
	require.Error(t, err)
}
