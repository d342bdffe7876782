// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package arbtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offchainlabs/rollup-settlement/events"
	"github.com/offchainlabs/rollup-settlement/sequencerinbox"
	"github.com/offchainlabs/rollup-settlement/staker"
)

// A sequencer that stops reading the delayed inbox cannot keep a message out of the chain.
func TestForceInclusionLiveness(t *testing.T) {
	s := newSettlementTest(t, defaultTestOptions())
	d := s.deployment
	s.postBatches(t, 2, 3)
	readBefore := d.SequencerInbox.TotalDelayedMessagesRead()

	// from here on the sequencer posts nothing
	msg := s.sendDelayed(t, []byte("censored"))
	require.GreaterOrEqual(t, msg.MessageIndex, readBefore)

	s.ledger.AdvanceBlocks(testTimeVariation.DelayBlocks)
	require.ErrorIs(t, s.forceInclude(msg), sequencerinbox.ErrForceIncludeBlockTooSoon)
	s.ledger.AdvanceBlocks(1)
	require.ErrorIs(t, s.forceInclude(msg), sequencerinbox.ErrForceIncludeTimeTooSoon)
	s.ledger.AdvanceTime(testTimeVariation.DelaySeconds)
	Require(t, s.forceInclude(msg))

	require.Equal(t, msg.MessageIndex+1, d.SequencerInbox.TotalDelayedMessagesRead())
	require.Equal(t, uint64(3), d.Bridge.SequencerMessageCount())
	forced, ok := events.Last[*sequencerinbox.SequencerBatchDelivered](d.Recorder, nil)
	require.True(t, ok)
	require.Equal(t, sequencerinbox.BatchDataNone, forced.DataLocation)
	require.Equal(t, msg.MessageIndex+1, forced.AfterDelayedMessagesRead)

	// the forced batch becomes part of the confirmed chain
	chain := s.newChain(t, staker.DangerousConfig{})
	honest := s.newStaker(t, honestAddr, chain, staker.DangerousConfig{})
	s.runRounds(t, 200, func() bool {
		return s.confirmedState(t).AfterState().GlobalState.Batch == 3
	}, honest)
	require.Equal(t, uint64(3*s.chainConfig.MessagesPerBatch), chain.AvailableBlocks())

	// the sequencer can resume on top of the forced batch
	s.poster.Enqueue([]byte("after"))
	posted, err := s.poster.PostBatch()
	Require(t, err)
	require.True(t, posted)
	require.Equal(t, uint64(4), d.Bridge.SequencerMessageCount())
	require.GreaterOrEqual(t, d.SequencerInbox.TotalDelayedMessagesRead(), msg.MessageIndex+1)
}
