// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package sequencerinbox

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/offchainlabs/rollup-settlement/bridge"
	"github.com/offchainlabs/rollup-settlement/l1"
)

var (
	batchPosterMessagesCounter = metrics.NewRegisteredCounter("arb/batchposter/messages", nil)
	batchPosterSizeGauge       = metrics.NewRegisteredGauge("arb/batchposter/size", nil)
)

// BatchPoster queues sequenced rollup messages and posts them, together with every delayed
// message not yet read, as compressed batches.
type BatchPoster struct {
	ledger  *l1.Ledger
	seq     *SequencerInbox
	bridge  *bridge.Bridge
	address common.Address
	config  *BatchBuilderConfig

	queue [][]byte
}

func NewBatchPoster(ledger *l1.Ledger, seq *SequencerInbox, b *bridge.Bridge, address common.Address, config *BatchBuilderConfig) (*BatchPoster, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &BatchPoster{
		ledger:  ledger,
		seq:     seq,
		bridge:  b,
		address: address,
		config:  config,
	}, nil
}

func (p *BatchPoster) Enqueue(l2msg []byte) {
	p.queue = append(p.queue, l2msg)
}

func (p *BatchPoster) Pending() int {
	return len(p.queue)
}

// PostBatch posts one batch. It returns false when there was nothing to post.
func (p *BatchPoster) PostBatch() (bool, error) {
	firstDelayed := p.seq.TotalDelayedMessagesRead()
	delayedCount := p.bridge.DelayedMessageCount()
	if len(p.queue) == 0 && firstDelayed >= delayedCount {
		return false, nil
	}
	builder := NewBatchBuilder(firstDelayed, p.config)
	if _, err := builder.AdvanceTo(p.ledger.Timestamp(), p.ledger.BlockNumber()); err != nil {
		return false, err
	}
	for builder.DelayedMessagesRead() < delayedCount {
		success, err := builder.AddDelayedMessage()
		if err != nil {
			return false, err
		}
		if !success {
			break
		}
	}
	included := 0
	for _, msg := range p.queue {
		success, err := builder.AddL2Message(msg)
		if err != nil {
			return false, err
		}
		if !success {
			break
		}
		included++
	}
	data, err := builder.CloseAndGetBytes()
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, fmt.Errorf("batch of %d messages came out empty", included)
	}
	afterDelayed := builder.DelayedMessagesRead()
	prevCount := p.bridge.SequencerReportedSubMessageCount()
	newCount := prevCount + uint64(included) + afterDelayed - firstDelayed
	err = p.ledger.Tx(p.address, func(tx *l1.ActiveTx) error {
		return p.seq.AddSequencerL2Batch(tx, p.address, p.bridge.SequencerMessageCount(), data, afterDelayed, prevCount, newCount)
	})
	if err != nil {
		return false, err
	}
	p.queue = p.queue[included:]
	batchPosterMessagesCounter.Inc(int64(included))
	batchPosterSizeGauge.Update(int64(len(data)))
	log.Info(
		"BatchPoster: batch sent",
		"sequenceNumber", p.bridge.SequencerMessageCount()-1,
		"messages", included,
		"delayedRead", afterDelayed,
		"size", len(data),
	)
	return true, nil
}
