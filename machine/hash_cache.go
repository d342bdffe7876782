// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package machine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/offchainlabs/rollup-settlement/util/containers"
)

// HashCache remembers machine hashes by step so repeated bisections over the same execution
// don't replay it from the start.
type HashCache struct {
	start *Machine
	// machine closest to the last requested step, advanced forward on demand
	cursor *Machine
	hashes *containers.LruCache[uint64, common.Hash]
}

func NewHashCache(start *Machine, size int) *HashCache {
	return &HashCache{
		start:  start.Clone(),
		hashes: containers.NewLruCache[uint64, common.Hash](size),
	}
}

// MachineAt returns a copy of the machine after step steps.
func (c *HashCache) MachineAt(ctx context.Context, step uint64) (*Machine, error) {
	if c.cursor == nil || c.cursor.GetStepCount() > step {
		c.cursor = c.start.Clone()
	}
	if c.cursor.GetStepCount() < step {
		if err := c.cursor.Step(ctx, step-c.cursor.GetStepCount()); err != nil {
			return nil, err
		}
	}
	return c.cursor.Clone(), nil
}

func (c *HashCache) HashAt(ctx context.Context, step uint64) (common.Hash, error) {
	if h, ok := c.hashes.Get(step); ok {
		return h, nil
	}
	mach, err := c.MachineAt(ctx, step)
	if err != nil {
		return common.Hash{}, err
	}
	h := mach.Hash()
	c.hashes.Add(step, h)
	return h, nil
}
