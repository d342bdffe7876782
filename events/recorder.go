// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package events keeps the ordered history of everything the settlement contracts emitted and
// fans it out to subscribers, the way log filters serve off-chain agents.
package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"github.com/offchainlabs/rollup-settlement/l1"
)

type Record struct {
	Seq         uint64
	BlockNumber uint64
	Event       l1.Event
}

type Recorder struct {
	mutex   sync.RWMutex
	history []Record
	feed    event.Feed
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Deliver implements l1.EventSink.
func (r *Recorder) Deliver(blockNumber uint64, evs []l1.Event) {
	r.mutex.Lock()
	records := make([]Record, 0, len(evs))
	for _, ev := range evs {
		rec := Record{Seq: uint64(len(r.history)), BlockNumber: blockNumber, Event: ev}
		r.history = append(r.history, rec)
		records = append(records, rec)
	}
	r.mutex.Unlock()
	for _, rec := range records {
		r.feed.Send(rec)
	}
}

// Subscribe delivers every future record on ch. Slow subscribers block delivery, so ch should
// be buffered.
func (r *Recorder) Subscribe(ch chan<- Record) event.Subscription {
	return r.feed.Subscribe(ch)
}

func (r *Recorder) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.history)
}

func (r *Recorder) History() []Record {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]Record{}, r.history...)
}

// Filter returns every recorded event of type T accepted by pred, oldest first.
func Filter[T l1.Event](r *Recorder, pred func(T) bool) []T {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var out []T
	for _, rec := range r.history {
		ev, ok := rec.Event.(T)
		if !ok {
			continue
		}
		if pred == nil || pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the newest recorded event of type T accepted by pred.
func Last[T l1.Event](r *Recorder, pred func(T) bool) (T, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		ev, ok := r.history[i].Event.(T)
		if ok && (pred == nil || pred(ev)) {
			return ev, true
		}
	}
	var zero T
	return zero, false
}

// Count returns how many events of each name were recorded.
func (r *Recorder) Count() map[string]int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	counts := make(map[string]int)
	for _, rec := range r.history {
		counts[rec.Event.EventName()]++
	}
	return counts
}
