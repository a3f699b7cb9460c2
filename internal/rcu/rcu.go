// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

// Package rcu implements quiescent-state based reclamation for handles
// published by the control process and read lock-free by workers.
//
// Readers call Quiesce at the end of every batch (and on idle ticks).
// The writer publishes a replacement handle, then calls Synchronize,
// which returns once every online reader has passed a quiescent point.
// The old handle may be freed after that.
package rcu

import (
	"context"
	"sync/atomic"
	"time"
)

const pollInterval = 50 * time.Microsecond

type readerState struct {
	counter atomic.Uint64
	online  atomic.Bool
}

// Domain tracks the quiescence of a fixed set of readers.
type Domain struct {
	readers []readerState
}

// New creates a Domain for n readers, all initially offline.
func New(n int) *Domain {
	return &Domain{readers: make([]readerState, n)}
}

// Online marks a reader as participating. An offline reader is never
// waited for.
func (d *Domain) Online(reader int) {
	d.readers[reader].online.Store(true)
}

// Offline marks a reader as no longer holding any published handle.
func (d *Domain) Offline(reader int) {
	// The counter bump covers a writer that snapshotted while this
	// reader was still online.
	d.readers[reader].counter.Add(1)
	d.readers[reader].online.Store(false)
}

// Quiesce records that the reader holds no reference to any published
// handle at this instant.
func (d *Domain) Quiesce(reader int) {
	d.readers[reader].counter.Add(1)
}

// Synchronize blocks until every online reader has quiesced at least
// once since the call began, or ctx is done.
func (d *Domain) Synchronize(ctx context.Context) error {
	type wait struct {
		idx  int
		snap uint64
	}

	var pending []wait
	for i := range d.readers {
		r := &d.readers[i]
		if r.online.Load() {
			pending = append(pending, wait{idx: i, snap: r.counter.Load()})
		}
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		next := pending[:0]
		for _, w := range pending {
			r := &d.readers[w.idx]
			if r.online.Load() && r.counter.Load() == w.snap {
				next = append(next, w)
			}
		}
		pending = next

		if len(pending) > 0 {
			time.Sleep(pollInterval)
		}
	}
	return nil
}
