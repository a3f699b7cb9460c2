// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package classify

import (
	"context"
	"time"
)

// Source feeds decapsulated packet batches to a worker. The GTP-U
// decap node sits outside this core; whatever implements Source is
// expected to have filled SessionIdx, SrcIntf, TEID, Shape and
// DataOffset.
type Source interface {
	// NextBatch blocks until a batch is available or ctx is done.
	NextBatch(ctx context.Context) ([]*Packet, error)
}

// idleTick bounds how long a worker goes between quiescent points
// when no traffic arrives.
const idleTick = 100 * time.Millisecond

// Run drives the worker until ctx is done. With a nil source the
// worker still advances its timer wheel and crosses quiescent points
// so flow expiry and control-plane synchronization keep making
// progress.
func (w *Worker) Run(ctx context.Context, src Source) error {
	defer w.Close()

	ticker := time.NewTicker(idleTick)
	defer ticker.Stop()

	if src == nil {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				w.ProcessBatch(nil, w.c.clock.Now())
			}
		}
	}

	batchCh := make(chan []*Packet)
	errCh := make(chan error, 1)
	go func() {
		for {
			batch, err := src.NextBatch(ctx)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case batchCh <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case batch := <-batchCh:
			w.ProcessBatch(batch, w.c.clock.Now())
		case <-ticker.C:
			w.ProcessBatch(nil, w.c.clock.Now())
		}
	}
}
