// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package rcu

import (
	"context"
	"testing"
	"time"
)

func TestSynchronizeNoReaders(t *testing.T) {
	d := New(4)
	// No reader online: synchronize must return immediately.
	if err := d.Synchronize(context.Background()); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
}

func TestSynchronizeWaitsForQuiescence(t *testing.T) {
	d := New(2)
	d.Online(0)
	d.Online(1)

	done := make(chan error, 1)
	go func() {
		done <- d.Synchronize(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Synchronize returned before readers quiesced")
	case <-time.After(5 * time.Millisecond):
	}

	d.Quiesce(0)

	select {
	case <-done:
		t.Fatal("Synchronize returned with reader 1 outstanding")
	case <-time.After(5 * time.Millisecond):
	}

	d.Quiesce(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Synchronize: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Synchronize did not return after full quiescence")
	}
}

func TestSynchronizeSkipsOffline(t *testing.T) {
	d := New(2)
	d.Online(0)
	d.Online(1)
	d.Offline(1)

	done := make(chan error, 1)
	go func() {
		done <- d.Synchronize(context.Background())
	}()

	// Reader 0 keeps quiescing, as a live worker does, so one of its
	// quiescent points lands after Synchronize takes its snapshot.
	// Reader 1 is offline and never quiesces.
	deadline := time.After(time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Synchronize: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("Synchronize waited for an offline reader")
		case <-time.After(time.Millisecond):
			d.Quiesce(0)
		}
	}
}

func TestSynchronizeContextCancel(t *testing.T) {
	d := New(1)
	d.Online(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := d.Synchronize(ctx); err == nil {
		t.Fatal("expected context error with a stalled reader")
	}
}
