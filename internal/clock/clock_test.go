// Copyright (C) 2026 Emflex Networks GmbH. Licensed under Apache-2.0 (https://www.apache.org/licenses/LICENSE-2.0)

package clock

import (
	"testing"
	"time"
)

func TestMockClock(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewMock(start)

	if !m.Now().Equal(start) {
		t.Fatalf("Now = %v, want %v", m.Now(), start)
	}

	m.Advance(90 * time.Second)
	if got := m.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Errorf("after Advance: %v", got)
	}

	pinned := time.Unix(5000, 0)
	m.Set(pinned)
	if !m.Now().Equal(pinned) {
		t.Errorf("after Set: %v", m.Now())
	}
}

func TestRealClock(t *testing.T) {
	c := New()
	before := time.Now()
	got := c.Now()
	if got.Before(before.Add(-time.Second)) || got.After(before.Add(time.Second)) {
		t.Errorf("wall clock out of range: %v", got)
	}
}
