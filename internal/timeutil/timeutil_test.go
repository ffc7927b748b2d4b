// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package timeutil

import (
	"testing"
	"time"
)

func TestSimulatedClock(t *testing.T) {
	now := time.Now()

	tests := []struct {
		desc    string
		initial time.Time
		advance time.Duration
		want    time.Time
	}{
		{"advance forward", now, 30 * time.Second, now.Add(30 * time.Second)},
		{"advance backward", now, -10 * time.Minute, now.Add(-10 * time.Minute)},
	}

	for _, tc := range tests {
		c := NewSimulatedClock(tc.initial)
		if got := c.Now(); got != tc.initial {
			t.Errorf("%s: Now() = %v, want %v", tc.desc, got, tc.initial)
		}
		c.AdvanceTime(tc.advance)
		if got := c.Now(); got != tc.want {
			t.Errorf("%s: after AdvanceTime(%v), Now() = %v, want %v", tc.desc, tc.advance, got, tc.want)
		}
	}
}

func TestSimulatedClockSetTime(t *testing.T) {
	c := NewSimulatedClock(time.Now())
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.SetTime(want)
	if got := c.Now(); got != want {
		t.Errorf("after SetTime(%v), Now() = %v", want, got)
	}
}
