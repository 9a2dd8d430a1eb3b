/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"testing"
	"time"

	"github.com/friendsincode/sonorium/internal/clock"
)

func newTestCoordinator(clk *clock.FrameClock) *ExclusionCoordinator {
	// 1000 Hz: 1 frame == 1 ms. Floor 5 s, gap 2 s.
	return NewExclusionCoordinator(clk, 1000, 2*time.Second, 5*time.Second)
}

func TestCoordinatorStartupFloor(t *testing.T) {
	clk := clock.New()
	c := newTestCoordinator(clk)
	c.Register("a")

	if c.TryStartPlaying("a", time.Second) {
		t.Fatal("grant before the startup floor")
	}
	clk.Advance(4999)
	if c.TryStartPlaying("a", time.Second) {
		t.Fatal("grant one frame before the floor")
	}
	clk.Advance(1)
	if !c.TryStartPlaying("a", time.Second) {
		t.Fatal("no grant at the floor")
	}
}

func TestCoordinatorSingleActiveSlot(t *testing.T) {
	clk := clock.New()
	c := newTestCoordinator(clk)
	c.Register("a")
	c.Register("b")
	clk.Advance(5000)

	if !c.TryStartPlaying("a", time.Second) {
		t.Fatal("first grant refused")
	}
	if c.TryStartPlaying("b", time.Second) {
		t.Fatal("second grant while a play is active")
	}
	if !c.IsBlocked() {
		t.Fatal("IsBlocked false during an active play")
	}
}

func TestCoordinatorCooldownAndNoRepeat(t *testing.T) {
	clk := clock.New()
	c := newTestCoordinator(clk)
	c.Register("a")
	c.Register("b")
	clk.Advance(5000)

	if !c.TryStartPlaying("a", time.Second) {
		t.Fatal("first grant refused")
	}
	clk.Advance(1000)
	c.FinishPlaying("a")

	if c.TryStartPlaying("b", time.Second) {
		t.Fatal("grant during cooldown")
	}
	if !c.IsBlocked() {
		t.Fatal("IsBlocked false during cooldown")
	}

	clk.Advance(2000)
	if c.TryStartPlaying("a", time.Second) {
		t.Fatal("repeat grant to the previous player while an alternative exists")
	}
	if !c.TryStartPlaying("b", time.Second) {
		t.Fatal("alternative refused after cooldown")
	}
}

func TestCoordinatorRepeatAllowedWhenAlone(t *testing.T) {
	clk := clock.New()
	c := newTestCoordinator(clk)
	c.Register("solo")
	clk.Advance(5000)

	if !c.TryStartPlaying("solo", time.Second) {
		t.Fatal("first grant refused")
	}
	c.FinishPlaying("solo")
	clk.Advance(2000)

	if !c.TryStartPlaying("solo", time.Second) {
		t.Fatal("sole registered player blocked from repeating")
	}
}

func TestCoordinatorFinishByNonActiveIsIgnored(t *testing.T) {
	clk := clock.New()
	c := newTestCoordinator(clk)
	c.Register("a")
	c.Register("b")
	clk.Advance(5000)

	if !c.TryStartPlaying("a", time.Second) {
		t.Fatal("first grant refused")
	}
	c.FinishPlaying("b")
	if !c.IsBlocked() {
		t.Fatal("finish by a non-active player released the slot")
	}
}
