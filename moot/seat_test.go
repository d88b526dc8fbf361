package moot

import (
	"errors"
	"testing"
)

func TestNextSeat_BalancedFill(t *testing.T) {
	want := []Seat{
		{Side: SidePetitioner, Slot: 1},
		{Side: SideRespondent, Slot: 1},
		{Side: SidePetitioner, Slot: 2},
		{Side: SideRespondent, Slot: 2},
	}

	var occupied []Seat
	for i, expected := range want {
		seat, err := NextSeat(occupied)
		if err != nil {
			t.Fatalf("join %d: %v", i+1, err)
		}
		if seat != expected {
			t.Fatalf("join %d: got %+v, want %+v", i+1, seat, expected)
		}
		occupied = append(occupied, seat)
	}

	if _, err := NextSeat(occupied); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("5th join: expected ErrSessionFull, got %v", err)
	}
}

func TestNextSeat_FillsGapOnPreferredSide(t *testing.T) {
	// Petitioner slot 1 freed up; respondent fully seated.
	occupied := []Seat{
		{Side: SidePetitioner, Slot: 2},
		{Side: SideRespondent, Slot: 1},
		{Side: SideRespondent, Slot: 2},
	}
	seat, err := NextSeat(occupied)
	if err != nil {
		t.Fatalf("NextSeat: %v", err)
	}
	if seat != (Seat{Side: SidePetitioner, Slot: 1}) {
		t.Fatalf("expected petitioner slot 1, got %+v", seat)
	}
}

func TestNextSeat_OverflowsToOtherSide(t *testing.T) {
	// Petitioner side already full; next joiner lands on respondent.
	occupied := []Seat{
		{Side: SidePetitioner, Slot: 1},
		{Side: SidePetitioner, Slot: 2},
	}
	seat, err := NextSeat(occupied)
	if err != nil {
		t.Fatalf("NextSeat: %v", err)
	}
	if seat.Side != SideRespondent || seat.Slot != 1 {
		t.Fatalf("expected respondent slot 1, got %+v", seat)
	}
}
