package moot

// Side is the argument side a participant speaks for.
type Side string

const (
	SidePetitioner Side = "PETITIONER"
	SideRespondent Side = "RESPONDENT"
)

const (
	// SlotsPerSide is the number of speaker slots on each side.
	SlotsPerSide = 2
	// Capacity is the maximum number of active participants per session.
	Capacity = 2 * SlotsPerSide
)

// Seat is a (side, speaker slot) pair. Slots are 1-based.
type Seat struct {
	Side Side
	Slot int
}

// NextSeat picks the seat a new joiner should take given the seats already
// occupied: the side with fewer occupants first, PETITIONER on ties, and the
// lowest free slot within the side. Re-reading occupancy and calling this
// again after a lost insert race preserves the balanced 2/2 fill for any
// interleaving of concurrent joins.
func NextSeat(occupied []Seat) (Seat, error) {
	if len(occupied) >= Capacity {
		return Seat{}, ErrSessionFull
	}

	taken := make(map[Seat]bool, len(occupied))
	counts := map[Side]int{}
	for _, s := range occupied {
		taken[s] = true
		counts[s.Side]++
	}

	side := SidePetitioner
	if counts[SideRespondent] < counts[SidePetitioner] {
		side = SideRespondent
	}
	for slot := 1; slot <= SlotsPerSide; slot++ {
		if !taken[Seat{Side: side, Slot: slot}] {
			return Seat{Side: side, Slot: slot}, nil
		}
	}
	// Preferred side is full even though the session is not; take the
	// other side's lowest free slot.
	other := SideRespondent
	if side == SideRespondent {
		other = SidePetitioner
	}
	for slot := 1; slot <= SlotsPerSide; slot++ {
		if !taken[Seat{Side: other, Slot: slot}] {
			return Seat{Side: other, Slot: slot}, nil
		}
	}
	return Seat{}, ErrSessionFull
}
