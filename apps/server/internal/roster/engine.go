package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"mootlab/apps/server/internal/audit"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

type Broadcaster interface {
	Broadcast(sessionID, kind string, payload any)
}

// Engine assigns joining users to (side, speaker slot) pairs. The store's
// partial unique indexes over active rows are the only arbiter between
// concurrent joins; losing an insert race means re-reading occupancy and
// trying the next free seat.
type Engine struct {
	store store.Store
	audit *audit.Writer
	bcast Broadcaster
}

func New(st store.Store, aw *audit.Writer, bcast Broadcaster) *Engine {
	return &Engine{store: st, audit: aw, bcast: bcast}
}

// Assignment is the outcome of a join, also broadcast as participant_joined.
type Assignment struct {
	ParticipantID string    `json:"participant_id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	Side          moot.Side `json:"side"`
	Slot          int       `json:"speaker_slot"`
	Rejoined      bool      `json:"rejoined"`
}

// Join resolves the session by join code and seats the user. Repeat joins by
// a seated user return the existing seat unchanged.
func (e *Engine) Join(ctx context.Context, joinCode, userID string) (Assignment, error) {
	sess, err := e.store.SessionByCode(ctx, joinCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Assignment{}, moot.ErrNotFound
		}
		return Assignment{}, err
	}

	if !sess.CurrentPhase.Joinable() {
		err := fmt.Errorf("%w: session is %s", moot.ErrInvalidState, sess.CurrentPhase)
		e.audit.Failure(ctx, sess.ID, audit.EventJoin, userID, err, nil)
		return Assignment{}, err
	}

	// Idempotency: an active row for this user wins over any new seat.
	if existing, err := e.store.ActiveParticipant(ctx, sess.ID, userID); err == nil {
		a := assignmentFrom(existing, true)
		e.audit.Success(ctx, sess.ID, audit.EventJoin, userID, map[string]any{
			"side": string(a.Side), "slot": a.Slot, "rejoined": true,
		})
		return a, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Assignment{}, err
	}

	// Bounded by seat capacity: each lost race means some other join
	// committed, so at most Capacity re-reads can ever be needed.
	for attempt := 0; attempt < moot.Capacity; attempt++ {
		active, err := e.store.ActiveParticipants(ctx, sess.ID)
		if err != nil {
			return Assignment{}, err
		}
		occupied := lo.Map(active, func(p store.Participant, _ int) moot.Seat {
			return moot.Seat{Side: p.Side, Slot: p.Slot}
		})

		seat, err := moot.NextSeat(occupied)
		if err != nil {
			e.audit.Failure(ctx, sess.ID, audit.EventJoin, userID, err, map[string]any{"occupied": len(occupied)})
			return Assignment{}, err
		}

		p := store.Participant{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			UserID:    userID,
			Side:      seat.Side,
			Slot:      seat.Slot,
			Active:    true,
			JoinedAt:  time.Now().UTC(),
		}
		err = e.store.InsertParticipant(ctx, p)
		if err == nil {
			a := assignmentFrom(p, false)
			e.audit.Success(ctx, sess.ID, audit.EventJoin, userID, map[string]any{
				"side": string(a.Side), "slot": a.Slot,
			})
			e.bcast.Broadcast(sess.ID, "participant_joined", a)
			return a, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return Assignment{}, err
		}

		// Someone got there first. Either this same user joined through
		// another connection, or the seat was taken.
		if existing, lookupErr := e.store.ActiveParticipant(ctx, sess.ID, userID); lookupErr == nil {
			a := assignmentFrom(existing, true)
			e.audit.Success(ctx, sess.ID, audit.EventJoin, userID, map[string]any{
				"side": string(a.Side), "slot": a.Slot, "rejoined": true,
			})
			return a, nil
		} else if !errors.Is(lookupErr, store.ErrNotFound) {
			return Assignment{}, lookupErr
		}
	}

	e.audit.Failure(ctx, sess.ID, audit.EventJoin, userID, moot.ErrSlotConflict, nil)
	return Assignment{}, moot.ErrSlotConflict
}

func assignmentFrom(p store.Participant, rejoined bool) Assignment {
	return Assignment{
		ParticipantID: p.ID,
		SessionID:     p.SessionID,
		UserID:        p.UserID,
		Side:          p.Side,
		Slot:          p.Slot,
		Rejoined:      rejoined,
	}
}
