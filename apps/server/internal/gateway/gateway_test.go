package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"mootlab/apps/server/internal/identity"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	g, err := New(identity.StaticResolver{}, st, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func joinTestConn(g *Gateway, sessionID string, actor moot.Actor) *Connection {
	c := &Connection{
		ID:      actor.UserID,
		Actor:   actor,
		Send:    make(chan []byte, 16),
		gateway: g,
	}
	g.join(sessionID, c)
	return c
}

func recv(t *testing.T, c *Connection) Envelope {
	t.Helper()
	select {
	case data := <-c.Send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad envelope %q: %v", data, err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("no message")
		return Envelope{}
	}
}

func drain(c *Connection) {
	for {
		select {
		case <-c.Send:
		default:
			return
		}
	}
}

func envelope(kind string, payload string) []byte {
	raw, _ := json.Marshal(Envelope{Kind: kind, Payload: json.RawMessage(payload)})
	return raw
}

func TestDispatch_FacultyControlIsBroadcast(t *testing.T) {
	g := newTestGateway(t)
	faculty := joinTestConn(g, "sess-1", moot.Actor{UserID: "faculty-1", Role: moot.RoleFaculty})
	student := joinTestConn(g, "sess-1", moot.Actor{UserID: "user-1", Role: moot.RoleStudent})
	drain(faculty)
	drain(student)

	faculty.dispatch(envelope(KindTimerStart, `{"seconds":600}`))

	for _, c := range []*Connection{faculty, student} {
		env := recv(t, c)
		if env.Kind != KindTimerStart {
			t.Fatalf("expected %s, got %s", KindTimerStart, env.Kind)
		}
		if env.SenderID != "faculty-1" {
			t.Fatalf("sender not stamped: %q", env.SenderID)
		}
		if env.SessionID != "sess-1" {
			t.Fatalf("session not stamped: %q", env.SessionID)
		}
	}
}

func TestDispatch_StudentControlIsRejectedWithoutBroadcast(t *testing.T) {
	g := newTestGateway(t)
	faculty := joinTestConn(g, "sess-1", moot.Actor{UserID: "faculty-1", Role: moot.RoleFaculty})
	student := joinTestConn(g, "sess-1", moot.Actor{UserID: "user-1", Role: moot.RoleStudent})
	drain(faculty)
	drain(student)

	for _, kind := range []string{KindTimerStart, KindTimerPause, KindTimerResume, KindTimerReset,
		KindObjectionRuled, KindScoreUpdate, KindSpeakerChange, KindRoundComplete} {
		student.dispatch(envelope(kind, `{}`))

		env := recv(t, student)
		if env.Kind != KindError {
			t.Fatalf("%s: expected error envelope, got %s", kind, env.Kind)
		}
		select {
		case data := <-faculty.Send:
			t.Fatalf("%s: rejected message leaked to the room: %s", kind, data)
		default:
		}
	}
}

func TestDispatch_ParticipantKinds(t *testing.T) {
	g := newTestGateway(t)
	student := joinTestConn(g, "sess-1", moot.Actor{UserID: "user-1", Role: moot.RoleStudent})
	observer := joinTestConn(g, "sess-1", moot.Actor{UserID: "watcher-1", Role: moot.RoleObserver})
	drain(student)
	drain(observer)

	student.dispatch(envelope(KindObjectionRaised, `{"ground":"hearsay"}`))
	if env := recv(t, observer); env.Kind != KindObjectionRaised {
		t.Fatalf("expected objection to reach the room, got %s", env.Kind)
	}
	drain(student)

	observer.dispatch(envelope(KindTranscriptUpdate, `{}`))
	if env := recv(t, observer); env.Kind != KindError {
		t.Fatalf("observer transcript should be rejected, got %s", env.Kind)
	}
	select {
	case data := <-student.Send:
		t.Fatalf("observer message leaked: %s", data)
	default:
	}
}

func TestDispatch_PingGetsDirectPong(t *testing.T) {
	g := newTestGateway(t)
	observer := joinTestConn(g, "sess-1", moot.Actor{UserID: "watcher-1", Role: moot.RoleObserver})
	other := joinTestConn(g, "sess-1", moot.Actor{UserID: "watcher-2", Role: moot.RoleObserver})
	drain(observer)
	drain(other)

	observer.dispatch(envelope(KindPing, ``))
	if env := recv(t, observer); env.Kind != KindPong {
		t.Fatalf("expected pong, got %s", env.Kind)
	}
	select {
	case data := <-other.Send:
		t.Fatalf("pong leaked to the room: %s", data)
	default:
	}
}

func TestDispatch_UnknownKindRejected(t *testing.T) {
	g := newTestGateway(t)
	faculty := joinTestConn(g, "sess-1", moot.Actor{UserID: "faculty-1", Role: moot.RoleFaculty})
	drain(faculty)

	faculty.dispatch(envelope("format_disk", `{}`))
	if env := recv(t, faculty); env.Kind != KindError {
		t.Fatalf("expected error, got %s", env.Kind)
	}

	faculty.dispatch([]byte(`not json`))
	if env := recv(t, faculty); env.Kind != KindError {
		t.Fatalf("expected error, got %s", env.Kind)
	}
}

func TestPresence_OnJoinAndLeave(t *testing.T) {
	g := newTestGateway(t)
	first := joinTestConn(g, "sess-1", moot.Actor{UserID: "user-1", Role: moot.RoleStudent})

	env := recv(t, first)
	if env.Kind != KindPresence {
		t.Fatalf("expected presence, got %s", env.Kind)
	}
	var p presencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("presence payload: %v", err)
	}
	if p.UserID != "user-1" || !p.Online || p.Count != 1 {
		t.Fatalf("unexpected presence %+v", p)
	}

	second := joinTestConn(g, "sess-1", moot.Actor{UserID: "user-2", Role: moot.RoleStudent})
	drain(first)
	drain(second)

	g.leave(second)
	env = recv(t, first)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("presence payload: %v", err)
	}
	if p.UserID != "user-2" || p.Online || p.Count != 1 {
		t.Fatalf("unexpected leave presence %+v", p)
	}
}

func TestBroadcast_EngineEventReachesRoom(t *testing.T) {
	g := newTestGateway(t)

	// No room open yet: must be a silent no-op.
	g.Broadcast("sess-1", KindStateTransition, map[string]any{"to": "JUDGING"})

	c := joinTestConn(g, "sess-1", moot.Actor{UserID: "user-1", Role: moot.RoleStudent})
	drain(c)

	g.Broadcast("sess-1", KindStateTransition, map[string]any{"to": "JUDGING"})
	env := recv(t, c)
	if env.Kind != KindStateTransition {
		t.Fatalf("expected state_transition, got %s", env.Kind)
	}
}

func TestLiveState_ReplayedToLateJoiner(t *testing.T) {
	g := newTestGateway(t)
	faculty := joinTestConn(g, "sess-1", moot.Actor{UserID: "faculty-1", Role: moot.RoleFaculty})
	drain(faculty)

	faculty.dispatch(envelope(KindTimerStart, `{"seconds":600}`))
	faculty.dispatch(envelope(KindSpeakerChange, `{"participant_id":"part-1"}`))
	drain(faculty)

	late := &Connection{
		ID:      "late",
		Actor:   moot.Actor{UserID: "watcher-1", Role: moot.RoleObserver},
		Send:    make(chan []byte, 16),
		gateway: g,
	}
	g.join("sess-1", late)
	drain(late)
	g.replayLive("sess-1", late)

	first := recv(t, late)
	second := recv(t, late)
	if first.Kind != KindTimerStart || second.Kind != KindSpeakerChange {
		t.Fatalf("unexpected replay order: %s, %s", first.Kind, second.Kind)
	}
}

func TestBroadcast_FullBufferDisconnects(t *testing.T) {
	g := newTestGateway(t)
	// One slot, filled by the join presence and never read again.
	stuck := &Connection{
		ID:      "stuck",
		Actor:   moot.Actor{UserID: "user-1", Role: moot.RoleStudent},
		Send:    make(chan []byte, 1),
		gateway: g,
	}
	room := g.join("sess-1", stuck)
	if room.size() != 1 {
		t.Fatalf("setup: room size %d", room.size())
	}

	g.Broadcast("sess-1", KindStateTransition, nil)
	if room.size() != 0 {
		t.Fatalf("stuck connection should have been dropped, room size %d", room.size())
	}
	<-stuck.Send // drain the presence frame
	if _, ok := <-stuck.Send; ok {
		t.Fatalf("send channel should be closed")
	}
}

func TestBroadcast_DroppedConnectionStillDispatches(t *testing.T) {
	g := newTestGateway(t)
	stuck := &Connection{
		ID:      "stuck",
		Actor:   moot.Actor{UserID: "user-1", Role: moot.RoleStudent},
		Send:    make(chan []byte, 1),
		gateway: g,
	}
	room := g.join("sess-1", stuck)

	g.Broadcast("sess-1", KindStateTransition, nil)
	if room.size() != 0 {
		t.Fatalf("stuck connection should have been dropped, room size %d", room.size())
	}

	// The reader can still be mid-frame when the drop happens. Replies and
	// relays after shutdown must be discarded, not panic.
	stuck.dispatch(envelope(KindPing, ``))
	stuck.dispatch(envelope(KindObjectionRaised, `{"ground":"hearsay"}`))

	<-stuck.Send // presence frame
	if _, ok := <-stuck.Send; ok {
		t.Fatalf("send channel should be closed with nothing queued after it")
	}
}

func TestRememberLive_ConcurrentKindsBothSurvive(t *testing.T) {
	g := newTestGateway(t)
	timer := []byte(`{"kind":"timer_start"}`)
	speaker := []byte(`{"kind":"speaker_change"}`)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); g.rememberLive("sess-1", KindTimerStart, timer) }()
		go func() { defer wg.Done(); g.rememberLive("sess-1", KindSpeakerChange, speaker) }()
	}
	wg.Wait()

	state, ok := g.live.Get("sess-1")
	if !ok {
		t.Fatalf("no cached live state")
	}
	if len(state.Timer) == 0 || len(state.Speaker) == 0 {
		t.Fatalf("lost a cached slot: timer=%q speaker=%q", state.Timer, state.Speaker)
	}
}

func TestSweep_ReclaimsEmptyRooms(t *testing.T) {
	g := newTestGateway(t)
	c := joinTestConn(g, "sess-1", moot.Actor{UserID: "user-1", Role: moot.RoleStudent})
	joinTestConn(g, "sess-2", moot.Actor{UserID: "user-2", Role: moot.RoleStudent})

	g.leave(c)
	g.sweepEmptyRooms()

	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.rooms["sess-1"]; ok {
		t.Fatalf("empty room not reclaimed")
	}
	if _, ok := g.rooms["sess-2"]; !ok {
		t.Fatalf("occupied room reclaimed")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	g := newTestGateway(t)
	g.sweepInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	joinTestConn(g, "sess-1", moot.Actor{UserID: "user-1", Role: moot.RoleStudent})
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
}
