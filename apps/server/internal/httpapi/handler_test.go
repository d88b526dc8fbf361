package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mootlab/apps/server/internal/audit"
	"mootlab/apps/server/internal/evaluation"
	"mootlab/apps/server/internal/identity"
	"mootlab/apps/server/internal/lifecycle"
	"mootlab/apps/server/internal/oracle"
	"mootlab/apps/server/internal/roster"
	"mootlab/apps/server/internal/store"
	"mootlab/moot"
)

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(sessionID, kind string, payload any) {}

// stubScorer returns a fixed full-marks response.
type stubScorer struct{}

func (stubScorer) Score(ctx context.Context, req oracle.Request) (oracle.Response, string, error) {
	scores := map[string]float64{}
	for _, c := range req.Criteria {
		scores[c] = 90
	}
	resp := oracle.Response{SubScores: scores, ModelVersion: "stub"}
	raw, _ := json.Marshal(resp)
	return resp, string(raw), nil
}

var resolver = identity.StaticResolver{
	"faculty-token":  {UserID: "faculty-1", Role: moot.RoleFaculty},
	"faculty2-token": {UserID: "faculty-2", Role: moot.RoleFaculty},
	"student-token":  {UserID: "user-1", Role: moot.RoleStudent},
	"student2-token": {UserID: "user-2", Role: moot.RoleStudent},
}

func newTestMux(t *testing.T) (*http.ServeMux, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	aw := audit.NewWriter(st)
	bcast := nopBroadcaster{}
	h := New(
		resolver,
		st,
		lifecycle.New(st, aw, bcast),
		roster.New(st, aw, bcast),
		evaluation.New(st, stubScorer{}, aw, bcast),
		aw,
	)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	audit.NewHTTPHandler(resolver, st).RegisterRoutes(mux)
	return mux, st
}

func do(t *testing.T, mux *http.ServeMux, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func createSession(t *testing.T, mux *http.ServeMux) sessionView {
	t.Helper()
	rec := do(t, mux, http.MethodPost, "/api/sessions", "faculty-token", map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[sessionView](t, rec)
}

func advanceTo(t *testing.T, mux *http.ServeMux, sessionID string, targets ...moot.Phase) {
	t.Helper()
	for _, target := range targets {
		rec := do(t, mux, http.MethodPost, "/api/sessions/"+sessionID+"/transition", "faculty-token",
			map[string]any{"target_state": string(target)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func TestCreateSession(t *testing.T) {
	mux, _ := newTestMux(t)

	sess := createSession(t, mux)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.JoinCode)
	assert.Equal(t, string(moot.PhaseCreated), sess.CurrentPhase)

	// Students cannot create sessions.
	rec := do(t, mux, http.MethodPost, "/api/sessions", "student-token", map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// One live session per owner.
	rec = do(t, mux, http.MethodPost, "/api/sessions", "faculty-token", map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// No token at all.
	rec = do(t, mux, http.MethodPost, "/api/sessions", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJoinFlow(t *testing.T) {
	mux, _ := newTestMux(t)
	sess := createSession(t, mux)
	advanceTo(t, mux, sess.ID, moot.PhasePreparing)

	rec := do(t, mux, http.MethodPost, "/api/sessions/join", "student-token",
		map[string]any{"session_code": sess.JoinCode})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := decodeBody[joinResponse](t, rec)
	assert.Equal(t, sess.ID, joined.SessionID)
	assert.Equal(t, string(moot.SidePetitioner), joined.Side)
	assert.Equal(t, 1, joined.SpeakerSlot)

	// Repeat join returns the same seat.
	rec = do(t, mux, http.MethodPost, "/api/sessions/join", "student-token",
		map[string]any{"session_code": sess.JoinCode})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeBody[joinResponse](t, rec)
	assert.Equal(t, joined.Side, again.Side)
	assert.Equal(t, joined.SpeakerSlot, again.SpeakerSlot)
	assert.True(t, again.Rejoined)

	// Unknown code.
	rec = do(t, mux, http.MethodPost, "/api/sessions/join", "student2-token",
		map[string]any{"session_code": "MOOT-NOPE99"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing code fails validation.
	rec = do(t, mux, http.MethodPost, "/api/sessions/join", "student2-token", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionEndpoint(t *testing.T) {
	mux, _ := newTestMux(t)
	sess := createSession(t, mux)

	rec := do(t, mux, http.MethodPost, "/api/sessions/"+sess.ID+"/transition", "faculty-token",
		map[string]any{"target_state": "PREPARING", "reason": "round start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[sessionView](t, rec)
	assert.Equal(t, "PREPARING", updated.CurrentPhase)

	// Unknown phase name.
	rec = do(t, mux, http.MethodPost, "/api/sessions/"+sess.ID+"/transition", "faculty-token",
		map[string]any{"target_state": "HALFTIME"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unreachable target.
	rec = do(t, mux, http.MethodPost, "/api/sessions/"+sess.ID+"/transition", "faculty-token",
		map[string]any{"target_state": "COMPLETED"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Another faculty member does not own this session.
	rec = do(t, mux, http.MethodPost, "/api/sessions/"+sess.ID+"/transition", "faculty2-token",
		map[string]any{"target_state": "ARGUING_PETITIONER"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown session.
	rec = do(t, mux, http.MethodPost, "/api/sessions/no-such/transition", "faculty-token",
		map[string]any{"target_state": "PREPARING"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func createRubric(t *testing.T, mux *http.ServeMux) string {
	t.Helper()
	rec := do(t, mux, http.MethodPost, "/api/rubrics", "faculty-token", map[string]any{
		"name":    "appellate-standard",
		"weights": map[string]float64{"clarity": 0.5, "legal_reasoning": 0.5},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[rubricResponse](t, rec).ID
}

func TestEvaluateAndOverride(t *testing.T) {
	mux, st := newTestMux(t)
	sess := createSession(t, mux)
	advanceTo(t, mux, sess.ID, moot.PhasePreparing)

	rec := do(t, mux, http.MethodPost, "/api/sessions/join", "student-token",
		map[string]any{"session_code": sess.JoinCode})
	require.Equal(t, http.StatusOK, rec.Code)

	participants, err := st.ActiveParticipants(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	rubricID := createRubric(t, mux)

	rec = do(t, mux, http.MethodPost, "/api/rounds/"+sess.ID+"/evaluate", "faculty-token",
		map[string]any{"participant_id": participants[0].ID, "rubric_version_id": rubricID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	eval := decodeBody[evaluationView](t, rec)
	assert.Equal(t, string(moot.EvalCompleted), eval.Status)
	require.NotNil(t, eval.FinalScore)
	assert.InDelta(t, 90.0, *eval.FinalScore, 1e-9)

	// Students cannot request evaluations.
	rec = do(t, mux, http.MethodPost, "/api/rounds/"+sess.ID+"/evaluate", "student-token",
		map[string]any{"participant_id": participants[0].ID, "rubric_version_id": rubricID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Override the completed result.
	score := 75.0
	rec = do(t, mux, http.MethodPost, "/api/evaluations/"+eval.EvaluationID+"/override", "faculty-token",
		map[string]any{
			"final_score": score,
			"breakdown":   map[string]float64{"clarity": 75, "legal_reasoning": 75},
			"reason":      "delivery did not match the transcript",
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	overridden := decodeBody[evaluationView](t, rec)
	assert.Equal(t, string(moot.EvalOverridden), overridden.Status)
	require.NotNil(t, overridden.FinalScore)
	assert.Equal(t, score, *overridden.FinalScore)

	// Override without a reason fails validation.
	rec = do(t, mux, http.MethodPost, "/api/evaluations/"+eval.EvaluationID+"/override", "faculty-token",
		map[string]any{"final_score": score, "breakdown": map[string]float64{"clarity": 75}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown round.
	rec = do(t, mux, http.MethodPost, "/api/rounds/no-such/evaluate", "faculty-token",
		map[string]any{"participant_id": participants[0].ID, "rubric_version_id": rubricID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRubricValidation(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := do(t, mux, http.MethodPost, "/api/rubrics", "student-token", map[string]any{
		"name": "x", "weights": map[string]float64{"clarity": 1},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/rubrics", "faculty-token", map[string]any{
		"name": "bad", "weights": map[string]float64{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, mux, http.MethodPost, "/api/rubrics", "faculty-token", map[string]any{
		"name": "bad", "weights": map[string]float64{"clarity": -1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditEndpointThroughMux(t *testing.T) {
	mux, _ := newTestMux(t)
	sess := createSession(t, mux)
	advanceTo(t, mux, sess.ID, moot.PhasePreparing)

	rec := do(t, mux, http.MethodGet, "/api/sessions/"+sess.ID+"/audit", "faculty-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Entries     []map[string]any `json:"entries"`
		Transitions []map[string]any `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Entries)
	assert.Len(t, resp.Transitions, 1)

	rec = do(t, mux, http.MethodGet, "/api/sessions/"+sess.ID+"/audit", "student-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealth(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := do(t, mux, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
