package gateway

import (
	"encoding/json"
	"time"
)

// Message kinds carried over the realtime channel. Inbound kinds come from
// clients; the server mirrors them to the session room. Outbound-only kinds
// originate in the engines or the gateway itself.
const (
	KindTimerStart       = "timer_start"
	KindTimerPause       = "timer_pause"
	KindTimerResume      = "timer_resume"
	KindTimerReset       = "timer_reset"
	KindObjectionRaised  = "objection_raised"
	KindObjectionRuled   = "objection_ruled"
	KindTranscriptUpdate = "transcript_update"
	KindScoreUpdate      = "score_update"
	KindSpeakerChange    = "speaker_change"
	KindRoundComplete    = "round_complete"
	KindPing             = "ping"

	KindPong                 = "pong"
	KindError                = "error"
	KindPresence             = "presence"
	KindStateTransition      = "state_transition"
	KindParticipantJoined    = "participant_joined"
	KindEvaluationCompleted  = "evaluation_completed"
	KindEvaluationOverridden = "evaluation_overridden"
)

// access says who may send an inbound kind.
type access int

const (
	accessAnyone access = iota
	accessParticipant
	accessFaculty
)

// inboundKinds is the authorization table for client messages. A kind absent
// from the table is rejected outright.
var inboundKinds = map[string]access{
	KindTimerStart:       accessFaculty,
	KindTimerPause:       accessFaculty,
	KindTimerResume:      accessFaculty,
	KindTimerReset:       accessFaculty,
	KindObjectionRuled:   accessFaculty,
	KindScoreUpdate:      accessFaculty,
	KindSpeakerChange:    accessFaculty,
	KindRoundComplete:    accessFaculty,
	KindObjectionRaised:  accessParticipant,
	KindTranscriptUpdate: accessParticipant,
	KindPing:             accessAnyone,
}

// Envelope is the JSON frame for every realtime message in both directions.
type Envelope struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	TsMs      int64           `json:"ts_ms,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(sessionID, senderID, kind string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{
		Kind:      kind,
		SessionID: sessionID,
		SenderID:  senderID,
		TsMs:      time.Now().UnixMilli(),
		Payload:   raw,
	})
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type presencePayload struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Online bool   `json:"online"`
	Count  int    `json:"count"`
}
