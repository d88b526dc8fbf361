// Package oracle calls the external scoring model that grades an oral
// argument against a rubric. The call is slow and unreliable; callers own
// retries and must never hold a database transaction across it.
package oracle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"mootlab/moot"
)

const (
	defaultTimeout = 30 * time.Second

	scorePath = "/v1/score"
)

// Request describes one participant's argument to be graded. Criteria lists
// the rubric criterion names the model must score, in any order.
type Request struct {
	RoundID       string   `json:"round_id"`
	ParticipantID string   `json:"participant_id"`
	Side          string   `json:"side"`
	RubricID      string   `json:"rubric_id"`
	Criteria      []string `json:"criteria"`
}

// Response is the model's verdict. SubScores must carry exactly the
// requested criteria; the caller validates that before trusting it.
type Response struct {
	SubScores    map[string]float64 `json:"sub_scores"`
	ModelVersion string             `json:"model_version"`
	Commentary   string             `json:"commentary,omitempty"`
}

// TransportError marks a failure to reach the model or to get any usable
// body back. These are the retryable failures.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "oracle transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError marks a reply that arrived but does not match the contract,
// for example missing criteria or scores outside [0, 100]. Retrying does
// not help; a human has to look at it.
type SchemaError struct {
	Detail string
	Raw    string
}

func (e *SchemaError) Error() string { return "oracle schema: " + e.Detail }

// Scorer grades a single argument. Implementations must be safe for
// concurrent use.
type Scorer interface {
	Score(ctx context.Context, req Request) (Response, string, error)
}

// HTTPScorer talks to the scoring service over JSON HTTP.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPScorer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Score posts the request and validates the reply against the requested
// criteria. The second return value is the raw response body, kept for the
// attempt log even when parsing fails.
func (s *HTTPScorer) Score(ctx context.Context, req Request) (Response, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, "", &TransportError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+scorePath, bytes.NewReader(body))
	if err != nil {
		return Response{}, "", &TransportError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Response{}, "", &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, "", &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return Response{}, string(raw), &TransportError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, string(raw), &SchemaError{Detail: "malformed JSON: " + err.Error(), Raw: string(raw)}
	}
	if err := Validate(out, req.Criteria); err != nil {
		return Response{}, string(raw), err
	}
	return out, string(raw), nil
}

// Validate checks a response against the criteria it was asked to score.
func Validate(resp Response, criteria []string) error {
	if len(resp.SubScores) == 0 {
		return &SchemaError{Detail: "no sub_scores"}
	}
	for _, c := range criteria {
		score, ok := resp.SubScores[c]
		if !ok {
			return &SchemaError{Detail: fmt.Sprintf("missing criterion %q", c)}
		}
		if score < 0 || score > 100 {
			return &SchemaError{Detail: fmt.Sprintf("criterion %q score %v out of range", c, score)}
		}
	}
	for c := range resp.SubScores {
		if !containsCriterion(criteria, c) {
			return &SchemaError{Detail: fmt.Sprintf("unexpected criterion %q", c)}
		}
	}
	return nil
}

func containsCriterion(criteria []string, name string) bool {
	for _, c := range criteria {
		if c == name {
			return true
		}
	}
	return false
}

// RequestHash is a stable fingerprint of a request. Criteria order does not
// change the hash, so repeated attempts for the same evaluation always
// record the same value.
func RequestHash(req Request) string {
	clone := req
	clone.Criteria = append([]string(nil), req.Criteria...)
	sort.Strings(clone.Criteria)
	body, _ := json.Marshal(clone)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CriteriaOf lists the criterion names of a rubric in sorted order.
func CriteriaOf(weights moot.RubricWeights) []string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
