package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	"eligibility-gateway/pkg/platform/circuit"
	"eligibility-gateway/pkg/platform/sentinel"
)

// Client talks HTTP to the real verification service, covering the direct
// path and the batch path. A circuit breaker guards the direct path so a dead
// downstream fails fast instead of burning concurrency slots for the full
// call timeout.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

// NewClient builds a Client. The http.Client's timeout is left to the caller;
// per-call deadlines come from the request context.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		breaker: circuit.New("verifier", circuit.WithFailureThreshold(5), circuit.WithSuccessThreshold(2)),
		logger:  logger,
	}
}

type verifyRequest struct {
	SubjectID   string `json:"subject_id"`
	Fingerprint string `json:"fingerprint"`
}

func (c *Client) Verify(ctx context.Context, subject id.SubjectID, fp id.Fingerprint) (json.RawMessage, error) {
	if c.breaker.IsOpen() {
		return nil, NewError("circuit_open", true, sentinel.ErrUnavailable)
	}

	payload, err := c.post(ctx, "/eligibility/verify", verifyRequest{
		SubjectID:   subject.String(),
		Fingerprint: fp.String(),
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

type batchSubmitRequest struct {
	SubjectIDs []string `json:"subject_ids"`
}

type batchSubmitResponse struct {
	SubmissionID string `json:"submission_id"`
}

func (c *Client) Submit(ctx context.Context, subjects []id.SubjectID) (string, error) {
	ids := make([]string, 0, len(subjects))
	for _, s := range subjects {
		ids = append(ids, s.String())
	}
	payload, err := c.post(ctx, "/eligibility/batch", batchSubmitRequest{SubjectIDs: ids})
	if err != nil {
		return "", err
	}
	var resp batchSubmitResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", NewError("malformed_response", true, err)
	}
	return resp.SubmissionID, nil
}

type batchPollResponse struct {
	Done    bool `json:"done"`
	Results []struct {
		SubjectID   string          `json:"subject_id"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		FailureCode string          `json:"failure_code,omitempty"`
		Retryable   bool            `json:"retryable,omitempty"`
	} `json:"results,omitempty"`
}

func (c *Client) Poll(ctx context.Context, submissionID string) (*BatchPoll, error) {
	payload, err := c.get(ctx, "/eligibility/batch/"+submissionID)
	if err != nil {
		return nil, err
	}
	var resp batchPollResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, NewError("malformed_response", true, err)
	}
	poll := &BatchPoll{Done: resp.Done}
	for _, r := range resp.Results {
		poll.Results = append(poll.Results, SubjectResult{
			SubjectID:   id.SubjectID(r.SubjectID),
			Payload:     r.Payload,
			FailureCode: r.FailureCode,
			Retryable:   r.Retryable,
		})
	}
	return poll, nil
}

type memberRecord struct {
	SubjectID string `json:"subject_id"`
	Timezone  string `json:"timezone,omitempty"`
}

func (r memberRecord) toMember() Member {
	return Member{SubjectID: id.SubjectID(r.SubjectID), Timezone: r.Timezone}
}

type resolveRequest struct {
	SubjectIDs []string `json:"subject_ids"`
}

type resolveResponse struct {
	Members []memberRecord `json:"members"`
}

func (c *Client) ResolveIDs(ctx context.Context, ids []id.SubjectID) ([]Member, error) {
	raw := make([]string, 0, len(ids))
	for _, s := range ids {
		raw = append(raw, s.String())
	}
	payload, err := c.post(ctx, "/members/resolve", resolveRequest{SubjectIDs: raw})
	if err != nil {
		return nil, err
	}
	var resp resolveResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, NewError("malformed_response", true, err)
	}
	members := make([]Member, 0, len(resp.Members))
	for _, m := range resp.Members {
		members = append(members, m.toMember())
	}
	return members, nil
}

type queryRequest struct {
	Filter domain.MemberFilter `json:"filter"`
	Cursor string              `json:"cursor,omitempty"`
	Limit  int                 `json:"limit"`
}

type queryResponse struct {
	Members []memberRecord `json:"members"`
	Next    string         `json:"next_cursor,omitempty"`
}

func (c *Client) Query(ctx context.Context, filter domain.MemberFilter, cursor string, limit int) ([]Member, string, error) {
	payload, err := c.post(ctx, "/members/query", queryRequest{Filter: filter, Cursor: cursor, Limit: limit})
	if err != nil {
		return nil, "", err
	}
	var resp queryResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, "", NewError("malformed_response", true, err)
	}
	members := make([]Member, 0, len(resp.Members))
	for _, m := range resp.Members {
		members = append(members, m.toMember())
	}
	return members, resp.Next, nil
}

type engagementResponse struct {
	At         time.Time `json:"at"`
	Confidence float64   `json:"confidence"`
}

func (c *Client) BestEngagementTime(ctx context.Context, subject id.SubjectID) (time.Time, float64, error) {
	payload, err := c.get(ctx, "/members/"+subject.String()+"/engagement")
	if err != nil {
		return time.Time{}, 0, err
	}
	var resp engagementResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return time.Time{}, 0, NewError("malformed_response", true, err)
	}
	return resp.At, resp.Confidence, nil
}

type authzRequest struct {
	Principal string `json:"principal"`
	SubjectID string `json:"subject_id"`
}

type authzResponse struct {
	Allowed bool `json:"allowed"`
}

func (c *Client) CanView(ctx context.Context, principal string, subject id.SubjectID) (bool, error) {
	payload, err := c.post(ctx, "/authz/view", authzRequest{Principal: principal, SubjectID: subject.String()})
	if err != nil {
		return false, err
	}
	var resp authzResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return false, NewError("malformed_response", true, err)
	}
	return resp.Allowed, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, NewError("encode_request", false, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, NewError("build_request", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, NewError("build_request", false, err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		// Context cancellation/deadline is the caller's timeout policy, not a
		// downstream health signal; it must not trip the breaker.
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.logger.Warn("verifier circuit opened", "url", c.baseURL)
		}
		return nil, NewError("transport_error", true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.logger.Warn("verifier circuit opened", "url", c.baseURL)
		}
		return nil, NewError("truncated_response", true, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if _, change := c.breaker.RecordSuccess(); change.Closed {
			c.logger.Info("verifier circuit closed", "url", c.baseURL)
		}
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The service answered; a rejection is not a health problem.
		c.breaker.RecordSuccess()
		return nil, NewError(fmt.Sprintf("rejected_%d", resp.StatusCode), false, nil)
	default:
		if _, change := c.breaker.RecordFailure(); change.Opened {
			c.logger.Warn("verifier circuit opened", "url", c.baseURL, "status", resp.StatusCode)
		}
		return nil, NewError(fmt.Sprintf("upstream_%d", resp.StatusCode), true, nil)
	}
}
