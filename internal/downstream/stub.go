package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
)

// Stub is a deterministic in-process downstream, used by tests and by local
// single-binary runs with no real verification endpoint configured. Function
// fields override individual behaviors; unset fields answer with canned
// success after the configured latency.
type Stub struct {
	Latency time.Duration

	VerifyFn  func(ctx context.Context, subject id.SubjectID, fp id.Fingerprint) (json.RawMessage, error)
	PredictFn func(ctx context.Context, subject id.SubjectID) (time.Time, float64, error)

	mu          sync.Mutex
	members     []Member
	submissions map[string][]id.SubjectID
	polls       map[string]int
	verifyCalls int
}

// NewStub creates a stub with an empty member directory.
func NewStub() *Stub {
	return &Stub{
		submissions: make(map[string][]id.SubjectID),
		polls:       make(map[string]int),
	}
}

// SeedMembers loads the stub directory.
func (s *Stub) SeedMembers(members ...Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members = append(s.members, members...)
}

// VerifyCalls reports how many direct verifications ran. Test helper for
// single-flight assertions.
func (s *Stub) VerifyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verifyCalls
}

func (s *Stub) Verify(ctx context.Context, subject id.SubjectID, fp id.Fingerprint) (json.RawMessage, error) {
	s.mu.Lock()
	s.verifyCalls++
	s.mu.Unlock()

	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.VerifyFn != nil {
		return s.VerifyFn(ctx, subject, fp)
	}
	return json.RawMessage(fmt.Sprintf(`{"subject_id":%q,"eligible":true}`, subject)), nil
}

func (s *Stub) ResolveIDs(ctx context.Context, ids []id.SubjectID) ([]Member, error) {
	members := make([]Member, 0, len(ids))
	for _, subject := range ids {
		members = append(members, Member{SubjectID: subject, Timezone: "UTC"})
	}
	return members, nil
}

func (s *Stub) Query(ctx context.Context, filter domain.MemberFilter, cursor string, limit int) ([]Member, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &start)
	}
	if start >= len(s.members) {
		return nil, "", nil
	}
	end := min(start+limit, len(s.members))
	page := s.members[start:end]
	next := ""
	if end < len(s.members) {
		next = fmt.Sprintf("%d", end)
	}
	return page, next, nil
}

func (s *Stub) Submit(ctx context.Context, subjects []id.SubjectID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	submissionID := fmt.Sprintf("sub-%d", len(s.submissions)+1)
	s.submissions[submissionID] = append([]id.SubjectID(nil), subjects...)
	return submissionID, nil
}

// Poll resolves every subject successfully on the second observation, so
// engine tests exercise at least one not-done poll.
func (s *Stub) Poll(ctx context.Context, submissionID string) (*BatchPoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subjects, ok := s.submissions[submissionID]
	if !ok {
		return nil, NewError("unknown_submission", false, nil)
	}
	s.polls[submissionID]++
	if s.polls[submissionID] < 2 {
		return &BatchPoll{Done: false}, nil
	}

	results := make([]SubjectResult, 0, len(subjects))
	for _, subject := range subjects {
		results = append(results, SubjectResult{
			SubjectID: subject,
			Payload:   json.RawMessage(fmt.Sprintf(`{"subject_id":%q,"eligible":true}`, subject)),
		})
	}
	return &BatchPoll{Done: true, Results: results}, nil
}

func (s *Stub) BestEngagementTime(ctx context.Context, subject id.SubjectID) (time.Time, float64, error) {
	if s.PredictFn != nil {
		return s.PredictFn(ctx, subject)
	}
	return time.Time{}, 0, nil
}

// AllowAll is an Authorizer that permits every principal/subject pair. Local
// runs use it; production wires the real authorization service.
type AllowAll struct{}

func (AllowAll) CanView(ctx context.Context, principal string, subject id.SubjectID) (bool, error) {
	return true, nil
}
