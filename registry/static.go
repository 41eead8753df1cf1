package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// STATIC READER - In-memory registry (for tests and demos)
// =============================================================================

type Static struct {
	mu         sync.RWMutex
	registry   assessment.Registry
	violations map[string]assessment.SourceViolation
	details    map[string]assessment.ViolationDetail
	err        error
	block      chan struct{}
}

var (
	_ assessment.SourceReader    = (*Static)(nil)
	_ assessment.ViolationLookup = (*Static)(nil)
)

func NewStatic(registry assessment.Registry) *Static {
	return &Static{
		registry:   registry,
		violations: make(map[string]assessment.SourceViolation),
		details:    make(map[string]assessment.ViolationDetail),
	}
}

// Add registers a violation (billable or not) and its display detail.
func (s *Static) Add(v assessment.SourceViolation, d assessment.ViolationDetail) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Registry = s.registry
	s.violations[v.LocalID] = v
	s.details[v.LocalID] = d
	return s
}

// FailWith makes every call fail with err until cleared with nil.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Hang makes FetchBillable block until ctx is done or Release is called.
func (s *Static) Hang() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = make(chan struct{})
}

func (s *Static) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block != nil {
		close(s.block)
		s.block = nil
	}
}

func (s *Static) Registry() assessment.Registry { return s.registry }

func (s *Static) FetchBillable(ctx context.Context, period generic.Period) ([]assessment.SourceViolation, error) {
	s.mu.RLock()
	block, err := s.block, s.err
	s.mu.RUnlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &generic.SourceUnavailableError{Registry: string(s.registry), Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, &generic.SourceUnavailableError{Registry: string(s.registry), Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []assessment.SourceViolation
	for _, v := range s.violations {
		if v.Billable() && period.Contains(v.ViolationDate) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ViolationDate.Equal(out[j].ViolationDate) {
			return out[i].ViolationDate.Before(out[j].ViolationDate)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

func (s *Static) Violation(_ context.Context, localID string) (assessment.SourceViolation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return assessment.SourceViolation{}, false, &generic.SourceUnavailableError{Registry: string(s.registry), Err: s.err}
	}
	v, ok := s.violations[localID]
	return v, ok, nil
}

func (s *Static) Details(_ context.Context, localIDs []string) (map[string]assessment.ViolationDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, &generic.SourceUnavailableError{Registry: string(s.registry), Err: s.err}
	}
	out := make(map[string]assessment.ViolationDetail, len(localIDs))
	for _, id := range localIDs {
		if d, ok := s.details[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}
