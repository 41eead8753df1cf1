package assessment

import (
	"context"
	"sort"

	"github.com/warp/assessment-engine/generic"
)

// SourceReader is the read-only capability every registry adapter provides.
// Adapters own their registry's billable predicate and return only violations
// with at least one billable assignment. Any failure to reach or decode the
// registry is reported as a *generic.SourceUnavailableError.
type SourceReader interface {
	Registry() Registry
	FetchBillable(ctx context.Context, period generic.Period) ([]SourceViolation, error)
	// Details resolves display context for the given local ids. Missing ids
	// are simply absent from the map.
	Details(ctx context.Context, localIDs []string) (map[string]ViolationDetail, error)
}

// ViolationLookup is optionally implemented by readers that can fetch one
// violation by id. Manual creation uses it to check the referenced violation.
type ViolationLookup interface {
	Violation(ctx context.Context, localID string) (SourceViolation, bool, error)
}

// Sources is the configured set of readers keyed by registry.
type Sources struct {
	readers map[Registry]SourceReader
}

func NewSources(readers ...SourceReader) *Sources {
	s := &Sources{readers: make(map[Registry]SourceReader, len(readers))}
	for _, r := range readers {
		s.readers[r.Registry()] = r
	}
	return s
}

// Reader returns the adapter for a registry.
func (s *Sources) Reader(r Registry) (SourceReader, bool) {
	if s == nil {
		return nil, false
	}
	reader, ok := s.readers[r]
	return reader, ok
}

// Registries lists configured registries in a stable order.
func (s *Sources) Registries() []Registry {
	if s == nil {
		return nil
	}
	out := make([]Registry, 0, len(s.readers))
	for r := range s.readers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Sources) Len() int {
	if s == nil {
		return 0
	}
	return len(s.readers)
}
