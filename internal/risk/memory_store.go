package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]*Record // userID → records in insertion order
	all    []*Record
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser: make(map[string][]*Record),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	s.byUser[rec.UserID] = append(s.byUser[rec.UserID], &r)
	s.all = append(s.all, &r)
	return nil
}

func (s *MemoryStore) CountSince(ctx context.Context, q WindowQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.byUser[q.UserID] {
		if r.TimestampMs >= q.SinceMs {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TotalAndDistinctDays(ctx context.Context, userID string) (HistoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.byUser[userID]
	days := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		days[r.EventTime.UTC().Format("2006-01-02")] = struct{}{}
	}
	return HistoryStats{Total: len(recs), DistinctDays: len(days)}, nil
}

func (s *MemoryStore) Frequency(ctx context.Context, q FrequencyQuery) (float64, error) {
	if !q.Field.Valid() {
		return 0, fmt.Errorf("unknown frequency field %q", q.Field)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.byUser[q.UserID]
	if len(recs) == 0 {
		return 0, nil
	}
	match := 0
	for _, r := range recs {
		if fieldValue(r, q.Field) == q.Value {
			match++
		}
	}
	return float64(match) / float64(len(recs)), nil
}

func (s *MemoryStore) LastRecord(ctx context.Context, userID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *Record
	for _, r := range s.byUser[userID] {
		// Later insertions win ties on receipt time.
		if last == nil || r.TimestampMs >= last.TimestampMs {
			last = r
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (s *MemoryStore) CountLowRisk(ctx context.Context, q LowRiskQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.byUser[q.UserID] {
		if r.RiskScore <= q.MaxRisk {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Recent(ctx context.Context, q RecentQuery) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := make([]int, len(s.all))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := s.all[idx[a]], s.all[idx[b]]
		if ra.TimestampMs != rb.TimestampMs {
			return ra.TimestampMs > rb.TimestampMs
		}
		return idx[a] > idx[b]
	})

	limit := q.Limit
	if limit <= 0 || limit > len(idx) {
		limit = len(idx)
	}
	result := make([]*Record, 0, limit)
	for _, i := range idx[:limit] {
		cp := *s.all[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func fieldValue(r *Record, f Field) string {
	switch f {
	case FieldCity:
		return r.City
	case FieldDevice:
		return r.Device
	case FieldService:
		return r.Service
	}
	return ""
}
