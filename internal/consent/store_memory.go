package consent

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used by the memory adapter and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Consent
	order map[string]int64
	seq   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]*Consent{}, order: map[string]int64{}}
}

func (s *MemoryStore) CreateConsent(_ context.Context, c *Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Status == StatusActive && c.IdempotencyKey != "" {
		for _, existing := range s.byID {
			if existing.IdempotencyKey == c.IdempotencyKey && existing.Status == StatusActive {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	s.seq++
	s.byID[c.ID] = c.Clone()
	s.order[c.ID] = s.seq
	return nil
}

func (s *MemoryStore) GetConsent(_ context.Context, id string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) FindConsentByIdempotencyKey(_ context.Context, key string) (*Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.match(Filter{IdempotencyKey: key})
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0].Clone(), nil
}

func (s *MemoryStore) UpdateConsentIf(_ context.Context, id string, expect Precondition, m Mutation) (*Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok || c.Status != expect.Status || c.Epoch != expect.Epoch {
		return nil, nil
	}
	if m.Status == StatusActive && c.Status != StatusActive && c.IdempotencyKey != "" {
		for otherID, other := range s.byID {
			if otherID != id && other.IdempotencyKey == c.IdempotencyKey && other.Status == StatusActive {
				return nil, ErrDuplicateIdempotencyKey
			}
		}
	}
	c.Status = m.Status
	c.Epoch = m.Epoch
	if m.RevokedAt != nil {
		t := *m.RevokedAt
		c.RevokedAt = &t
	}
	if m.Signature != "" {
		c.Signature = m.Signature
	}
	c.UpdatedAt = m.UpdatedAt
	return c.Clone(), nil
}

func (s *MemoryStore) ListConsents(_ context.Context, f Filter, page, perPage int) ([]*Consent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := s.match(f)
	total := len(matches)
	start := (page - 1) * perPage
	if start >= total {
		return []*Consent{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	out := make([]*Consent, 0, end-start)
	for _, c := range matches[start:end] {
		out = append(out, c.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) CountConsents(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(f)), nil
}

// match returns the records satisfying f, newest first. Caller holds the lock.
func (s *MemoryStore) match(f Filter) []*Consent {
	search := strings.ToLower(f.Search)
	var out []*Consent
	for _, c := range s.byID {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.PartnerID != "" && c.PartnerID != f.PartnerID {
			continue
		}
		if f.IdempotencyKey != "" && c.IdempotencyKey != f.IdempotencyKey {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, c.Status) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.UserID), search) &&
			!strings.Contains(strings.ToLower(c.PartnerID), search) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.order[out[i].ID] > s.order[out[j].ID]
	})
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
