package store

import (
	"fmt"
	"sort"
	"sync"

	"fieldwatch/internal/domain"
)

// Observer sees every committed change while the incident is still locked,
// so observations for one incident arrive in commit order.
type Observer interface {
	IncidentCreated(inc domain.Incident)
	IncidentUpdated(inc domain.Incident)
}

// Store holds the authoritative incident set in memory. Each incident has
// its own lock; mutations of one incident never interleave.
type Store struct {
	Observer Observer

	mu      sync.RWMutex
	records map[string]*record
}

type record struct {
	mu  sync.Mutex
	inc domain.Incident
}

func New(obs Observer) *Store {
	return &Store{Observer: obs, records: map[string]*record{}}
}

// Insert adds a new incident. Inserting an existing id fails.
func (s *Store) Insert(inc domain.Incident) error {
	if inc.ID == "" {
		return domain.ValidationError{Field: "id", Reason: "incident id is required"}
	}
	rec := &record{inc: inc.Clone()}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.records[inc.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("incident %s already exists: %w", inc.ID, domain.ErrConflict)
	}
	s.records[inc.ID] = rec
	s.mu.Unlock()

	if s.Observer != nil {
		s.Observer.IncidentCreated(rec.inc.Clone())
	}
	return nil
}

func (s *Store) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.NotFound("incident", id)
	}
	return rec, nil
}

// Get returns a copy of one incident.
func (s *Store) Get(id string) (domain.Incident, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return domain.Incident{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.inc.Clone(), nil
}

// Mutate applies fn to a working copy under the incident's lock. If fn
// fails nothing is committed; otherwise the copy replaces the stored
// incident and the observer is told before the lock is released.
func (s *Store) Mutate(id string, fn func(inc *domain.Incident) error) (domain.Incident, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return domain.Incident{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	work := rec.inc.Clone()
	if err := fn(&work); err != nil {
		return domain.Incident{}, err
	}
	work.ID = rec.inc.ID
	rec.inc = work
	if s.Observer != nil {
		s.Observer.IncidentUpdated(work.Clone())
	}
	return work.Clone(), nil
}

// List returns copies of the incidents accepted by keep (all when nil),
// newest first.
func (s *Store) List(keep func(domain.Incident) bool) []domain.Incident {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	res := make([]domain.Incident, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		inc := rec.inc.Clone()
		rec.mu.Unlock()
		if keep == nil || keep(inc) {
			res = append(res, inc)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Timestamp.Equal(res[j].Timestamp) {
			return res[i].ID < res[j].ID
		}
		return res[i].Timestamp.After(res[j].Timestamp)
	})
	return res
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
