package wtdb

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MemStore is an in-memory Store used by tests, playing the same role as
// the teacher's "+build debug" test doubles (chainntnfs/interface_debug.go):
// a faithful implementation of the interface without a disk-backed engine.
type MemStore struct {
	mu sync.Mutex

	appointments map[UUID]*Appointment
	trackers     map[UUID]*Tracker
	locatorIndex map[Locator][]UUID

	lastBlockWatcher  chainhash.Hash
	lastBlockResponder chainhash.Hash
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		appointments: make(map[UUID]*Appointment),
		trackers:     make(map[UUID]*Tracker),
		locatorIndex: make(map[Locator][]UUID),
	}
}

// PutAppointment implements Store.
func (s *MemStore) PutAppointment(appt *Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appointments[appt.UUID] = appt.Clone()

	uuids := s.locatorIndex[appt.Locator]
	for _, u := range uuids {
		if u == appt.UUID {
			return nil
		}
	}
	s.locatorIndex[appt.Locator] = append(uuids, appt.UUID)

	return nil
}

// GetAppointment implements Store.
func (s *MemStore) GetAppointment(uuid UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[uuid]
	if !ok {
		return nil, ErrNotFound
	}

	return appt.Clone(), nil
}

// DeleteAppointment implements Store.
func (s *MemStore) DeleteAppointment(uuid UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[uuid]
	if !ok {
		return nil
	}
	delete(s.appointments, uuid)

	uuids := s.locatorIndex[appt.Locator]
	filtered := uuids[:0]
	for _, u := range uuids {
		if u != uuid {
			filtered = append(filtered, u)
		}
	}
	if len(filtered) == 0 {
		delete(s.locatorIndex, appt.Locator)
	} else {
		s.locatorIndex[appt.Locator] = filtered
	}

	return nil
}

// ListAppointments implements Store.
func (s *MemStore) ListAppointments(includeTriggered bool) (map[UUID]*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[UUID]*Appointment)
	for uuid, appt := range s.appointments {
		if !includeTriggered && appt.Triggered {
			continue
		}
		out[uuid] = appt.Clone()
	}

	return out, nil
}

// ListLocatorIndex implements Store.
func (s *MemStore) ListLocatorIndex() (map[Locator][]UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[Locator][]UUID, len(s.locatorIndex))
	for loc, uuids := range s.locatorIndex {
		out[loc] = append([]UUID(nil), uuids...)
	}

	return out, nil
}

// PutTracker implements Store.
func (s *MemStore) PutTracker(t *Tracker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trackers[t.UUID] = t.Clone()

	return nil
}

// GetTracker implements Store.
func (s *MemStore) GetTracker(uuid UUID) (*Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trackers[uuid]
	if !ok {
		return nil, ErrNotFound
	}

	return t.Clone(), nil
}

// DeleteTracker implements Store.
func (s *MemStore) DeleteTracker(uuid UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.trackers, uuid)

	return nil
}

// ListTrackers implements Store.
func (s *MemStore) ListTrackers() (map[UUID]*Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[UUID]*Tracker, len(s.trackers))
	for uuid, t := range s.trackers {
		out[uuid] = t.Clone()
	}

	return out, nil
}

// SetLastBlockWatcher implements Store.
func (s *MemStore) SetLastBlockWatcher(hash chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastBlockWatcher = hash

	return nil
}

// LastBlockWatcher implements Store.
func (s *MemStore) LastBlockWatcher() (chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastBlockWatcher, nil
}

// SetLastBlockResponder implements Store.
func (s *MemStore) SetLastBlockResponder(hash chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastBlockResponder = hash

	return nil
}

// LastBlockResponder implements Store.
func (s *MemStore) LastBlockResponder() (chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastBlockResponder, nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	return nil
}
