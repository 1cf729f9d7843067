package wtdb

import (
	"bytes"
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/coreos/bbolt"
)

// BoltStore is the bbolt-backed Store implementation. It keeps every record
// described in spec section 4.5 in a single bucket, keyed exactly as the
// spec's wire layout specifies, so that a dump of the bucket is a literal
// rendering of the spec's key space.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if necessary) a bolt database at path and
// ensures the root bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("wtdb: opened bolt store at %v", path)

	return &BoltStore{db: db}, nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) bucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(rootBucket)
}

// PutAppointment implements Store.
func (s *BoltStore) PutAppointment(appt *Appointment) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := s.bucket(tx)

		raw, err := json.Marshal(appt)
		if err != nil {
			return err
		}
		if err := b.Put(appointmentKey(appt.UUID), raw); err != nil {
			return err
		}

		return addToLocatorIndex(b, appt.Locator, appt.UUID)
	})
}

// GetAppointment implements Store.
func (s *BoltStore) GetAppointment(uuid UUID) (*Appointment, error) {
	var appt Appointment

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := s.bucket(tx).Get(appointmentKey(uuid))
		if raw == nil {
			return ErrNotFound
		}

		return json.Unmarshal(raw, &appt)
	})
	if err != nil {
		return nil, err
	}

	return &appt, nil
}

// DeleteAppointment implements Store.
func (s *BoltStore) DeleteAppointment(uuid UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := s.bucket(tx)

		key := appointmentKey(uuid)
		raw := b.Get(key)
		if raw == nil {
			return nil
		}

		var appt Appointment
		if err := json.Unmarshal(raw, &appt); err != nil {
			return err
		}

		if err := b.Delete(key); err != nil {
			return err
		}

		return removeFromLocatorIndex(b, appt.Locator, uuid)
	})
}

// ListAppointments implements Store.
func (s *BoltStore) ListAppointments(includeTriggered bool) (map[UUID]*Appointment, error) {
	out := make(map[UUID]*Appointment)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := s.bucket(tx).Cursor()

		for k, v := c.Seek(prefixAppointment); k != nil && bytes.HasPrefix(k, prefixAppointment); k, v = c.Next() {
			uuid, ok := uuidFromAppointmentKey(k)
			if !ok {
				continue
			}

			var appt Appointment
			if err := json.Unmarshal(v, &appt); err != nil {
				return err
			}

			if !includeTriggered && appt.Triggered {
				continue
			}

			out[uuid] = &appt
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ListLocatorIndex implements Store.
func (s *BoltStore) ListLocatorIndex() (map[Locator][]UUID, error) {
	out := make(map[Locator][]UUID)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := s.bucket(tx).Cursor()

		for k, v := c.Seek(prefixLocatorIndex); k != nil && bytes.HasPrefix(k, prefixLocatorIndex); k, v = c.Next() {
			var loc Locator
			rest := k[len(prefixLocatorIndex):]
			if len(rest) != len(loc) {
				continue
			}
			copy(loc[:], rest)

			var uuids []UUID
			if err := json.Unmarshal(v, &uuids); err != nil {
				return err
			}

			out[loc] = uuids
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// PutTracker implements Store.
func (s *BoltStore) PutTracker(t *Tracker) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}

		return s.bucket(tx).Put(trackerKey(t.UUID), raw)
	})
}

// GetTracker implements Store.
func (s *BoltStore) GetTracker(uuid UUID) (*Tracker, error) {
	var t Tracker

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := s.bucket(tx).Get(trackerKey(uuid))
		if raw == nil {
			return ErrNotFound
		}

		return json.Unmarshal(raw, &t)
	})
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// DeleteTracker implements Store.
func (s *BoltStore) DeleteTracker(uuid UUID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx).Delete(trackerKey(uuid))
	})
}

// ListTrackers implements Store.
func (s *BoltStore) ListTrackers() (map[UUID]*Tracker, error) {
	out := make(map[UUID]*Tracker)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := s.bucket(tx).Cursor()

		for k, v := c.Seek(prefixTracker); k != nil && bytes.HasPrefix(k, prefixTracker); k, v = c.Next() {
			uuid, ok := uuidFromTrackerKey(k)
			if !ok {
				continue
			}

			var t Tracker
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			out[uuid] = &t
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// SetLastBlockWatcher implements Store.
func (s *BoltStore) SetLastBlockWatcher(hash chainhash.Hash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx).Put(keyLastBlockWatcher, hash[:])
	})
}

// LastBlockWatcher implements Store.
func (s *BoltStore) LastBlockWatcher() (chainhash.Hash, error) {
	return s.lastBlock(keyLastBlockWatcher)
}

// SetLastBlockResponder implements Store.
func (s *BoltStore) SetLastBlockResponder(hash chainhash.Hash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return s.bucket(tx).Put(keyLastBlockResponder, hash[:])
	})
}

// LastBlockResponder implements Store.
func (s *BoltStore) LastBlockResponder() (chainhash.Hash, error) {
	return s.lastBlock(keyLastBlockResponder)
}

func (s *BoltStore) lastBlock(key []byte) (chainhash.Hash, error) {
	var hash chainhash.Hash

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := s.bucket(tx).Get(key)
		if raw == nil {
			return nil
		}
		if len(raw) != len(hash) {
			return nil
		}
		copy(hash[:], raw)

		return nil
	})

	return hash, err
}

func addToLocatorIndex(b *bbolt.Bucket, loc Locator, uuid UUID) error {
	key := locatorIndexKey(loc)

	uuids, err := readLocatorIndexEntry(b, key)
	if err != nil {
		return err
	}

	for _, existing := range uuids {
		if existing == uuid {
			return nil
		}
	}
	uuids = append(uuids, uuid)

	raw, err := json.Marshal(uuids)
	if err != nil {
		return err
	}

	return b.Put(key, raw)
}

func removeFromLocatorIndex(b *bbolt.Bucket, loc Locator, uuid UUID) error {
	key := locatorIndexKey(loc)

	uuids, err := readLocatorIndexEntry(b, key)
	if err != nil {
		return err
	}

	filtered := uuids[:0]
	for _, existing := range uuids {
		if existing != uuid {
			filtered = append(filtered, existing)
		}
	}

	if len(filtered) == 0 {
		return b.Delete(key)
	}

	raw, err := json.Marshal(filtered)
	if err != nil {
		return err
	}

	return b.Put(key, raw)
}

func readLocatorIndexEntry(b *bbolt.Bucket, key []byte) ([]UUID, error) {
	raw := b.Get(key)
	if raw == nil {
		return nil, nil
	}

	var uuids []UUID
	if err := json.Unmarshal(raw, &uuids); err != nil {
		return nil, err
	}

	return uuids, nil
}
