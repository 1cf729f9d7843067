package wtdb

import "bytes"

// Key prefixes for the single logical key space described in spec
// section 4.5. A single bolt bucket holds every key below; prefixes are
// used (rather than one bucket per record type) so the on-disk layout
// matches the wire layout the spec specifies byte-for-byte.
var (
	prefixAppointment  = []byte("W")
	prefixTracker      = []byte("R")
	prefixLocatorIndex = []byte("M")

	keyLastBlockWatcher  = []byte("LBW")
	keyLastBlockResponder = []byte("LBR")

	rootBucket = []byte("watchtower")
)

func appointmentKey(uuid UUID) []byte {
	return append(append([]byte{}, prefixAppointment...), uuid[:]...)
}

func trackerKey(uuid UUID) []byte {
	return append(append([]byte{}, prefixTracker...), uuid[:]...)
}

func locatorIndexKey(loc Locator) []byte {
	return append(append([]byte{}, prefixLocatorIndex...), loc[:]...)
}

// uuidFromAppointmentKey strips the W prefix, returning the embedded uuid.
func uuidFromAppointmentKey(key []byte) (UUID, bool) {
	return uuidFromPrefixedKey(key, prefixAppointment)
}

func uuidFromTrackerKey(key []byte) (UUID, bool) {
	return uuidFromPrefixedKey(key, prefixTracker)
}

func uuidFromPrefixedKey(key, prefix []byte) (UUID, bool) {
	var uuid UUID
	if !bytes.HasPrefix(key, prefix) {
		return uuid, false
	}

	rest := key[len(prefix):]
	if len(rest) != len(uuid) {
		return uuid, false
	}
	copy(uuid[:], rest)

	return uuid, true
}
