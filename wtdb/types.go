package wtdb

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// UUID identifies an appointment and, after a match, the tracker derived
// from it. It is assigned by the Watcher on intake and never chosen by the
// client, mirroring the collision-avoidance rationale in the original
// watchtower design: two clients may legitimately submit the same locator.
type UUID [16]byte

// String renders the UUID as a lowercase hex string.
func (u UUID) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON implements json.Marshaler.
func (u UUID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UUID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid uuid %q: %v", s, err)
	}
	if len(b) != len(u) {
		return fmt.Errorf("invalid uuid length %q", s)
	}
	copy(u[:], b)

	return nil
}

// Locator is the 16-byte blind index derived from a dispute txid:
// first16(SHA-256(dispute_txid)).
type Locator [16]byte

// String renders the locator as a lowercase hex string, the wire format
// described in spec section 6.
func (l Locator) String() string {
	return hex.EncodeToString(l[:])
}

// MarshalJSON implements json.Marshaler.
func (l Locator) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *Locator) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid locator %q: %v", s, err)
	}
	if len(b) != len(l) {
		return fmt.Errorf("invalid locator length %q", s)
	}
	copy(l[:], b)

	return nil
}

// LocatorForTxid computes the blind index for a dispute transaction, the
// first 16 bytes of SHA-256(txid). txid is taken in its natural byte order
// (chainhash.Hash's internal, not the reversed display order).
func LocatorForTxid(txid chainhash.Hash) Locator {
	digest := chainhash.HashB(txid[:])

	var loc Locator
	copy(loc[:], digest[:len(loc)])

	return loc
}

// Appointment is the Watcher's record of a client's request to be protected
// against a specific dispute transaction. See spec section 3.
type Appointment struct {
	UUID UUID `json:"uuid"`

	// Locator is the blind index derived from the dispute txid.
	Locator Locator `json:"locator"`

	// EncryptedBlob is the AES-256-GCM ciphertext of the justice
	// transaction, keyed by the dispute txid (spec section 6).
	EncryptedBlob []byte `json:"encrypted_blob"`

	StartBlock  uint32 `json:"start_block"`
	EndBlock    uint32 `json:"end_block"`
	ToSelfDelay uint32 `json:"to_self_delay"`

	// UserSignature and UserPubKey bind this appointment to its payer.
	// The core never inspects their contents; they are opaque bytes
	// produced and verified by the intake layer (out of scope, spec
	// section 1).
	UserSignature []byte `json:"user_signature"`
	UserPubKey    []byte `json:"user_pubkey"`

	// Triggered is set once the Watcher has matched this appointment and
	// handed it to the Responder. A triggered appointment is retained
	// under the W prefix until the Responder retires the corresponding
	// tracker (spec section 4.3 step 6).
	Triggered bool `json:"triggered"`
}

// Clone returns a deep copy of the appointment.
func (a *Appointment) Clone() *Appointment {
	cp := *a
	cp.EncryptedBlob = append([]byte(nil), a.EncryptedBlob...)
	cp.UserSignature = append([]byte(nil), a.UserSignature...)
	cp.UserPubKey = append([]byte(nil), a.UserPubKey...)

	return &cp
}

// Tracker is the Responder's record of a justice transaction being driven
// to its final confirmation. See spec section 3.
type Tracker struct {
	UUID UUID `json:"uuid"`

	DisputeTxid  chainhash.Hash `json:"dispute_txid"`
	JusticeTxid  chainhash.Hash `json:"justice_txid"`
	JusticeRawTx []byte         `json:"justice_rawtx"`

	// EndBlock is the deadline inherited from the originating
	// appointment.
	EndBlock uint32 `json:"end_block"`

	Confirmations       uint32 `json:"confirmations"`
	MissedConfirmations uint32 `json:"missed_confirmations"`
	RetryCounter        uint32 `json:"retry_counter"`
}

// Locator derives the blind index of the tracker's dispute transaction.
// It is recomputed rather than stored, avoiding the duplicated-field
// FIXME present in the original Python Job type (see SPEC_FULL.md).
func (t *Tracker) Locator() Locator {
	return LocatorForTxid(t.DisputeTxid)
}

// Clone returns a deep copy of the tracker.
func (t *Tracker) Clone() *Tracker {
	cp := *t
	cp.JusticeRawTx = append([]byte(nil), t.JusticeRawTx...)

	return &cp
}

// IsComplete reports whether the tracker has met the retirement predicate
// of spec section 4.4 step 5: height >= end_block and confirmations >=
// minConfirmations.
func (t *Tracker) IsComplete(height uint32, minConfirmations uint32) bool {
	return height >= t.EndBlock && t.Confirmations >= minConfirmations
}
