// Package towerid holds the tower's long-term identity key and produces
// the appointment-acknowledgement signature described in spec section 6:
// the tower signs the canonical form `locator ‖ encrypted_blob ‖
// be_u32(to_self_delay)` with its secp256k1 key and returns the signature
// to the client as proof the appointment was accepted. Grounded on the
// teacher's own secp256k1 signing idiom (docs/go-fuzz/zpay32's
// btcec.PrivKeyFromBytes/SignCompact harness) and on the pack's gossip
// signature-verification code (discovery/validation.go's
// double-SHA256-then-Sign pattern).
package towerid

import (
	"encoding/binary"
	"encoding/hex"
	"io/ioutil"
	"os"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lightningnetwork/watchtower/wtdb"
)

// KeyPair is the tower's long-term secp256k1 identity.
type KeyPair struct {
	priv *btcec.PrivateKey
}

// Generate creates a fresh random identity.
func Generate() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, err
	}

	return &KeyPair{priv: priv}, nil
}

// LoadOrGenerate reads the identity key from path, creating and
// persisting a fresh one if the file does not yet exist. This makes the
// tower's public key stable across restarts, which clients rely on to
// recognise the tower they registered with.
func LoadOrGenerate(path string) (*KeyPair, error) {
	raw, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		kp, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := ioutil.WriteFile(path, kp.priv.Serialize(), 0600); err != nil {
			return nil, err
		}

		log.Infof("towerid: generated new identity key at %v, pubkey=%v",
			path, hex.EncodeToString(kp.PubKey().SerializeCompressed()))

		return kp, nil
	}
	if err != nil {
		return nil, err
	}

	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), raw)

	kp := &KeyPair{priv: priv}

	log.Infof("towerid: loaded identity key from %v, pubkey=%v",
		path, hex.EncodeToString(kp.PubKey().SerializeCompressed()))

	return kp, nil
}

// PubKey returns the tower's public identity key.
func (kp *KeyPair) PubKey() *btcec.PublicKey {
	return kp.priv.PubKey()
}

// canonicalForm builds the byte string the tower signs as acknowledgement
// of a registered appointment (spec section 6).
func canonicalForm(locator wtdb.Locator, encryptedBlob []byte, toSelfDelay uint32) []byte {
	buf := make([]byte, 0, len(locator)+len(encryptedBlob)+4)
	buf = append(buf, locator[:]...)
	buf = append(buf, encryptedBlob...)

	var delayBytes [4]byte
	binary.BigEndian.PutUint32(delayBytes[:], toSelfDelay)
	buf = append(buf, delayBytes[:]...)

	return buf
}

// SignAppointment signs the canonical form of an accepted appointment and
// returns a DER-encoded signature acknowledging intake.
func (kp *KeyPair) SignAppointment(locator wtdb.Locator, encryptedBlob []byte, toSelfDelay uint32) ([]byte, error) {
	digest := chainhash.DoubleHashB(canonicalForm(locator, encryptedBlob, toSelfDelay))

	sig, err := kp.priv.Sign(digest)
	if err != nil {
		return nil, err
	}

	return sig.Serialize(), nil
}
