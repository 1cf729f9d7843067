// Package blob implements the encryption scheme that hides a justice
// transaction from the tower until the matching dispute confirms. The
// package name and split from the watcher/responder packages mirrors the
// shape of lnd's own watchtower blob package.
package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrDecryptFailed is returned when a ciphertext fails GCM tag
// verification under the supplied key. Per spec section 7.2, this is a
// coincidental locator collision or a forgery attempt, never reported as
// an operator-visible error.
var ErrDecryptFailed = errors.New("blob: decryption failed")

// nonceSize is the standard GCM nonce size used throughout.
const nonceSize = 12

// keyFromTxid derives the AES-256-GCM key from a dispute txid, per spec
// section 6: key = SHA-256(dispute_txid_bytes).
func keyFromTxid(txid chainhash.Hash) [32]byte {
	return sha256.Sum256(txid[:])
}

// nonceFromTxid derives a deterministic nonce from the dispute txid. The
// nonce need only be unique per key; since the key itself is derived from
// the dispute txid and a given appointment is only ever decrypted against
// the one dispute txid that matched its locator, a fixed derivation is
// safe from nonce reuse (spec section 6 allows "fixed-or-derived").
func nonceFromTxid(txid chainhash.Hash) [nonceSize]byte {
	digest := chainhash.HashB(txid[:])

	var nonce [nonceSize]byte
	copy(nonce[:], digest[:nonceSize])

	return nonce
}

// Encrypt seals plaintext (the serialized justice transaction) under the
// key derived from disputeTxid, returning ciphertext with the GCM
// authentication tag appended.
func Encrypt(disputeTxid chainhash.Hash, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(disputeTxid)
	if err != nil {
		return nil, err
	}

	nonce := nonceFromTxid(disputeTxid)

	return gcm.Seal(nil, nonce[:], plaintext, nil), nil
}

// Decrypt opens a blob sealed by Encrypt. It returns ErrDecryptFailed if
// the authentication tag does not verify under the key derived from
// disputeTxid -- the caller should treat this as a non-match, not a fatal
// condition (spec section 4.3 step 6a).
func Decrypt(disputeTxid chainhash.Hash, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(disputeTxid)
	if err != nil {
		return nil, err
	}

	nonce := nonceFromTxid(disputeTxid)

	plaintext, err := gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

func newGCM(disputeTxid chainhash.Hash) (cipher.AEAD, error) {
	key := keyFromTxid(disputeTxid)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
