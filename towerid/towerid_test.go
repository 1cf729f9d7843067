package towerid

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/lightningnetwork/watchtower/wtdb"
)

func TestSignAppointmentIsVerifiable(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	locator := wtdb.Locator{0x01, 0x02}
	blob := []byte("encrypted-blob")
	delay := uint32(144)

	sig, err := kp.SignAppointment(locator, blob, delay)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parsed, err := btcec.ParseSignature(sig, btcec.S256())
	if err != nil {
		t.Fatalf("parse signature: %v", err)
	}

	digest := chainhash.DoubleHashB(canonicalForm(locator, blob, delay))
	if !parsed.Verify(digest, kp.PubKey()) {
		t.Fatalf("expected signature to verify against tower pubkey")
	}

	otherKP, err := Generate()
	if err != nil {
		t.Fatalf("generate other: %v", err)
	}
	if parsed.Verify(digest, otherKP.PubKey()) {
		t.Fatalf("expected signature not to verify against an unrelated pubkey")
	}
}

func TestLoadOrGeneratePersistsAcrossRestarts(t *testing.T) {
	dir, err := ioutil.TempDir("", "towerid")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "tower_id.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("load or generate: %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if !first.PubKey().IsEqual(second.PubKey()) {
		t.Fatalf("expected identity key to persist across restarts")
	}
}
