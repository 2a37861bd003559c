// Package keyring owns the gateway's single sovereign ed25519 signing key:
// generate-or-load on init, sign, verify, and derive the DID fragment every
// mandate embeds.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "sovereign.key"
	publicKeyFile  = "sovereign.pub"
)

// Keyring holds the sovereign keypair, read once at startup and treated as
// read-only thereafter.
type Keyring struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	dir  string
}

// Init loads the sovereign keypair from dir, generating and persisting a
// fresh one if none exists yet. The private key file is written with
// owner-only permissions.
func Init(dir string) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keyring: create dir: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return loadKeypair(dir, privPath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keyring: stat %s: %w", privPath, err)
	}

	slog.Info("generating new ed25519 keypair", "dir", dir)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}

	if err := os.WriteFile(privPath, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("keyring: write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return nil, fmt.Errorf("keyring: write public key: %w", err)
	}

	slog.Info("keypair generated", "public_key", hex.EncodeToString(pub))
	return &Keyring{priv: priv, pub: pub, dir: dir}, nil
}

func loadKeypair(dir, privPath string) (*Keyring, error) {
	seed, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("keyring: read private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: private key at %s has wrong length %d", privPath, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keyring{priv: priv, pub: priv.Public().(ed25519.PublicKey), dir: dir}, nil
}

// Sign signs message with the sovereign key.
func (k *Keyring) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// Verify reports whether sig is a valid ed25519 signature over message under
// the sovereign public key.
func (k *Keyring) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.pub, message, sig)
}

// VerifyWithKey reports whether sig is valid over message under an
// arbitrary public key, used when cross-checking a mandate's embedded key
// rather than the gateway's own.
func VerifyWithKey(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// PublicKeyHex returns the sovereign public key as lowercase hex.
func (k *Keyring) PublicKeyHex() string {
	return hex.EncodeToString(k.pub)
}

// ComputeDID returns the DID string binding agentID and version to the
// current sovereign public key: did:aeon:{agent_id}:{version}:{pubkey_hex}.
func (k *Keyring) ComputeDID(agentID, version string) string {
	return ComputeDID(agentID, version, k.PublicKeyHex())
}

// ComputeDID is the pure form used when cross-checking a DID against an
// arbitrary hex-encoded public key (e.g. one parsed out of a mandate
// trailer rather than the live keyring).
func ComputeDID(agentID, version, pubKeyHex string) string {
	return fmt.Sprintf("did:aeon:%s:%s:%s", agentID, version, pubKeyHex)
}
