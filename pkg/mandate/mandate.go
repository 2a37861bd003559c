// Package mandate parses, verifies, and promotes signed mandate documents:
// the declarative TOML grants that bind an agent's permissions, territory,
// and identity to the gateway's sovereign key.
package mandate

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/Vanaras-AI/AEON/pkg/keyring"
)

// trailerDelimiter is byte-exact, lock emoji included: implementers must
// match it exactly rather than tolerate variants (SPEC_FULL.md §9).
const trailerDelimiter = "\n\n# ==========================================\n# 🔐 GOVERNANCE ORACLE SIGNATURE"

const (
	sigMarker    = "# Signature: "
	pubkeyMarker = "# Public-Key: "
)

const maxMandateBytes = 5 * 1024 * 1024

// Mandate is the parsed grant a signed or candidate TOML document carries.
type Mandate struct {
	AgentID       string                 `toml:"agent_id"`
	Version       string                 `toml:"version"`
	DID           string                 `toml:"did"`
	Permissions   []string               `toml:"permissions"`
	Subscriptions []string               `toml:"subscriptions"`
	Territory     []string               `toml:"territory"`
	Blueprint     map[string]interface{} `toml:"blueprint"`

	// SemVersion is derived from Version for pulse/archive ordering; never
	// serialized (SPEC_FULL.md §3).
	SemVersion *semver.Version `toml:"-"`
}

// parseSemVersion fills SemVersion, falling back silently (logged by the
// caller) to nil on a non-semver Version string.
func (m *Mandate) parseSemVersion() {
	if v, err := semver.NewVersion(m.Version); err == nil {
		m.SemVersion = v
	}
}

// HasPermission reports whether the mandate grants the named permission
// string, the coarse gate host functions check (SPEC_FULL.md §10).
func (m *Mandate) HasPermission(name string) bool {
	for _, p := range m.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// AuthorizedForPath reports whether path falls under one of the mandate's
// territory prefixes. An empty territory list means unrestricted (spec.md §3).
func (m *Mandate) AuthorizedForPath(path string) bool {
	if len(m.Territory) == 0 {
		return true
	}
	for _, t := range m.Territory {
		if strings.HasPrefix(path, t) {
			return true
		}
	}
	return false
}

// ParseCandidate parses raw TOML into a Mandate without any signature
// expectation — the shape a file in the candidates area has.
func ParseCandidate(raw []byte) (*Mandate, error) {
	var m Mandate
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mandate: parse candidate: %w", err)
	}
	m.parseSemVersion()
	return &m, nil
}

// Promote signs a candidate's TOML content and returns the file bytes ready
// to be written into the mandates area. It regenerates the DID to embed the
// keyring's current public key before signing, per spec.md §4.6 step 1.
func Promote(kr *keyring.Keyring, candidateTOML []byte) ([]byte, *Mandate, error) {
	m, err := ParseCandidate(candidateTOML)
	if err != nil {
		return nil, nil, err
	}

	m.DID = kr.ComputeDID(m.AgentID, m.Version)

	reserialized, err := toml.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("mandate: reserialize: %w", err)
	}
	content := strings.TrimSpace(string(reserialized))

	sig := kr.Sign([]byte(content))
	pubHex := kr.PublicKeyHex()
	now := time.Now()

	trailer := fmt.Sprintf(
		"%s\n# Public-Key: %s\n# Timestamp: %d (%s)\n# Signature: %s\n# Algorithm: ed25519\n# ==========================================\n",
		trailerDelimiter,
		pubHex,
		now.Unix(),
		now.Format(time.RFC3339),
		hex.EncodeToString(sig),
	)

	return []byte(content + trailer), m, nil
}

// Verify parses a signed mandate file, checking the trailer's ed25519
// signature over the pre-trailer body. It does not check the DID against
// the current keyring; callers wanting the full pulse check should use
// VerifyAndCheckDID.
func Verify(raw []byte) (*Mandate, bool, error) {
	if len(raw) > maxMandateBytes {
		return nil, false, fmt.Errorf("mandate: file exceeds %d bytes", maxMandateBytes)
	}

	content := string(raw)
	parts := strings.Split(content, trailerDelimiter)
	if len(parts) != 2 {
		return nil, false, fmt.Errorf("mandate: missing signature block delimiter")
	}

	body := strings.TrimSpace(parts[0])
	trailer := parts[1]

	sigHex, ok := extractField(trailer, sigMarker)
	if !ok {
		return nil, false, fmt.Errorf("mandate: signature not found in trailer")
	}
	pubHex, ok := extractField(trailer, pubkeyMarker)
	if !ok {
		return nil, false, fmt.Errorf("mandate: public key not found in trailer")
	}

	sigBytes, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return nil, false, fmt.Errorf("mandate: decode signature: %w", err)
	}
	pubBytes, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return nil, false, fmt.Errorf("mandate: decode public key: %w", err)
	}
	if len(sigBytes) != 64 {
		return nil, false, fmt.Errorf("mandate: signature must be 64 bytes, got %d", len(sigBytes))
	}
	if len(pubBytes) != 32 {
		return nil, false, fmt.Errorf("mandate: public key must be 32 bytes, got %d", len(pubBytes))
	}

	m, err := ParseCandidate([]byte(body))
	if err != nil {
		return nil, false, err
	}

	valid := keyring.VerifyWithKey(pubBytes, []byte(body), sigBytes)
	return m, valid, nil
}

// VerifyAndCheckDID verifies the signature, then cross-checks the mandate's
// embedded DID against compute_did(agent_id, version) using the current
// keyring's public key. A forged DID causes ok=false even when the raw
// signature verifies, since the signature alone only proves the sovereign
// key signed *some* content matching the body, not that the DID it claims
// is consistent with the active key (spec.md §4.6 pulse step iii).
func VerifyAndCheckDID(kr *keyring.Keyring, raw []byte) (m *Mandate, ok bool, err error) {
	m, sigOK, err := Verify(raw)
	if err != nil || !sigOK {
		return m, false, err
	}
	expected := kr.ComputeDID(m.AgentID, m.Version)
	return m, m.DID == expected, nil
}

// IsSigned reports whether raw carries the trailer marker at all, the cheap
// pre-check the pulse loop uses to skip unsigned candidates quickly
// (spec.md §4.6 pulse step i).
func IsSigned(raw []byte) bool {
	return strings.Contains(string(raw), trailerDelimiter)
}

func extractField(trailer, marker string) (string, bool) {
	for _, line := range strings.Split(trailer, "\n") {
		if strings.HasPrefix(line, marker) {
			return strings.TrimPrefix(line, marker), true
		}
	}
	return "", false
}
