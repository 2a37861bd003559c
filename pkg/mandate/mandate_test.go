package mandate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vanaras-AI/AEON/pkg/keyring"
)

func testKeyring(t *testing.T) *keyring.Keyring {
	t.Helper()
	kr, err := keyring.Init(t.TempDir())
	require.NoError(t, err)
	return kr
}

const sampleCandidate = `agent_id = "writer-01"
version = "1.0.0"
did = "did:aeon:writer-01:1.0.0:placeholder"
permissions = ["FS_WRITE"]
subscriptions = []
territory = ["/tmp/writer-01"]
`

func TestPromoteThenVerify(t *testing.T) {
	kr := testKeyring(t)

	signed, m, err := Promote(kr, []byte(sampleCandidate))
	require.NoError(t, err)
	assert.Equal(t, kr.ComputeDID("writer-01", "1.0.0"), m.DID)
	assert.True(t, IsSigned(signed))

	parsed, ok, err := Verify(signed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "writer-01", parsed.AgentID)
}

func TestVerifyRejectsBitFlipInBody(t *testing.T) {
	kr := testKeyring(t)

	signed, _, err := Promote(kr, []byte(sampleCandidate))
	require.NoError(t, err)

	tampered := strings.Replace(string(signed), "writer-01", "writer-02", 1)
	_, ok, err := Verify([]byte(tampered))
	require.NoError(t, err)
	assert.False(t, ok, "any single-bit perturbation of the pre-trailer body must fail verification")
}

func TestVerifyRejectsOversizeFile(t *testing.T) {
	big := make([]byte, maxMandateBytes+1)
	_, _, err := Verify(big)
	assert.Error(t, err)
}

func TestVerifyRejectsMissingDelimiter(t *testing.T) {
	_, _, err := Verify([]byte("agent_id = \"x\"\nversion=\"1.0.0\"\n"))
	assert.Error(t, err)
}

func TestVerifyAndCheckDIDRejectsForgedDID(t *testing.T) {
	kr := testKeyring(t)

	signed, m, err := Promote(kr, []byte(sampleCandidate))
	require.NoError(t, err)
	_ = m

	// Forge the DID in the body (pre-trailer) while leaving a valid
	// signature over the original body: this should fail signature
	// verification in the first place, but simulate the narrower
	// DID-mismatch path by checking against a different keyring.
	otherKr := testKeyring(t)
	_, ok, err := VerifyAndCheckDID(otherKr, signed)
	require.NoError(t, err)
	assert.False(t, ok, "a DID computed under a different sovereign key must not match")
}

// PropertyPromoteVerifyRoundTrips is spec.md §8's round-trip invariant:
// any candidate promoted under a sovereign key verifies against that
// key, for arbitrary agent IDs.
func TestPropertyPromoteVerifyRoundTrips(t *testing.T) {
	kr := testKeyring(t)

	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("promote then verify always succeeds", prop.ForAll(
		func(agentID string) bool {
			candidate := fmt.Sprintf("agent_id = %q\nversion = \"1.0.0\"\ndid = \"placeholder\"\npermissions = []\nsubscriptions = []\nterritory = []\n", agentID)
			signed, _, err := Promote(kr, []byte(candidate))
			if err != nil {
				return false
			}
			_, ok, err := Verify(signed)
			return err == nil && ok
		},
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// PropertyBitFlipAlwaysBreaksVerification is spec.md §8's sensitivity
// invariant: perturbing any single byte of the pre-trailer body must
// invalidate the signature, for arbitrary candidate agent IDs.
func TestPropertyBitFlipAlwaysBreaksVerification(t *testing.T) {
	kr := testKeyring(t)

	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("any body perturbation invalidates the signature", prop.ForAll(
		func(agentID string, suffix string) bool {
			if suffix == "" {
				suffix = "x"
			}
			candidate := fmt.Sprintf("agent_id = %q\nversion = \"1.0.0\"\ndid = \"placeholder\"\npermissions = []\nsubscriptions = []\nterritory = []\n", agentID)
			signed, _, err := Promote(kr, []byte(candidate))
			if err != nil {
				return false
			}
			tampered := strings.Replace(string(signed), agentID, agentID+suffix, 1)
			if tampered == string(signed) {
				return true
			}
			_, ok, err := Verify([]byte(tampered))
			return err == nil && !ok
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestStorePulseSkipsUnsigned(t *testing.T) {
	dir := t.TempDir()
	mandatesDir := filepath.Join(dir, "mandates")
	candidatesDir := filepath.Join(dir, "candidates")
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(mandatesDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(mandatesDir, "unsigned.toml"), []byte(sampleCandidate), 0o644))

	kr := testKeyring(t)
	store := NewStore(kr, mandatesDir, candidatesDir, archiveDir)

	result, err := store.Pulse()
	require.NoError(t, err)
	assert.Contains(t, result.Skipped, "unsigned.toml")
	assert.Empty(t, result.Loaded)
}

func TestStorePulseLoadsSignedAndArchivesOnNewVersion(t *testing.T) {
	dir := t.TempDir()
	mandatesDir := filepath.Join(dir, "mandates")
	candidatesDir := filepath.Join(dir, "candidates")
	archiveDir := filepath.Join(dir, "archive")
	require.NoError(t, os.MkdirAll(mandatesDir, 0o755))

	kr := testKeyring(t)
	signed, _, err := Promote(kr, []byte(sampleCandidate))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(mandatesDir, "writer-01.toml"), signed, 0o644))

	store := NewStore(kr, mandatesDir, candidatesDir, archiveDir)
	result, err := store.Pulse()
	require.NoError(t, err)
	assert.Contains(t, result.Loaded, "writer-01")
	assert.Contains(t, result.Archived, "writer-01@1.0.0")

	m, ok := store.Get("writer-01")
	require.True(t, ok)
	assert.Equal(t, []string{"FS_WRITE"}, m.Permissions)

	// A second pulse with the same version must not re-archive.
	result2, err := store.Pulse()
	require.NoError(t, err)
	assert.Empty(t, result2.Archived)
}

func TestPromoteCandidateMovesFile(t *testing.T) {
	dir := t.TempDir()
	mandatesDir := filepath.Join(dir, "mandates")
	candidatesDir := filepath.Join(dir, "candidates")
	require.NoError(t, os.MkdirAll(candidatesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(candidatesDir, "writer-01.toml"), []byte(sampleCandidate), 0o644))

	kr := testKeyring(t)
	store := NewStore(kr, mandatesDir, candidatesDir, filepath.Join(dir, "archive"))

	require.NoError(t, store.PromoteCandidate("writer-01"))

	_, err := os.Stat(filepath.Join(candidatesDir, "writer-01.toml"))
	assert.True(t, os.IsNotExist(err), "candidate file must be deleted after promotion")

	_, err = os.Stat(filepath.Join(mandatesDir, "writer-01.toml"))
	assert.NoError(t, err, "mandate file must exist after promotion")
}
