package mandate

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Vanaras-AI/AEON/pkg/keyring"
)

// Store holds the set of currently-trusted mandates, keyed by agent_id, and
// the highest version seen per agent so a pulse can detect "first sight of
// a new version" (spec.md §4.6) without rereading every file's history.
type Store struct {
	mu            sync.RWMutex
	mandatesDir   string
	candidatesDir string
	archiveDir    string
	kr            *keyring.Keyring

	active    map[string]*Mandate
	highest   map[string]*semver.Version
	highestRaw map[string]string // fallback for non-semver versions
}

func NewStore(kr *keyring.Keyring, mandatesDir, candidatesDir, archiveDir string) *Store {
	return &Store{
		kr:            kr,
		mandatesDir:   mandatesDir,
		candidatesDir: candidatesDir,
		archiveDir:    archiveDir,
		active:        make(map[string]*Mandate),
		highest:       make(map[string]*semver.Version),
		highestRaw:    make(map[string]string),
	}
}

// PromoteCandidate signs name.toml out of the candidates area and writes it
// into the mandates area, deleting the candidate (spec.md §4.6 steps 1-4).
func (s *Store) PromoteCandidate(name string) error {
	candidatePath := filepath.Join(s.candidatesDir, name+".toml")
	destPath := filepath.Join(s.mandatesDir, name+".toml")

	raw, err := os.ReadFile(candidatePath)
	if err != nil {
		return fmt.Errorf("mandate store: read candidate %s: %w", name, err)
	}

	signed, _, err := Promote(s.kr, raw)
	if err != nil {
		return fmt.Errorf("mandate store: sign candidate %s: %w", name, err)
	}

	if err := os.MkdirAll(s.mandatesDir, 0o755); err != nil {
		return fmt.Errorf("mandate store: create mandates dir: %w", err)
	}
	if err := os.WriteFile(destPath, signed, 0o644); err != nil {
		return fmt.Errorf("mandate store: write mandate %s: %w", name, err)
	}
	if err := os.Remove(candidatePath); err != nil {
		return fmt.Errorf("mandate store: remove candidate %s: %w", name, err)
	}
	return nil
}

// PulseResult summarizes one full pulse for telemetry/logging.
type PulseResult struct {
	Loaded   []string
	Skipped  []string
	Archived []string
}

// Pulse reloads every mandates/*.toml file: unsigned files are skipped,
// signed files are verified and DID-checked, and any mandate whose version
// is strictly newer than the last one seen for that agent_id triggers a
// territory snapshot (spec.md §4.6).
func (s *Store) Pulse() (*PulseResult, error) {
	entries, err := os.ReadDir(s.mandatesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &PulseResult{}, nil
		}
		return nil, fmt.Errorf("mandate store: read mandates dir: %w", err)
	}

	result := &PulseResult{}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(s.mandatesDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("mandate pulse: read failed", "file", entry.Name(), "error", err)
			result.Skipped = append(result.Skipped, entry.Name())
			continue
		}

		if !IsSigned(raw) {
			result.Skipped = append(result.Skipped, entry.Name())
			continue
		}

		m, ok, err := VerifyAndCheckDID(s.kr, raw)
		if err != nil || !ok {
			slog.Warn("mandate pulse: verification failed, quarantining", "file", entry.Name(), "error", err)
			result.Skipped = append(result.Skipped, entry.Name())
			continue
		}

		if s.isNewVersion(m) {
			if err := s.archiveTerritory(m); err != nil {
				slog.Error("mandate pulse: territory archive failed", "agent_id", m.AgentID, "error", err)
			} else {
				result.Archived = append(result.Archived, m.AgentID+"@"+m.Version)
			}
			s.recordVersion(m)
		}

		s.active[m.AgentID] = m
		result.Loaded = append(result.Loaded, m.AgentID)
	}

	return result, nil
}

// isNewVersion reports whether m.Version is strictly greater than the last
// version recorded for m.AgentID (SPEC_FULL.md §4.6.a).
func (s *Store) isNewVersion(m *Mandate) bool {
	if m.SemVersion != nil {
		prev, ok := s.highest[m.AgentID]
		return !ok || m.SemVersion.GreaterThan(prev)
	}
	prevRaw, ok := s.highestRaw[m.AgentID]
	return !ok || m.Version != prevRaw
}

func (s *Store) recordVersion(m *Mandate) {
	if m.SemVersion != nil {
		s.highest[m.AgentID] = m.SemVersion
		return
	}
	slog.Warn("mandate: non-semver version, falling back to string inequality", "agent_id", m.AgentID, "version", m.Version)
	s.highestRaw[m.AgentID] = m.Version
}

// archiveTerritory copies every file under the mandate's territory prefixes
// into a per-version snapshot directory.
func (s *Store) archiveTerritory(m *Mandate) error {
	snapshotDir := filepath.Join(s.archiveDir, m.AgentID, m.Version)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return err
	}
	for _, prefix := range m.Territory {
		if err := copyTree(prefix, filepath.Join(snapshotDir, filepath.Base(strings.TrimSuffix(prefix, "/")))); err != nil {
			slog.Warn("mandate: territory snapshot copy failed", "prefix", prefix, "error", err)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Get returns the currently active mandate for an agent, if any.
func (s *Store) Get(agentID string) (*Mandate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.active[agentID]
	return m, ok
}
