package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/Vanaras-AI/AEON/pkg/keyring"
	"github.com/Vanaras-AI/AEON/pkg/mandate"
)

// HostEnv is the per-cell state the supplemental host functions close over:
// the calling cell's own mandate (for permission/territory checks) and the
// gateway's keyring and mandates directory (for spawn_cell's DID derivation
// and file placement). Grounded on host_functions.rs's AgentState, which
// carries the same mandate reference into every linker.func_wrap closure.
type HostEnv struct {
	Mandate     *mandate.Mandate
	Keyring     *keyring.Keyring
	MandatesDir string
}

// BuildHostModule registers the "aeon" host module supplemental functions
// a cell's wasm guest imports, grounded on host_functions.rs's
// register_functions. aeon_governance_inference is intentionally not
// registered: it calls the out-of-scope model-bridge singleton
// (SPEC_FULL.md §10).
func BuildHostModule(rt wazero.Runtime, env *HostEnv) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder("aeon")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			return hostGetDNA(ctx, mod, env, ptr, length)
		}).
		Export("get_dna")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, urlPtr uint32) uint32 {
			return hostNetSkill(env)
		}).
		Export("net_skill")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen, start, end, outPtr, outMaxLen uint32) uint32 {
			return hostReadRange(mod, env, pathPtr, pathLen, start, end, outPtr, outMaxLen)
		}).
		Export("read_range")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen, start, end, contentPtr, contentLen uint32) uint32 {
			return hostReplaceBlock(mod, env, pathPtr, pathLen, start, end, contentPtr, contentLen)
		}).
		Export("replace_block")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, pathPtr, pathLen, contentPtr, contentLen uint32) uint32 {
			return hostWriteFile(mod, env, pathPtr, pathLen, contentPtr, contentLen)
		}).
		Export("write_file")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint32 {
			return hostSpawnCell(mod, env, ptr, length)
		}).
		Export("spawn_cell")

	return b
}

func readMemString(mod api.Module, ptr, length uint32) (string, bool) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

func writeMemBytes(mod api.Module, ptr uint32, data []byte, maxLen uint32) uint32 {
	n := uint32(len(data))
	if n > maxLen {
		n = maxLen
	}
	mod.Memory().Write(ptr, data[:n])
	return n
}

// hostGetDNA copies the caller's own mandate, serialized as JSON, into
// guest memory (host_functions.rs get_dna). Unlike the original, an
// undersized buffer returns 0 rather than trapping the instance — a
// recoverable wasm-boundary outcome fits a gateway where the supervisor
// must keep serving other calls.
func hostGetDNA(_ context.Context, mod api.Module, env *HostEnv, ptr, length uint32) uint32 {
	b, err := json.Marshal(env.Mandate)
	if err != nil {
		return 0
	}
	if uint32(len(b)) > length {
		slog.Warn("get_dna buffer too small", "need", len(b), "have", length)
		return 0
	}
	return writeMemBytes(mod, ptr, b, length)
}

// hostNetSkill gates outbound network use on the "NET" permission string,
// distinct from the capability manifest's NetworkDeny atom (SPEC_FULL.md
// §10). Returns 0 on success, 1 on denial, matching host_functions.rs.
func hostNetSkill(env *HostEnv) uint32 {
	if !env.Mandate.HasPermission("NET") {
		slog.Warn("blocked net_skill", "agent_id", env.Mandate.AgentID)
		return 1
	}
	return 0
}

func hostReadRange(mod api.Module, env *HostEnv, pathPtr, pathLen, start, end, outPtr, outMaxLen uint32) uint32 {
	path, ok := readMemString(mod, pathPtr, pathLen)
	if !ok {
		return 0
	}
	if !env.Mandate.HasPermission("FS_READ") {
		slog.Warn("blocked read_range", "agent_id", env.Mandate.AgentID, "path", path)
		return 0
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	lines := strings.Split(string(content), "\n")

	startIdx := 0
	if start > 0 {
		startIdx = int(start - 1)
	}
	endIdx := int(end)
	if endIdx > len(lines) {
		endIdx = len(lines)
	}
	if startIdx >= len(lines) || startIdx >= endIdx {
		return 0
	}

	selected := strings.Join(lines[startIdx:endIdx], "\n")
	return writeMemBytes(mod, outPtr, []byte(selected), outMaxLen)
}

func hostReplaceBlock(mod api.Module, env *HostEnv, pathPtr, pathLen, start, end, contentPtr, contentLen uint32) uint32 {
	path, ok := readMemString(mod, pathPtr, pathLen)
	if !ok {
		return 1
	}

	if !env.Mandate.AuthorizedForPath(path) {
		slog.Warn("territory violation on replace_block", "agent_id", env.Mandate.AgentID, "path", path)
		return 1
	}
	if !env.Mandate.HasPermission("FS_WRITE") {
		slog.Warn("blocked replace_block", "agent_id", env.Mandate.AgentID, "path", path)
		return 1
	}

	newBlock, ok := readMemString(mod, contentPtr, contentLen)
	if !ok {
		return 1
	}

	existing, _ := os.ReadFile(path)
	var lines []string
	if len(existing) > 0 {
		lines = strings.Split(string(existing), "\n")
	}

	startIdx := 0
	if start > 0 {
		startIdx = int(start - 1)
	}
	endIdx := int(end)
	if endIdx > len(lines) {
		endIdx = len(lines)
	}

	if startIdx <= endIdx {
		replaced := append([]string{}, lines[:startIdx]...)
		if newBlock != "" {
			replaced = append(replaced, newBlock)
		}
		if endIdx < len(lines) {
			replaced = append(replaced, lines[endIdx:]...)
		}
		lines = replaced
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return 1
	}
	return 0
}

// hostWriteFile applies the anti-symlink canonicalization plus the
// ".aeon" and "mandates/" hard refusals from host_functions.rs's
// write_file before the ordinary territory/permission gates.
func hostWriteFile(mod api.Module, env *HostEnv, pathPtr, pathLen, contentPtr, contentLen uint32) uint32 {
	path, ok := readMemString(mod, pathPtr, pathLen)
	if !ok {
		return 1
	}
	content, ok := readMemString(mod, contentPtr, contentLen)
	if !ok {
		return 1
	}
	return writeFileGuarded(env, path, content)
}

// writeFileGuarded holds write_file's guard chain and the write itself,
// split out of hostWriteFile so the ".aeon"/"mandates/" refusals and the
// territory/permission gates are directly unit-testable without a wasm
// module instance.
func writeFileGuarded(env *HostEnv, path, content string) uint32 {
	absPath := canonicalizeBestEffort(path)

	if strings.Contains(absPath, "/.aeon") || strings.Contains(path, ".aeon") {
		slog.Error("blocked write to system internals", "agent_id", env.Mandate.AgentID, "path", path)
		return 1
	}
	if strings.Contains(absPath, "/mandates/") {
		slog.Warn("blocked attempt to overwrite mandate", "agent_id", env.Mandate.AgentID, "path", path)
		return 1
	}
	if !env.Mandate.AuthorizedForPath(absPath) {
		slog.Warn("territory violation on write_file", "agent_id", env.Mandate.AgentID, "path", path)
		return 1
	}
	if !env.Mandate.HasPermission("FS_WRITE") {
		slog.Warn("blocked write_file", "agent_id", env.Mandate.AgentID, "path", path)
		return 1
	}

	if dir := filepath.Dir(path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return 1
	}
	return 0
}

// canonicalizeBestEffort resolves symlinks when the path already exists;
// otherwise it canonicalizes the parent directory and rejoins the file
// name, the same fallback host_functions.rs's write_file applies so a
// not-yet-created file still gets its real, symlink-resolved location
// checked against territory and the ".aeon"/"mandates" guards.
func canonicalizeBestEffort(path string) string {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	parent := filepath.Dir(path)
	if realParent, err := filepath.EvalSymlinks(parent); err == nil {
		return filepath.Join(realParent, filepath.Base(path))
	}
	return path
}

// hostSpawnCell implements mitosis: a guest asks to create a child
// mandate. The Law of Conservation (child permissions must be a subset of
// the parent's) and the Law of Identity (the target mandate path must not
// already exist) are both enforced before any file is written, and the
// child's version and DID are always recomputed from the live keyring
// rather than trusted from the guest's JSON (host_functions.rs spawn_cell).
func hostSpawnCell(mod api.Module, env *HostEnv, ptr, length uint32) uint32 {
	raw, ok := readMemString(mod, ptr, length)
	if !ok {
		slog.Warn("mitosis guest sent invalid memory range")
		return 1
	}
	return spawnCellFromJSON(env, raw)
}

// spawnCellFromJSON holds mitosis's permission gate and both invariants
// (Law of Conservation, Law of Identity), split out of hostSpawnCell so
// they are directly unit-testable against a raw child-mandate JSON string
// without a wasm module instance.
func spawnCellFromJSON(env *HostEnv, raw string) uint32 {
	if !env.Mandate.HasPermission("MITOSIS") {
		slog.Warn("mitosis blocked", "agent_id", env.Mandate.AgentID)
		return 1
	}

	var child mandate.Mandate
	if err := json.Unmarshal([]byte(raw), &child); err != nil {
		slog.Warn("mitosis invalid DNA JSON", "error", err)
		return 1
	}

	child.Version = "1.0.0"
	child.DID = env.Keyring.ComputeDID(child.AgentID, child.Version)

	for _, perm := range child.Permissions {
		if !env.Mandate.HasPermission(perm) {
			slog.Warn("privilege escalation attempt on spawn_cell",
				"parent", env.Mandate.AgentID, "child", child.AgentID, "permission", perm)
			return 1
		}
	}

	dnaPath := filepath.Join(env.MandatesDir, child.AgentID+".toml")
	if _, err := os.Stat(dnaPath); err == nil {
		slog.Warn("mitosis identity theft attempt: mandate already exists",
			"parent", env.Mandate.AgentID, "target", child.AgentID)
		return 1
	}

	slog.Info("mitosis spawning child", "parent", env.Mandate.AgentID, "child", child.AgentID, "did", child.DID)

	doc := struct {
		AgentID       string   `toml:"agent_id"`
		Version       string   `toml:"version"`
		DID           string   `toml:"did"`
		Permissions   []string `toml:"permissions"`
		Subscriptions []string `toml:"subscriptions"`
	}{child.AgentID, child.Version, child.DID, child.Permissions, child.Subscriptions}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		slog.Error("mitosis failed to serialize child DNA", "error", err)
		return 1
	}
	if err := os.WriteFile(dnaPath, buf.Bytes(), 0o644); err != nil {
		slog.Error("mitosis failed to write DNA file", "error", err)
		return 1
	}
	return 0
}
