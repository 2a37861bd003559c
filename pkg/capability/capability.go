// Package capability synthesizes a CapabilityManifest for a tool call: the
// bounded description of filesystem, network, and resource access a call is
// entitled to (phase P3 of the admission pipeline, spec.md §4.5).
package capability

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// AtomKind enumerates the capability atom types spec.md §3 names.
type AtomKind string

const (
	FileRead        AtomKind = "FILE_READ"
	FileReadPattern AtomKind = "FILE_READ_PATTERN"
	FileWrite       AtomKind = "FILE_WRITE"
	NetworkConnect  AtomKind = "NETWORK_CONNECT"
	NetworkDeny     AtomKind = "NETWORK_DENY"
	ProcessSpawn    AtomKind = "PROCESS_SPAWN"
	MemoryLimit     AtomKind = "MEMORY_LIMIT"
	CPULimit        AtomKind = "CPU_LIMIT"
)

// Atom is one capability grant or restriction.
type Atom struct {
	Kind AtomKind `json:"kind"`
	// Path carries a FileRead/FileWrite path or a FileReadPattern glob
	// (trailing "/*" only, per spec.md §3).
	Path string `json:"path,omitempty"`
	// Host and Port carry a NetworkConnect target.
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`
	// Command carries a ProcessSpawn target.
	Command string `json:"command,omitempty"`
	// Bytes carries a MemoryLimit; Percent carries a CpuLimit.
	Bytes   uint64  `json:"bytes,omitempty"`
	Percent float32 `json:"percent,omitempty"`
}

// Manifest is the bounded access description attached to an approval
// verdict. Invariant: NetworkDeny overrides AllowNetwork regardless of its
// value (spec.md §3, tested as a property in pkg/capability).
type Manifest struct {
	Atoms         []Atom  `json:"atoms"`
	MaxMemoryBytes uint64 `json:"max_memory_bytes"`
	MaxCPUPercent  float32 `json:"max_cpu_percent"`
	AllowNetwork   bool    `json:"allow_network"`
}

func (m *Manifest) hasDeny() bool {
	for _, a := range m.Atoms {
		if a.Kind == NetworkDeny {
			return true
		}
	}
	return false
}

// AllowsNetwork applies the NetworkDeny-overrides-AllowNetwork invariant.
func (m *Manifest) AllowsNetwork() bool {
	return m.AllowNetwork && !m.hasDeny()
}

// AllowsFileWrite reports whether path is granted by a FileWrite atom
// (exact match only — writes are never pattern-authorized).
func (m *Manifest) AllowsFileWrite(path string) bool {
	for _, a := range m.Atoms {
		if a.Kind == FileWrite && a.Path == path {
			return true
		}
	}
	return false
}

// AllowsFileRead reports whether path is granted by a FileRead atom or
// falls under a FileReadPattern's trailing-"/*" prefix.
func (m *Manifest) AllowsFileRead(path string) bool {
	for _, a := range m.Atoms {
		switch a.Kind {
		case FileRead:
			if a.Path == path {
				return true
			}
		case FileReadPattern:
			if strings.HasSuffix(a.Path, "/*") {
				prefix := strings.TrimSuffix(a.Path, "*")
				if strings.HasPrefix(path, prefix) {
					return true
				}
			} else if a.Path == path {
				return true
			}
		}
	}
	return false
}

const defaultMemoryBytes = 100 * 1024 * 1024
const defaultCPUPercent = 50.0

// Build maps (tool, args) to a manifest per the table in spec.md §4.5.
func Build(tool string, args map[string]interface{}) *Manifest {
	m := &Manifest{
		MaxMemoryBytes: defaultMemoryBytes,
		MaxCPUPercent:  defaultCPUPercent,
		AllowNetwork:   false,
	}

	switch tool {
	case "write_file":
		if path, ok := stringArg(args, "path"); ok {
			m.Atoms = append(m.Atoms, Atom{Kind: FileWrite, Path: path})
		}
		m.Atoms = append(m.Atoms, Atom{Kind: NetworkDeny})
		m.MaxMemoryBytes = 10 * 1024 * 1024

	case "read_file":
		if path, ok := stringArg(args, "path"); ok {
			m.Atoms = append(m.Atoms, Atom{Kind: FileRead, Path: path})
		}
		m.Atoms = append(m.Atoms, Atom{Kind: NetworkDeny})
		m.MaxMemoryBytes = 50 * 1024 * 1024

	case "execute_command":
		m.Atoms = append(m.Atoms,
			Atom{Kind: FileReadPattern, Path: "/tmp/*"},
			Atom{Kind: FileReadPattern, Path: "/home/*"},
		)
		m.AllowNetwork = true
		m.MaxMemoryBytes = 100 * 1024 * 1024

	case "list_directory":
		if path, ok := stringArg(args, "path"); ok {
			m.Atoms = append(m.Atoms, Atom{Kind: FileReadPattern, Path: path + "/*"})
		}
		m.Atoms = append(m.Atoms, Atom{Kind: NetworkDeny})
		m.MaxMemoryBytes = 20 * 1024 * 1024

	default:
		m.Atoms = append(m.Atoms, Atom{Kind: NetworkDeny})
		m.MaxMemoryBytes = 10 * 1024 * 1024
	}

	return m
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ArgsSchema is an optional per-tool JSON schema checked in phase P3;
// a tool without a registered schema skips validation (schemas narrow, they
// never grant).
var ArgsSchema = map[string]*jsonschema.Schema{}

// RegisterSchema compiles and registers a JSON schema for a tool name. It
// panics on a malformed schema since schemas are part of the gateway's
// static configuration, not request-time input.
func RegisterSchema(tool, schemaJSON string) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(tool+".json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	sch, err := compiler.Compile(tool + ".json")
	if err != nil {
		panic(err)
	}
	ArgsSchema[tool] = sch
}

// ValidateArgs runs the registered schema for tool, if any, against args.
func ValidateArgs(tool string, args interface{}) error {
	sch, ok := ArgsSchema[tool]
	if !ok {
		return nil
	}
	return sch.Validate(args)
}

// Schemas for the four built-in tools spec.md §3/§4.5 names. Registered at
// package init so ValidateArgs has something to check before phase P3 ever
// runs; a tool without a schema here (a future custom tool) still passes
// through unchecked rather than panicking.
const (
	writeFileSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`

	readFileSchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string"}
		},
		"required": ["path"]
	}`

	executeCommandSchema = `{
		"type": "object",
		"properties": {
			"command": {"type": "string"}
		},
		"required": ["command"]
	}`

	listDirectorySchema = `{
		"type": "object",
		"properties": {
			"path": {"type": "string"}
		},
		"required": ["path"]
	}`
)

func init() {
	RegisterSchema("write_file", writeFileSchema)
	RegisterSchema("read_file", readFileSchema)
	RegisterSchema("execute_command", executeCommandSchema)
	RegisterSchema("list_directory", listDirectorySchema)
}
