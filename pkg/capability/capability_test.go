package capability

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBuildWriteFileManifest(t *testing.T) {
	m := Build("write_file", map[string]interface{}{"path": "/tmp/test.txt"})
	assert.True(t, m.AllowsFileWrite("/tmp/test.txt"))
	assert.False(t, m.AllowsFileWrite("/tmp/other.txt"))
	assert.False(t, m.AllowsNetwork())
}

func TestBuildExecuteCommandManifest(t *testing.T) {
	m := Build("execute_command", map[string]interface{}{"command": "ls /tmp"})
	assert.True(t, m.AllowsFileRead("/tmp/file.txt"))
	assert.True(t, m.AllowsNetwork())
}

func TestBuildListDirectoryPatternIsPrefixOnly(t *testing.T) {
	m := Build("list_directory", map[string]interface{}{"path": "/data"})
	assert.True(t, m.AllowsFileRead("/data/file.txt"))
	assert.False(t, m.AllowsFileRead("/other/file.txt"))
}

func TestBuildUnknownToolMinimalPermissions(t *testing.T) {
	m := Build("mystery_tool", nil)
	assert.False(t, m.AllowsNetwork())
	assert.False(t, m.AllowsFileRead("/tmp/anything"))
}

// PropertyNetworkDenyOverridesAllowNetwork is the manifest invariant from
// spec.md §8: NetworkDeny in caps implies AllowsNetwork() == false
// regardless of the AllowNetwork field's value.
func TestPropertyNetworkDenyOverridesAllowNetwork(t *testing.T) {
	params := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(params)

	properties.Property("NetworkDeny always wins", prop.ForAll(
		func(allowNetwork bool) bool {
			m := &Manifest{
				Atoms:        []Atom{{Kind: NetworkDeny}},
				AllowNetwork: allowNetwork,
			}
			return m.AllowsNetwork() == false
		},
		gen.Bool(),
	))

	properties.TestingRun(t)
}
