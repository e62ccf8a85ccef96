package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New(false)
	e.Apply([]string{"HOST=localhost", "PORT=5432", "DSN=postgres://${HOST}:${PORT}/app", "bad"})
	out := e.Merge([]string{"PORT=6543", "=skip"})
	assert.Equal(t, []string{
		"DSN=postgres://localhost:6543/app",
		"HOST=localhost",
		"PORT=6543",
	}, out)
}

func TestMergeKeepsUnknownReferences(t *testing.T) {
	e := New(false)
	out := e.Merge([]string{"A=${MISSING}-x", "B=$literal"})
	assert.Equal(t, []string{"A=${MISSING}-x", "B=$literal"}, out)
}

func TestMergeWithOS(t *testing.T) {
	t.Setenv("STACKUP_ENV_TEST", "from-os")
	e := New(true)
	e.Set("OVERRIDE", "${STACKUP_ENV_TEST}!")
	m := Parse(e.Merge(nil))
	assert.Equal(t, "from-os", m["STACKUP_ENV_TEST"])
	assert.Equal(t, "from-os!", m["OVERRIDE"])
}

func TestWithSetCopies(t *testing.T) {
	e := New(false)
	e.Set("A", "1")
	c := e.WithSet("B", "2")
	assert.NotContains(t, e.Var, "B")
	assert.Equal(t, "2", c.Var["B"])
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "stack.env")
	require.NoError(t, os.WriteFile(p, []byte("# comment\nDB_USER=app\nexport DB_PASS=secret\n\nN8N_PORT=5678\n"), 0o600))
	e := New(false)
	require.NoError(t, e.LoadFile(p))
	assert.Equal(t, "app", e.Var["DB_USER"])
	assert.Equal(t, "secret", e.Var["DB_PASS"])
	assert.Equal(t, "5678", e.Var["N8N_PORT"])

	assert.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing.env")))
}
