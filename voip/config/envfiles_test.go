package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindEnvFiles(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	top := writeFile(t, root, ".env", "A=1\n")
	mid := writeFile(t, filepath.Join(root, "a"), ".env", "A=2\n")
	require.NoError(t, os.Mkdir(filepath.Join(nested, ".env"), 0755))

	found, err := FindEnvFiles(nested, ".env")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(found), 2)
	assert.Equal(t, []string{mid, top}, found[:2], "nearest first, directories skipped")
}

func TestLoadEnvFilesPrecedence(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "project")
	require.NoError(t, os.MkdirAll(nested, 0755))

	writeFile(t, root, ".env", "PANDAVOIP_TEST_FAR=far\nPANDAVOIP_TEST_SHARED=far\n")
	writeFile(t, nested, ".env", "PANDAVOIP_TEST_SHARED=near\nPANDAVOIP_TEST_NEAR=near\n")
	explicit := writeFile(t, t.TempDir(), "override.env", "PANDAVOIP_TEST_NEAR=explicit\n")

	for _, key := range []string{"PANDAVOIP_TEST_FAR", "PANDAVOIP_TEST_SHARED", "PANDAVOIP_TEST_NEAR"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	t.Setenv("PANDAVOIP_TEST_PRESET", "kept")

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { os.Chdir(wd) })

	files, err := LoadEnvFiles(explicit)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(files), 3)
	assert.Equal(t, explicit, files[0])

	assert.Equal(t, "explicit", os.Getenv("PANDAVOIP_TEST_NEAR"))
	assert.Equal(t, "near", os.Getenv("PANDAVOIP_TEST_SHARED"))
	assert.Equal(t, "far", os.Getenv("PANDAVOIP_TEST_FAR"))
	assert.Equal(t, "kept", os.Getenv("PANDAVOIP_TEST_PRESET"))
}

func TestLoadEnvFilesMissingExplicit(t *testing.T) {
	_, err := LoadEnvFiles(filepath.Join(t.TempDir(), "absent.env"))
	assert.ErrorContains(t, err, "failed to load env files")
}
