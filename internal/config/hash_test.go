package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockFilesDryRun(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "servers: {}\n")

	report, err := LockFiles([]string{path}, true)
	require.NoError(t, err)
	assert.False(t, report.Written)
	require.Len(t, report.Files, 1)
	assert.Len(t, report.Files[0].Hash, 64)

	_, err = os.Stat(filepath.Join(dir, ChecksumFile))
	assert.True(t, os.IsNotExist(err), ".checksums should not be written in dry-run mode")
}

func TestLockedConfigDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "orchestrator:\n  server: ORCH\n")

	_, err := LockFiles([]string{path}, false)
	require.NoError(t, err)
	_, err = Load(path)
	require.NoError(t, err)

	writeFile(t, dir, "config.yaml", "orchestrator:\n  server: EVIL\n")
	_, err = Load(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "hash mismatch"), err.Error())
}

func TestLockedDirRejectsUnlistedInclude(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "config.yaml", "orchestrator:\n  server: ORCH\n")
	_, err := LockFiles([]string{root}, false)
	require.NoError(t, err)

	writeFile(t, dir, "extra.yaml", "servers: {}\n")
	writeFile(t, dir, "config.yaml", "include:\n  - extra.yaml\n")
	_, err = Load(root)
	require.Error(t, err)
}

func TestFingerprintIgnoresSecrets(t *testing.T) {
	a := Defaults()
	a.Servers["PSTAT"] = ServerConfig{Host: "127.0.0.1", Port: 8003}
	b := Defaults()
	b.Servers["PSTAT"] = ServerConfig{Host: "127.0.0.1", Port: 8003}
	b.API.Auth.APIKey = "other"
	b.ObjectStore.SecretKey = "hidden"

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b.Servers["PSTAT"] = ServerConfig{Host: "127.0.0.1", Port: 8004}
	fc, err := Fingerprint(b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}
