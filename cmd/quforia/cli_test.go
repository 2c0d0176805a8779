package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayusman/quforia/internal/plugin"
	"github.com/ayusman/quforia/internal/store"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := newCLI()
	c.Writer = &out
	c.ErrWriter = &out
	err := c.Run(append([]string{"quforia"}, args...))
	return out.String(), err
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "quforia.db")
	path := filepath.Join(dir, "quforia.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("store:\n  path: %s\n", dbPath)), 0644))
	return path, dbPath
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s (driver API %d)\n", plugin.LibraryVersion(), plugin.DriverAPIVersion), out)
}

func TestSessionsCommands(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	s, err := store.New(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Sessions().Create(&store.Session{ID: "s-1", Name: "desk"}))
	require.NoError(t, s.Samples().AddPose("s-1", store.PoseRecord{Timestamp: 1, Rotation: [4]float32{0, 0, 0, 1}}))
	require.NoError(t, s.Sessions().Finish("s-1"))
	require.NoError(t, s.Sessions().Create(&store.Session{ID: "s-2", Name: "live"}))
	require.NoError(t, s.Close())

	out, err := runCLI(t, "-c", cfgPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "desk")
	assert.Contains(t, out, "recording", "unfinished session")

	out, err = runCLI(t, "-c", cfgPath, "sessions", "delete", "s-1")
	require.NoError(t, err)
	assert.Equal(t, "deleted s-1\n", out)

	_, err = runCLI(t, "-c", cfgPath, "sessions", "delete", "s-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = runCLI(t, "-c", cfgPath, "sessions", "delete")
	assert.Error(t, err)
}

func TestLoadConfig_BadFile(t *testing.T) {
	_, err := runCLI(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"), "sessions", "list")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMonitorURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/", monitorURL(":8080"))
	assert.Equal(t, "http://127.0.0.1:9000/", monitorURL("127.0.0.1:9000"))
}
