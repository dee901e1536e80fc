package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/snapshot"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		showEntries = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeSnapshot(t *testing.T, snap *snapshot.Snapshot) string {
	t.Helper()
	data, err := snapshot.Encode(snap)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "recalld dev")
	assert.Contains(t, out, "commit unknown")
}

func TestSnapshotInspect(t *testing.T) {
	now := time.Now()
	a, err := memstore.NewEntry("proj", "alpha", []byte("first"), memstore.Infinite, 0.9, now)
	require.NoError(t, err)
	b, err := memstore.NewEntry("proj", "beta", []byte("second"), memstore.TTL(time.Hour), 0.4, now)
	require.NoError(t, err)
	c, err := memstore.NewEntry("scratch", "gamma", []byte("x"), memstore.TTL(time.Hour), 0.1, now)
	require.NoError(t, err)

	path := writeSnapshot(t, &snapshot.Snapshot{Node: "node-a", SavedAt: now, Entries: []memstore.Entry{c, b, a}})

	out, err := execute(t, "snapshot", "inspect", "--entries", path)
	require.NoError(t, err)
	assert.Contains(t, out, "node-a")
	assert.Regexp(t, `entries:\s+3`, out)
	assert.Regexp(t, `proj\s+2`, out)
	assert.Regexp(t, `scratch\s+1`, out)
	assert.Regexp(t, `alpha\s+0\.90\s+never`, out)
	assert.Less(t, bytes.Index([]byte(out), []byte("alpha")), bytes.Index([]byte(out), []byte("gamma")))
}

func TestSnapshotInspect_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format":"recalld-snapshot"`), 0600))

	_, err := execute(t, "snapshot", "inspect", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, snapshot.ErrCorruptSnapshot)
}

func TestSnapshotInspect_MissingFile(t *testing.T) {
	_, err := execute(t, "snapshot", "inspect", filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading snapshot")
}

func TestPrintSnapshot_CountsExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e, err := memstore.NewEntry("proj", "k", nil, memstore.TTL(time.Minute), 0.5, created)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printSnapshot(&out, &snapshot.Snapshot{Entries: []memstore.Entry{e}}, created.Add(time.Hour), false))
	assert.Regexp(t, `expired:\s+1`, out.String())
	assert.NotContains(t, out.String(), "CONTEXT")
}

func TestSetup_StandaloneNode(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a full node")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("RECALLD_SNAPSHOT_PATH", filepath.Join(home, "snap.json"))
	configPath = ""

	ctx := context.Background()
	rt, err := setup(ctx, true)
	require.NoError(t, err)
	require.NoError(t, rt.node.Start(ctx))

	require.NoError(t, rt.node.Client().Store(ctx, "proj", "k", []byte("v")))

	require.NoError(t, rt.close(ctx))
	_, err = os.Stat(filepath.Join(home, "snap.json"))
	assert.NoError(t, err)
}
