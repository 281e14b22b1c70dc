package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchImportsDroppedExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	client := &mockTransport{}
	rec := &hookRecorder{}
	m := NewManager(client, Config{ExportPath: path}, rec.hooks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to arm before dropping the file.
	time.Sleep(100 * time.Millisecond)
	writeExportFile(t, dir, "keys.json", sampleKeys())

	require.Eventually(t, func() bool {
		return client.importedBatches() == 1
	}, 3*time.Second, 50*time.Millisecond, "the dropped export must be imported")

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.sweeps == 1
	}, time.Second, 20*time.Millisecond)

	_, err := os.Stat(path + importedSuffix)
	assert.NoError(t, err)

	cancel()
	require.NoError(t, <-done)
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")

	client := &mockTransport{}
	m := NewManager(client, Config{ExportPath: path}, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeExportFile(t, dir, "unrelated.json", sampleKeys())
	time.Sleep(time.Second)

	assert.Equal(t, 0, client.importedBatches())

	cancel()
	require.NoError(t, <-done)
}

func TestWatchRequiresExportPath(t *testing.T) {
	m := NewManager(&mockTransport{}, Config{}, Hooks{})
	assert.Error(t, m.Watch(context.Background()))
}
