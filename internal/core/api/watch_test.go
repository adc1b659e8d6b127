package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsSensorFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sensors.yaml")
	write := func(doc string) {
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	write("name: first\nsensors:\n  a:\n    formula: '1'\n")

	svc, err := NewFormulaService(NewStateTable(), nil, nil)
	require.NoError(t, err)

	w, err := WatchSensors(path, svc, nil)
	require.NoError(t, err)
	defer w.Close()
	w.debounce = 50 * time.Millisecond
	reloaded := w.Reloaded()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	await := func() error {
		select {
		case err := <-reloaded:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("no reload within 5s")
			return nil
		}
	}

	write("name: second\nsensors:\n  a:\n    formula: '1'\n  b:\n    formula: 'a + 1'\n")
	require.NoError(t, await())
	require.Equal(t, "second", svc.Engine().Config().Name)
	first := svc.Engine()

	// an invalid file keeps the running engine
	write("sensors:\n  a:\n    name: no formula\n")
	require.Error(t, await())
	require.Same(t, first, svc.Engine())

	// unrelated files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600))
	select {
	case err := <-reloaded:
		t.Fatalf("unexpected reload: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}
