package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_InvalidatesOnExternalEdit(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Mutate("guild-1", func(*TenantRecord) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Watch(ctx)
	}()

	// Give the watcher a moment to register before editing the file.
	time.Sleep(100 * time.Millisecond)

	edited := defaultRecord("guild-1")
	edited.NextPanelID = 7
	data, err := json.Marshal(edited)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "guild-1.json"), data, 0o644))

	assert.Eventually(t, func() bool {
		rec, err := s.Get("guild-1")
		return err == nil && rec.NextPanelID == 7
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}
