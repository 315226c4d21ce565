package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/hive/pkg/events"
	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/storage"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestLog(t *testing.T, store storage.KeyValueStore, path string, pub events.Publisher) *Log {
	t.Helper()
	locker := filelock.New(filelock.Config{Store: store, Logger: zerolog.Nop()})
	return NewLog(Config{
		Store:     store,
		Locker:    locker,
		Path:      path,
		Lock:      filelock.Options{Timeout: 2 * time.Second},
		Publisher: pub,
		Logger:    zerolog.Nop(),
		Now:       fixedNow,
	})
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory(" Issues ")
	require.NoError(t, err)
	assert.Equal(t, Issues, c)
	assert.Equal(t, "## Issues", c.Heading())

	_, err = ParseCategory("gossip")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestAppendCreatesTemplate(t *testing.T) {
	store := storage.NewMemoryStore()
	log := newTestLog(t, store, "/repo/MEMORY.md", nil)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, Knowledge, "worker-1", "tests live next to sources"))

	raw, err := store.Get(ctx, "/repo/MEMORY.md")
	require.NoError(t, err)
	doc := string(raw)
	assert.Contains(t, doc, "## Knowledge\n- [2025-03-01T12:00:00Z] (worker-1) tests live next to sources\n\n## Issues")
	assert.True(t, strings.HasPrefix(doc, "# Project Memory\n"))
}

func TestAppendKeepsSectionsIntact(t *testing.T) {
	store := storage.NewMemoryStore()
	log := newTestLog(t, store, "MEMORY.md", nil)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, Architecture, "a", "hexagonal layout"))
	require.NoError(t, log.Append(ctx, Issues, "b", "flaky network test"))
	require.NoError(t, log.Append(ctx, Architecture, "c", "sqlite for state"))

	arch, err := log.Read(ctx, Architecture)
	require.NoError(t, err)
	assert.Equal(t,
		"- [2025-03-01T12:00:00Z] (a) hexagonal layout\n- [2025-03-01T12:00:00Z] (c) sqlite for state",
		arch)

	issues, err := log.Read(ctx, Issues)
	require.NoError(t, err)
	assert.Equal(t, "- [2025-03-01T12:00:00Z] (b) flaky network test", issues)

	conv, err := log.Read(ctx, Conventions)
	require.NoError(t, err)
	assert.Empty(t, conv)
}

func TestAppendMissingSection(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "MEMORY.md", []byte("# Notes\n\n## Architecture\n- old\n")))

	log := newTestLog(t, store, "MEMORY.md", nil)
	require.NoError(t, log.Append(ctx, Issues, "w", "disk full"))

	raw, err := store.Get(ctx, "MEMORY.md")
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n\n## Architecture\n- old\n\n## Issues\n- [2025-03-01T12:00:00Z] (w) disk full\n", string(raw))
}

func TestAppendRejectsBadInput(t *testing.T) {
	log := newTestLog(t, storage.NewMemoryStore(), "MEMORY.md", nil)
	ctx := context.Background()

	assert.ErrorIs(t, log.Append(ctx, "gossip", "a", "x"), ErrUnknownCategory)
	assert.Error(t, log.Append(ctx, Knowledge, "a", "   "))
}

func TestAppendFlattensMultiline(t *testing.T) {
	log := newTestLog(t, storage.NewMemoryStore(), "MEMORY.md", nil)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, Knowledge, "", "line one\nline two"))
	entries, err := log.Entries(ctx, Knowledge)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "line one line two", entries[0].Text)
	assert.Equal(t, "unknown", entries[0].Agent)
	assert.True(t, entries[0].Time.Equal(fixedNow()))
}

func TestAppendPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4, events.MemoryUpdated)
	defer cancel()

	log := newTestLog(t, storage.NewMemoryStore(), "MEMORY.md", bus)
	require.NoError(t, log.Append(context.Background(), Conventions, "w1", "gofmt everything"))

	evt := <-ch
	assert.Equal(t, "w1", evt.AgentID)
	assert.Equal(t, "conventions", evt.Data["category"])
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewFileStore(dir)
	path := filepath.Join(dir, FileName)
	log := newTestLog(t, store, path, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, log.Append(ctx, Knowledge, fmt.Sprintf("w%d", i), fmt.Sprintf("fact %d", i)))
		}(i)
	}
	wg.Wait()

	entries, err := log.Entries(ctx, Knowledge)
	require.NoError(t, err)
	assert.Len(t, entries, 20)

	_, err = os.Stat(path + filelock.Suffix)
	assert.True(t, os.IsNotExist(err))
}

func TestReadMissingLog(t *testing.T) {
	log := newTestLog(t, storage.NewMemoryStore(), "MEMORY.md", nil)

	doc, err := log.Read(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Template(), doc)

	entries, err := log.Entries(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
