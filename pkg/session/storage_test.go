package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Storage

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Storage {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Storage {
			fs, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
			require.NoError(t, err)
			return fs
		},
		"sqlite": func(t *testing.T) Storage {
			st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			return st
		},
	}
}

func TestStorageContract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("save and load", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				s := setupTestSession(t, "s-1")
				require.NoError(t, store.Save(ctx, s))

				loaded, err := store.Load(ctx, "s-1")
				require.NoError(t, err)
				assert.Equal(t, s.Items(), loaded.Items())
				assert.Equal(t, s.Stats(), loaded.Stats())
				assert.Equal(t, s.MetadataSnapshot(), loaded.MetadataSnapshot())

				loaded.AddItems(NewUserMessage("local only"))
				again, err := store.Load(ctx, "s-1")
				require.NoError(t, err)
				assert.Equal(t, s.Len(), again.Len())
			})

			t.Run("overwrite", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				s := setupTestSession(t, "s-1")
				require.NoError(t, store.Save(ctx, s))
				s.AddItems(NewUserMessage("more"))
				require.NoError(t, store.Save(ctx, s))

				loaded, err := store.Load(ctx, "s-1")
				require.NoError(t, err)
				assert.Equal(t, s.Len(), loaded.Len())

				all, err := store.ListAll(ctx)
				require.NoError(t, err)
				assert.Len(t, all, 1)
			})

			t.Run("missing", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				_, err := store.Load(ctx, "ghost")
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, store.Delete(ctx, "ghost"), ErrNotFound)
			})

			t.Run("delete", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				require.NoError(t, store.Save(ctx, New("gone")))
				require.NoError(t, store.Delete(ctx, "gone"))
				_, err := store.Load(ctx, "gone")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("rejects unsafe id", func(t *testing.T) {
				store := factory(t)
				defer store.Close()

				assert.Error(t, store.Save(context.Background(), New("../escape")))
			})

			t.Run("lineage", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				root := setupTestSession(t, "root")
				require.NoError(t, store.Save(ctx, root))

				time.Sleep(2 * time.Millisecond)
				a, err := root.Fork("fork-a", 2)
				require.NoError(t, err)
				require.NoError(t, store.Save(ctx, a))

				time.Sleep(2 * time.Millisecond)
				b, err := a.Fork("fork-b", 1)
				require.NoError(t, err)
				require.NoError(t, store.Save(ctx, b))

				children, err := store.GetChildren(ctx, "root")
				require.NoError(t, err)
				require.Len(t, children, 1)
				assert.Equal(t, "fork-a", children[0].ID)
				assert.Equal(t, 2, children[0].ForkIndex)

				trees, err := store.GetSessionTree(ctx, "")
				require.NoError(t, err)
				require.Len(t, trees, 1)
				assert.Equal(t, 3, trees[0].Size())
				assert.Equal(t, []string{"web", "demo"}, trees[0].Summary.Tags)

				sub, err := store.GetSessionTree(ctx, "fork-a")
				require.NoError(t, err)
				require.Len(t, sub, 1)
				assert.Equal(t, "fork-b", sub[0].Children[0].Summary.ID)
			})

			t.Run("concurrent saves", func(t *testing.T) {
				store := factory(t)
				defer store.Close()
				ctx := context.Background()

				s := setupTestSession(t, "busy")
				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, store.Save(ctx, s))
					}()
				}
				wg.Wait()

				loaded, err := store.Load(ctx, "busy")
				require.NoError(t, err)
				assert.Equal(t, s.Len(), loaded.Len())
			})
		})
	}
}

func TestFileStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.Save(ctx, New("good")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0600))

	all, err := fs.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)

	_, err = fs.Load(ctx, "bad")
	assert.Error(t, err)
}

func TestSQLiteStoreIdleSince(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "idle.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	old := New("old")
	old.stats.LastActiveAt = time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, st.Save(ctx, old))
	require.NoError(t, st.Save(ctx, New("fresh")))

	ids, err := st.IdleSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}
