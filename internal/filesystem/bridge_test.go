package filesystem

import (
	"context"
	"os"
	"sort"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/iquestfs/internal/cache"
	"github.com/objectfs/iquestfs/internal/storage/memory"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

func newTestBridge(t *testing.T, cat *memory.Catalog, cfg Config) *Bridge {
	t.Helper()
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	b, err := New(cat.Dialer(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func names(entries []DirEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	sort.Strings(out)
	return out
}

func seedCatalog() *memory.Catalog {
	cat := memory.NewCatalog()
	cat.PutObject("/zone/home/a.txt", []byte("hello"), 0640)
	cat.PutObject("/zone/home/c.txt", []byte("gemini data"), 0640)
	cat.PutObject("/zone/home/sub/b.txt", []byte("nested"), 0640)
	cat.AddMeta("/zone/home/a.txt", "project", "apollo")
	cat.AddMeta("/zone/home/sub/b.txt", "project", "apollo")
	cat.AddMeta("/zone/home/c.txt", "project", "gemini")
	return cat
}

func TestGetAttrCachesPositiveAndNegative(t *testing.T) {
	ctx := context.Background()
	cat := seedCatalog()
	b := newTestBridge(t, cat, Config{})

	attr, err := b.GetAttr(ctx, "/zone/home/a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), attr.Size)
	assert.False(t, attr.IsDir())

	again, err := b.GetAttr(ctx, "/zone/home/a.txt")
	require.NoError(t, err)
	assert.Equal(t, attr.Ino, again.Ino)
	assert.Equal(t, 1, cat.Calls(memory.OpStat))

	dir, err := b.GetAttr(ctx, "/zone/home")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())

	_, err = b.GetAttr(ctx, "/zone/home/missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = b.GetAttr(ctx, "/zone/home/missing")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 3, cat.Calls(memory.OpStat))
	assert.Equal(t, 1, b.Cache().Len(cache.Negative))
}

func TestGetAttrQueryPaths(t *testing.T) {
	ctx := context.Background()
	cat := seedCatalog()
	b := newTestBridge(t, cat, Config{})

	attr, err := b.GetAttr(ctx, "/zone/home/Q")
	require.NoError(t, err)
	assert.True(t, attr.IsDir())

	attr, err = b.GetAttr(ctx, "/zone/home/Q/project")
	require.NoError(t, err)
	assert.True(t, attr.IsDir())

	_, err = b.GetAttr(ctx, "/zone/home/Q/color")
	assert.True(t, errors.IsNotFound(err))

	attr, err = b.GetAttr(ctx, "/zone/home/Q/project/apollo")
	require.NoError(t, err)
	assert.True(t, attr.IsDir())

	_, err = b.GetAttr(ctx, "/zone/home/Q/project/mercury")
	assert.True(t, errors.IsNotFound(err))

	attr, err = b.GetAttr(ctx, `/zone/home/Q/project/apollo/sub\b.txt`)
	require.NoError(t, err)
	assert.Equal(t, int64(6), attr.Size)

	_, err = b.GetAttr(ctx, "/zone/../etc")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidPath))
}

func TestReadDirModes(t *testing.T) {
	ctx := context.Background()
	cat := seedCatalog()
	b := newTestBridge(t, cat, Config{})

	entries, err := b.ReadDir(ctx, "/zone/home")
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "a.txt", "c.txt", "sub"}, names(entries))

	// Listing seeds the cache, so the follow-up stat is free.
	_, err = b.GetAttr(ctx, "/zone/home/c.txt")
	require.NoError(t, err)
	assert.Equal(t, 0, cat.Calls(memory.OpStat))

	entries, err = b.ReadDir(ctx, "/zone/home/Q")
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "project"}, names(entries))

	entries, err = b.ReadDir(ctx, "/zone/home/Q/project")
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "apollo", "gemini"}, names(entries))

	entries, err = b.ReadDir(ctx, "/zone/home/Q/project/apollo")
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", "a.txt", `sub\b.txt`}, names(entries))

	_, err = b.ReadDir(ctx, "/zone/home/Q/project/apollo/a.txt")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotDirectory))
}

func TestReadDirShowsIndicator(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, seedCatalog(), Config{ShowIndicator: true})

	entries, err := b.ReadDir(ctx, "/zone/home")
	require.NoError(t, err)
	assert.Contains(t, names(entries), "Q")

	entries, err = b.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.NotContains(t, names(entries), "Q")
}

func TestReadStageServesSmallObjects(t *testing.T) {
	ctx := context.Background()
	cat := seedCatalog()
	b := newTestBridge(t, cat, Config{})

	fd, err := b.Open(ctx, "/zone/home/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := b.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = b.Write(ctx, fd, []byte("x"), 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBadDescriptor))
	require.NoError(t, b.Release(ctx, fd))

	fd, err = b.Open(ctx, "/zone/home/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	n, err = b.Read(ctx, fd, buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "ello", string(buf[:n]))
	require.NoError(t, b.Release(ctx, fd))

	assert.Equal(t, 1, cat.Calls(memory.OpGet))
	assert.Equal(t, 0, cat.Calls(memory.OpOpen))

	_, err = b.Read(ctx, fd, buf, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeBadDescriptor))
}

func TestQueryResultOpensObject(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, seedCatalog(), Config{})

	fd, err := b.Open(ctx, `/zone/home/Q/project/apollo/sub\b.txt`, os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := b.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(buf[:n]))
	require.NoError(t, b.Release(ctx, fd))

	_, err = b.Open(ctx, "/zone/home/Q/project/apollo", os.O_RDONLY)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIsDirectory))

	err = b.Mkdir(ctx, "/zone/home/Q/project/new", 0750)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotSupported))
}

func TestRemoteReadWrite(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.PutObject("/zone/big.bin", []byte("hello world"), 0640)
	b := newTestBridge(t, cat, Config{ReadStageMax: 4})

	fd, err := b.Open(ctx, "/zone/big.bin", os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 5)
	n, err := b.Read(ctx, fd, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	// Sequential reads do not seek again.
	n, err = b.Read(ctx, fd, buf, 11)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, cat.Calls(memory.OpSeek))
	require.NoError(t, b.Release(ctx, fd))
	assert.Equal(t, 0, b.table.InUse())

	fd, err = b.Open(ctx, "/zone/big.bin", os.O_RDWR)
	require.NoError(t, err)
	n, err = b.Write(ctx, fd, []byte("HELLO"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, b.Flush(ctx, fd))
	require.NoError(t, b.Release(ctx, fd))

	data, ok := cat.Object("/zone/big.bin")
	require.True(t, ok)
	assert.Equal(t, "HELLO world", string(data))
	assert.Equal(t, 0, cat.Calls(memory.OpGet))
	assert.Equal(t, 2, cat.Calls(memory.OpClose))
}

func TestRemoteHandleSurvivesReconnect(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.PutObject("/zone/big.bin", []byte("0123456789"), 0640)
	b := newTestBridge(t, cat, Config{ReadStageMax: 1})

	fd, err := b.Open(ctx, "/zone/big.bin", os.O_RDONLY)
	require.NoError(t, err)

	cat.FailNext(memory.OpRead, 1)
	buf := make([]byte, 4)
	n, err := b.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(buf[:n]))
	assert.Equal(t, 2, cat.Connects())
	assert.Equal(t, 2, cat.Calls(memory.OpOpen))

	n, err = b.Read(ctx, fd, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "4567", string(buf[:n]))
	require.NoError(t, b.Release(ctx, fd))
}

func TestReleaseAfterSessionReplaced(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.PutObject("/zone/big.bin", []byte("hello world"), 0640)
	b := newTestBridge(t, cat, Config{ReadStageMax: 4})

	replaceSession := func(fd FD) {
		s, err := b.table.Lock(int(fd))
		require.NoError(t, err)
		conn := b.table.Conn(s)
		b.table.Unlock(s)

		b.pool.Use(conn)
		require.NoError(t, b.pool.Reconnect(ctx, conn))
		b.pool.Unuse(conn)
	}

	t.Run("written", func(t *testing.T) {
		fd, err := b.Open(ctx, "/zone/big.bin", os.O_RDWR)
		require.NoError(t, err)
		_, err = b.Write(ctx, fd, []byte("HELLO"), 0)
		require.NoError(t, err)

		replaceSession(fd)
		err = b.Release(ctx, fd)
		require.Error(t, err)
		assert.Equal(t, syscall.EIO, errors.Errno(err))
		assert.Equal(t, 0, b.table.InUse())
	})

	t.Run("read only", func(t *testing.T) {
		fd, err := b.Open(ctx, "/zone/big.bin", os.O_RDONLY)
		require.NoError(t, err)

		replaceSession(fd)
		assert.NoError(t, b.Release(ctx, fd))
		assert.Equal(t, 0, b.table.InUse())
	})
}

func TestCreateWriteReleaseCommits(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone/home")
	b := newTestBridge(t, cat, Config{})

	fd, err := b.Create(ctx, "/zone/home/new.txt", os.O_WRONLY|os.O_CREATE, 0640)
	require.NoError(t, err)
	n, err := b.Write(ctx, fd, []byte("data"), 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	attr, err := b.GetAttr(ctx, "/zone/home/new.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(4), attr.Size)
	assert.Equal(t, 0, cat.Calls(memory.OpCreate))
	_, exists := cat.Object("/zone/home/new.txt")
	assert.False(t, exists)

	require.NoError(t, b.Release(ctx, fd))
	data, ok := cat.Object("/zone/home/new.txt")
	require.True(t, ok)
	assert.Equal(t, "data", string(data))
	mode, _ := cat.ObjectMode("/zone/home/new.txt")
	assert.Equal(t, uint32(0640), mode)
	assert.Equal(t, 1, cat.Calls(memory.OpPut))

	// The committed staging file now serves reads.
	fd, err = b.Open(ctx, "/zone/home/new.txt", os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err = b.Read(ctx, fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]))
	require.NoError(t, b.Release(ctx, fd))
	assert.Equal(t, 0, cat.Calls(memory.OpGet))
	assert.Equal(t, 1, cat.Calls(memory.OpStat))
}

func TestMknodThenExistingFails(t *testing.T) {
	ctx := context.Background()
	cat := seedCatalog()
	b := newTestBridge(t, cat, Config{})

	err := b.Mknod(ctx, "/zone/home/a.txt", 0640)
	assert.True(t, errors.HasCode(err, errors.ErrCodeExists))
}

func TestWriteStageSpillsOnce(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone")
	b := newTestBridge(t, cat, Config{WriteStageMax: 8})

	fd, err := b.Create(ctx, "/zone/log.txt", os.O_WRONLY|os.O_CREATE, 0600)
	require.NoError(t, err)
	for i, chunk := range []string{"abcde", "fghij", "klm", "nop"} {
		_, err := b.Write(ctx, fd, []byte(chunk), int64(i*5-(i/3)*2))
		require.NoError(t, err)
	}
	require.NoError(t, b.Release(ctx, fd))

	data, ok := cat.Object("/zone/log.txt")
	require.True(t, ok)
	assert.Equal(t, "abcdefghijklmnop", string(data))
	assert.Equal(t, 1, cat.Calls(memory.OpCreate))
	assert.Equal(t, 0, cat.Calls(memory.OpPut))
	assert.Equal(t, 0, b.table.InUse())
	assert.Equal(t, 1, b.Pool().Stats().Free)
}

func TestRenameStagedFile(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone")
	b := newTestBridge(t, cat, Config{})

	fd, err := b.Create(ctx, "/zone/a.txt", os.O_WRONLY|os.O_CREATE, 0640)
	require.NoError(t, err)
	_, err = b.Write(ctx, fd, []byte("x"), 0)
	require.NoError(t, err)

	before, ok := b.Cache().Lookup(cache.Positive, "/zone/a.txt")
	require.True(t, ok)

	require.NoError(t, b.Rename(ctx, "/zone/a.txt", "/zone/b.txt"))
	assert.Equal(t, 0, cat.Calls(memory.OpRename))

	after, ok := b.Cache().Lookup(cache.Positive, "/zone/b.txt")
	require.True(t, ok)
	assert.Equal(t, before.StagePath, after.StagePath)
	assert.Equal(t, types.StageWrite, after.Stage)
	_, ok = b.Cache().Lookup(cache.Positive, "/zone/a.txt")
	assert.False(t, ok)
	assert.Equal(t, []int{int(fd)}, b.table.FindByPath("/zone/b.txt"))

	require.NoError(t, b.Release(ctx, fd))
	data, ok := cat.Object("/zone/b.txt")
	require.True(t, ok)
	assert.Equal(t, "x", string(data))
	_, ok = cat.Object("/zone/a.txt")
	assert.False(t, ok)
}

func TestNewlyCreatedRegistryFollowsRename(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone")
	b := newTestBridge(t, cat, Config{})

	require.NoError(t, b.Mknod(ctx, "/zone/a.txt", 0640))
	require.NoError(t, b.Rename(ctx, "/zone/a.txt", "/zone/b.txt"))
	assert.Equal(t, 1, b.table.InUse())

	fd, err := b.Open(ctx, "/zone/b.txt", os.O_WRONLY)
	require.NoError(t, err)
	assert.Equal(t, 1, b.table.InUse())
	_, err = b.Write(ctx, fd, []byte("renamed"), 0)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, fd))

	data, ok := cat.Object("/zone/b.txt")
	require.True(t, ok)
	assert.Equal(t, "renamed", string(data))
	assert.Zero(t, b.registry.Len())
}

func TestRegistryDisplacesOldest(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone")
	b := newTestBridge(t, cat, Config{RegistrySlots: 2})

	for _, name := range []string{"/zone/1", "/zone/2", "/zone/3"} {
		require.NoError(t, b.Mknod(ctx, name, 0640))
	}
	_, ok := cat.Object("/zone/1")
	assert.True(t, ok)
	_, ok = cat.Object("/zone/3")
	assert.False(t, ok)
	assert.Equal(t, 2, b.table.InUse())

	require.NoError(t, b.Close(ctx))
	_, ok = cat.Object("/zone/3")
	assert.True(t, ok)
}

func TestOpenReadOnlyCommitsNewlyCreated(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone")
	b := newTestBridge(t, cat, Config{})

	require.NoError(t, b.Mknod(ctx, "/zone/empty", 0640))
	fd, err := b.Open(ctx, "/zone/empty", os.O_RDONLY)
	require.NoError(t, err)
	n, err := b.Read(ctx, fd, make([]byte, 4), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, b.Release(ctx, fd))

	_, ok := cat.Object("/zone/empty")
	assert.True(t, ok)
	assert.Equal(t, 0, b.table.InUse())
}

func TestRenameRemote(t *testing.T) {
	ctx := context.Background()
	cat := seedCatalog()
	b := newTestBridge(t, cat, Config{})

	_, err := b.GetAttr(ctx, "/zone/home/a.txt")
	require.NoError(t, err)
	require.NoError(t, b.Rename(ctx, "/zone/home/a.txt", "/zone/home/z.txt"))

	_, ok := cat.Object("/zone/home/z.txt")
	assert.True(t, ok)
	_, err = b.GetAttr(ctx, "/zone/home/a.txt")
	assert.True(t, errors.IsNotFound(err))
	_, err = b.GetAttr(ctx, "/zone/home/z.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, cat.Calls(memory.OpStat))

	// Onto an existing object.
	require.NoError(t, b.Rename(ctx, "/zone/home/z.txt", "/zone/home/c.txt"))
	data, _ := cat.Object("/zone/home/c.txt")
	assert.Equal(t, "hello", string(data))

	// Whole collections.
	require.NoError(t, b.Rename(ctx, "/zone/home/sub", "/zone/home/moved"))
	assert.True(t, cat.HasCollection("/zone/home/moved"))
	_, err = b.GetAttr(ctx, "/zone/home/moved/b.txt")
	require.NoError(t, err)
}

func TestNamespaceOperations(t *testing.T) {
	ctx := context.Background()
	cat := seedCatalog()
	b := newTestBridge(t, cat, Config{})

	require.NoError(t, b.Mkdir(ctx, "/zone/home/new", 0750))
	assert.True(t, cat.HasCollection("/zone/home/new"))
	attr, err := b.GetAttr(ctx, "/zone/home/new")
	require.NoError(t, err)
	assert.True(t, attr.IsDir())
	assert.Equal(t, 0, cat.Calls(memory.OpStat))

	require.NoError(t, b.Rmdir(ctx, "/zone/home/new"))
	_, err = b.GetAttr(ctx, "/zone/home/new")
	assert.True(t, errors.IsNotFound(err))

	err = b.Rmdir(ctx, "/zone/home/sub")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotEmpty))

	require.NoError(t, b.Unlink(ctx, "/zone/home/a.txt"))
	_, ok := cat.Object("/zone/home/a.txt")
	assert.False(t, ok)
	_, err = b.GetAttr(ctx, "/zone/home/a.txt")
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, 0, cat.Calls(memory.OpStat))

	require.NoError(t, b.Truncate(ctx, "/zone/home/c.txt", 3))
	data, _ := cat.Object("/zone/home/c.txt")
	assert.Equal(t, "gem", string(data))

	assert.NoError(t, b.Symlink(ctx, "/zone/home/c.txt", "/zone/home/link"))
	assert.NoError(t, b.Link(ctx, "/zone/home/c.txt", "/zone/home/hard"))

	st, err := b.Statfs(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, uint64(2000000000), st.Blocks)
}

func TestUnlinkDiscardsUncommittedFile(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone")
	stage := t.TempDir()
	b := newTestBridge(t, cat, Config{StagingDir: stage})

	require.NoError(t, b.Mknod(ctx, "/zone/tmp", 0640))
	require.NoError(t, b.Unlink(ctx, "/zone/tmp"))
	assert.Equal(t, 0, b.table.InUse())
	assert.Equal(t, 0, cat.Calls(memory.OpPut))

	left, err := os.ReadDir(stage)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestTruncateStagedFile(t *testing.T) {
	ctx := context.Background()
	cat := memory.NewCatalog()
	cat.MkdirAll("/zone")
	b := newTestBridge(t, cat, Config{})

	fd, err := b.Create(ctx, "/zone/t.txt", os.O_WRONLY|os.O_CREATE, 0640)
	require.NoError(t, err)
	_, err = b.Write(ctx, fd, []byte("abcdef"), 0)
	require.NoError(t, err)
	require.NoError(t, b.Truncate(ctx, "/zone/t.txt", 2))
	assert.Equal(t, 0, cat.Calls(memory.OpTruncate))
	require.NoError(t, b.Release(ctx, fd))

	data, _ := cat.Object("/zone/t.txt")
	assert.Equal(t, "ab", string(data))
}

func TestDescriptorExhaustion(t *testing.T) {
	ctx := context.Background()
	b := newTestBridge(t, seedCatalog(), Config{MaxDescriptors: 5})

	fd1, err := b.Open(ctx, "/zone/home/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	_, err = b.Open(ctx, "/zone/home/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	_, err = b.Open(ctx, "/zone/home/a.txt", os.O_RDONLY)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOutOfDescriptors))

	require.NoError(t, b.Release(ctx, fd1))
	fd, err := b.Open(ctx, "/zone/home/a.txt", os.O_RDONLY)
	require.NoError(t, err)
	assert.Equal(t, fd1, fd)
}
