package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileAttr(t *testing.T) {
	now := time.Unix(1349696964, 0)

	t.Run("keeps remote permission bits", func(t *testing.T) {
		a := FileAttr(0644, 1025, now, now, now)
		assert.Equal(t, ModeRegular|0644, a.Mode)
		assert.Equal(t, int64(1025), a.Size)
		assert.Equal(t, int64(3), a.Blocks)
		assert.Equal(t, uint32(1), a.Nlink)
		assert.False(t, a.IsDir())
	})

	t.Run("falls back to default mode", func(t *testing.T) {
		a := FileAttr(0, 0, now, now, now)
		assert.Equal(t, ModeRegular|DefaultFileMode, a.Mode)
		assert.Equal(t, int64(1), a.Blocks)
	})
}

func TestDirAttr(t *testing.T) {
	now := time.Now()
	a := DirAttr(now, now, now)

	assert.True(t, a.IsDir())
	assert.Equal(t, int64(DirSize), a.Size)
	assert.Equal(t, uint32(2), a.Nlink)
}

func TestAttrFromStat(t *testing.T) {
	now := time.Now()

	dir := AttrFromStat(&ObjectStat{Type: ObjCollection, ModifyTime: now})
	assert.True(t, dir.IsDir())

	file := AttrFromStat(&ObjectStat{Type: ObjDataObject, Size: 10, Mode: 0600, ModifyTime: now})
	assert.False(t, file.IsDir())
	assert.Equal(t, int64(10), file.Size)
	assert.Equal(t, now, file.Mtime)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "rods@localhost:1247#tempZone",
		Endpoint{Host: "localhost", Port: 1247, User: "rods", Zone: "tempZone"}.String())
	assert.Equal(t, "collection", ObjCollection.String())
	assert.Equal(t, "a = 'b'", Condition{Attr: "a", Op: "=", Value: "b"}.String())
}
