package types

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"
)

// Endpoint addresses a remote catalog for one user.
type Endpoint struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	User string `yaml:"user" json:"user"`
	Zone string `yaml:"zone" json:"zone"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d#%s", e.User, e.Host, e.Port, e.Zone)
}

// ObjType distinguishes collections from data objects.
type ObjType int

const (
	ObjUnknown ObjType = iota
	ObjDataObject
	ObjCollection
)

func (t ObjType) String() string {
	switch t {
	case ObjDataObject:
		return "data_object"
	case ObjCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// ObjectStat is the remote view of a path.
type ObjectStat struct {
	Path       string
	Type       ObjType
	Size       int64
	Mode       uint32
	Owner      string
	CreateTime time.Time
	ModifyTime time.Time
}

// CollEntry is one child of a collection. Name is the last path component.
type CollEntry struct {
	Name       string
	Type       ObjType
	Size       int64
	Mode       uint32
	CreateTime time.Time
	ModifyTime time.Time
}

// QueryTarget selects what a Query returns.
type QueryTarget int

const (
	// QueryAttrNames returns distinct attribute names.
	QueryAttrNames QueryTarget = iota
	// QueryAttrValues returns distinct values of Query.Attr.
	QueryAttrValues
	// QueryObjects returns the paths of matching data objects.
	QueryObjects
)

// Condition is one attribute constraint of a query.
type Condition struct {
	Attr  string
	Op    string
	Value string
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s '%s'", c.Attr, c.Op, c.Value)
}

// Query is a metadata search scoped to the data objects under Collection.
type Query struct {
	Target     QueryTarget
	Attr       string
	Where      []Condition
	Collection string

	// Zone routes the query; derived from the first component of Collection.
	Zone string

	// Continuation resumes a paged query; 0 starts from the beginning.
	Continuation int
}

// QueryResult is one page of single-column rows. Continuation is 0 on the last page.
type QueryResult struct {
	Rows         []string
	Continuation int
}

// File type bits used in Attr.Mode.
const (
	ModeTypeMask uint32 = 0170000
	ModeDir      uint32 = 0040000
	ModeRegular  uint32 = 0100000

	DefaultFileMode uint32 = 0660
	DefaultDirMode  uint32 = 0770

	BlockSize = 512
	DirSize   = 4096
)

// Attr holds synthesized POSIX attributes. Ino is random: the remote side has no
// stable local inode concept.
type Attr struct {
	Ino     uint64
	Mode    uint32
	Size    int64
	Blocks  int64
	Blksize uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a *Attr) IsDir() bool {
	return a.Mode&ModeTypeMask == ModeDir
}

// FileAttr synthesizes regular-file attributes. Remote modes without owner bits fall back
// to DefaultFileMode.
func FileAttr(mode uint32, size int64, ctime, mtime, atime time.Time) Attr {
	perm := mode &^ ModeTypeMask
	if perm < 0100 {
		perm = DefaultFileMode
	}
	return Attr{
		Ino:     rand.Uint64(),
		Mode:    ModeRegular | perm,
		Size:    size,
		Blocks:  size/BlockSize + 1,
		Blksize: BlockSize,
		Nlink:   1,
		Uid:     currentUID(),
		Gid:     currentGID(),
		Atime:   atime,
		Mtime:   mtime,
		Ctime:   ctime,
	}
}

// DirAttr synthesizes directory attributes.
func DirAttr(ctime, mtime, atime time.Time) Attr {
	return Attr{
		Ino:     rand.Uint64(),
		Mode:    ModeDir | DefaultDirMode,
		Size:    DirSize,
		Blksize: BlockSize,
		Nlink:   2,
		Uid:     currentUID(),
		Gid:     currentGID(),
		Atime:   atime,
		Mtime:   mtime,
		Ctime:   ctime,
	}
}

// AttrFromStat converts a remote stat.
func AttrFromStat(st *ObjectStat) Attr {
	if st.Type == ObjCollection {
		return DirAttr(st.CreateTime, st.ModifyTime, st.ModifyTime)
	}
	return FileAttr(st.Mode, st.Size, st.CreateTime, st.ModifyTime, st.ModifyTime)
}

// AttrFromEntry converts a collection listing entry.
func AttrFromEntry(e CollEntry) Attr {
	if e.Type == ObjCollection {
		return DirAttr(e.CreateTime, e.ModifyTime, e.ModifyTime)
	}
	return FileAttr(e.Mode, e.Size, e.CreateTime, e.ModifyTime, e.ModifyTime)
}

func currentUID() uint32 {
	if uid := os.Getuid(); uid >= 0 {
		return uint32(uid)
	}
	return 0
}

func currentGID() uint32 {
	if gid := os.Getgid(); gid >= 0 {
		return uint32(gid)
	}
	return 0
}

// Stage describes how an open file or cached path uses a local staging file.
type Stage int

const (
	// StageNone forwards I/O to the remote object.
	StageNone Stage = iota
	// StageRead serves reads from a local copy of a small object.
	StageRead
	// StageWrite buffers a newly created object locally until it is committed.
	StageWrite
)

func (s Stage) String() string {
	switch s {
	case StageRead:
		return "read_stage"
	case StageWrite:
		return "write_stage"
	default:
		return "no_cache"
	}
}
