package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/iquestfs/internal/pool"
	"github.com/objectfs/iquestfs/internal/storage/memory"
	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

func TestParseRoundTrip(t *testing.T) {
	p := NewParser("Q", '\\', "/")

	parsed := p.Parse("/tempZone/home/Q/project/apollo/docs/report.txt")
	assert.LessOrEqual(t, int(parsed.Mode), 0)
	assert.Equal(t, ModeComplete, parsed.Mode)
	assert.Equal(t, "/tempZone/home", parsed.Collection)
	assert.Equal(t, "tempZone", parsed.Zone)
	require.Len(t, parsed.Conditions, 1)
	assert.Equal(t, types.Condition{Attr: "project", Op: "=", Value: "apollo"}, parsed.Conditions[0])
	assert.Equal(t, "docs/report.txt", parsed.PostPath)
	assert.Empty(t, parsed.PendingAttr)

	truncated := p.Parse("/tempZone/home/Q/project")
	assert.Equal(t, ModeValues, truncated.Mode)
	assert.Equal(t, "project", truncated.PendingAttr)
	assert.Empty(t, truncated.Conditions)
}

func TestParseModes(t *testing.T) {
	p := NewParser("Q", '\\', "/")

	tests := []struct {
		name       string
		path       string
		mode       Mode
		collection string
		conds      int
		pending    string
		post       string
	}{
		{"root", "/", ModeNone, "/", 0, "", ""},
		{"plain collection", "/zone/home/alice", ModeNone, "/zone/home/alice", 0, "", ""},
		{"indicator only", "/zone/Q", ModeAttrs, "/zone", 0, "", ""},
		{"trailing slash", "/zone/Q/", ModeAttrs, "/zone", 0, "", ""},
		{"attribute", "/zone/Q/color", ModeValues, "/zone", 0, "color", ""},
		{"complete", "/zone/Q/color/red", ModeComplete, "/zone", 1, "", ""},
		{"second indicator", "/zone/Q/color/red/Q", ModeAttrs, "/zone", 1, "", ""},
		{"two conditions", "/zone/Q/color/red/Q/size/L/f", ModeComplete, "/zone", 2, "", "f"},
		{"indicator prefix is a name", "/zone/Quarterly", ModeNone, "/zone/Quarterly", 0, "", ""},
		{"relative", "zone/Q", ModeMalformed, "", 0, "", ""},
		{"dotdot", "/zone/../etc", ModeMalformed, "", 0, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Parse(tt.path)
			assert.Equal(t, tt.mode, got.Mode)
			assert.Equal(t, tt.collection, got.Collection)
			assert.Len(t, got.Conditions, tt.conds)
			assert.Equal(t, tt.pending, got.PendingAttr)
			assert.Equal(t, tt.post, got.PostPath)
		})
	}
}

func TestParseSlashRemapAndCwd(t *testing.T) {
	p := NewParser("Q", '\\', "/tempZone/home")

	got := p.Parse(`/alice/Q/path/a\b/sub\obj`)
	assert.Equal(t, "/tempZone/home/alice", got.Collection)
	assert.Equal(t, "tempZone", got.Zone)
	require.Len(t, got.Conditions, 1)
	assert.Equal(t, "a/b", got.Conditions[0].Value)
	assert.Equal(t, "sub/obj", got.PostPath)
	assert.Equal(t, "/tempZone/home/alice/sub/obj", got.ObjectPath())

	assert.Equal(t, `x\y`, p.Encode("x/y"))
	assert.Equal(t, "x/y", p.Decode(p.Encode("x/y")))
	assert.Equal(t, "/tempZone/home/alice", p.Parse("/alice").Collection)
}

func TestParseBase(t *testing.T) {
	conds, err := ParseBase(" owner = alice ; project=apollo;")
	require.NoError(t, err)
	assert.Equal(t, []types.Condition{
		{Attr: "owner", Op: "=", Value: "alice"},
		{Attr: "project", Op: "=", Value: "apollo"},
	}, conds)

	conds, err = ParseBase("")
	require.NoError(t, err)
	assert.Empty(t, conds)

	_, err = ParseBase("novalue")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidQuery))
}

func TestZoneHintAndRelativeName(t *testing.T) {
	assert.Equal(t, "", ZoneHint("/"))
	assert.Equal(t, "tempZone", ZoneHint("/tempZone"))
	assert.Equal(t, "tempZone", ZoneHint("/tempZone/home"))

	assert.Equal(t, "a/b", RelativeName("/zone", "/zone/a/b"))
	assert.Equal(t, "a", RelativeName("/", "/a"))
	assert.Equal(t, "", RelativeName("/zone", "/other/a"))
}

func newRunner(t *testing.T, base []types.Condition) (*Runner, *memory.Catalog) {
	t.Helper()
	cat := memory.NewCatalog()
	cat.PutObject("/zone/p/a", nil, 0660)
	cat.PutObject("/zone/p/b", nil, 0660)
	cat.PutObject("/zone/q/c", nil, 0660)
	cat.AddMeta("/zone/p/a", "color", "red")
	cat.AddMeta("/zone/p/a", "owner", "alice")
	cat.AddMeta("/zone/p/b", "color", "blue")
	cat.AddMeta("/zone/q/c", "color", "red")
	cat.AddMeta("/zone/q/c", "owner", "bob")
	cat.PageSize = 1

	p := pool.New(cat.Dialer(), pool.Config{Endpoint: types.Endpoint{Host: "localhost", User: "rods", Zone: "zone"}})
	t.Cleanup(func() { _ = p.Close() })
	return NewRunner(p, base), cat
}

func TestRunnerListings(t *testing.T) {
	r, _ := newRunner(t, nil)
	parser := NewParser("Q", '\\', "/")
	ctx := context.Background()

	names, err := r.AttrNames(ctx, parser.Parse("/zone/Q"))
	require.NoError(t, err)
	assert.Equal(t, []string{"color", "owner"}, names)

	values, err := r.Values(ctx, parser.Parse("/zone/Q/color"), "color")
	require.NoError(t, err)
	assert.Equal(t, []string{"blue", "red"}, values)

	objs, err := r.Objects(ctx, parser.Parse("/zone/Q/color/red"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/zone/p/a", "/zone/q/c"}, objs)

	ok, err := r.AttrExists(ctx, parser.Parse("/zone/p/Q"), "owner")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.AttrExists(ctx, parser.Parse("/zone/p/Q"), "size")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunnerBaseConditions(t *testing.T) {
	base, err := ParseBase("owner=bob")
	require.NoError(t, err)
	r, _ := newRunner(t, base)
	parser := NewParser("Q", '\\', "/")

	objs, err := r.Objects(context.Background(), parser.Parse("/zone/Q/color/red"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/zone/q/c"}, objs)
}

func TestRunnerRetriesTransportFailure(t *testing.T) {
	r, cat := newRunner(t, nil)
	parser := NewParser("Q", '\\', "/")
	cat.FailNext(memory.OpQuery, 1)

	names, err := r.AttrNames(context.Background(), parser.Parse("/zone/Q"))
	require.NoError(t, err)
	assert.Equal(t, []string{"color", "owner"}, names)
	assert.Equal(t, 2, cat.Connects())
}
