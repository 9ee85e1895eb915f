package query

import (
	"context"
	"sort"
	"strings"

	"github.com/objectfs/iquestfs/pkg/types"
)

// Executor runs fn against a remote session, reconnecting on transport errors.
// *pool.Pool satisfies it through With.
type Executor interface {
	With(ctx context.Context, fn func(ctx context.Context, s types.Session) error) error
}

// Runner executes the catalog queries behind query paths. Base conditions are
// prepended to every query.
type Runner struct {
	exec Executor
	base []types.Condition
}

// NewRunner creates a Runner.
func NewRunner(exec Executor, base []types.Condition) *Runner {
	return &Runner{exec: exec, base: base}
}

func (r *Runner) conditions(p Parsed) []types.Condition {
	out := make([]types.Condition, 0, len(r.base)+len(p.Conditions))
	out = append(out, r.base...)
	return append(out, p.Conditions...)
}

// run collects every page of q.
func (r *Runner) run(ctx context.Context, q types.Query) ([]string, error) {
	var rows []string
	err := r.exec.With(ctx, func(ctx context.Context, s types.Session) error {
		rows = rows[:0]
		q.Continuation = 0
		for {
			res, err := s.Query(ctx, q)
			if err != nil {
				return err
			}
			rows = append(rows, res.Rows...)
			if res.Continuation <= 0 {
				return nil
			}
			q.Continuation = res.Continuation
		}
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// AttrNames lists the attribute names present on objects matching p.
func (r *Runner) AttrNames(ctx context.Context, p Parsed) ([]string, error) {
	return r.run(ctx, types.Query{
		Target:     types.QueryAttrNames,
		Where:      r.conditions(p),
		Collection: p.Collection,
		Zone:       p.Zone,
	})
}

// Values lists the distinct values of attr on objects matching p.
func (r *Runner) Values(ctx context.Context, p Parsed, attr string) ([]string, error) {
	return r.run(ctx, types.Query{
		Target:     types.QueryAttrValues,
		Attr:       attr,
		Where:      r.conditions(p),
		Collection: p.Collection,
		Zone:       p.Zone,
	})
}

// Objects lists the catalog paths of data objects matching p.
func (r *Runner) Objects(ctx context.Context, p Parsed) ([]string, error) {
	return r.run(ctx, types.Query{
		Target:     types.QueryObjects,
		Where:      r.conditions(p),
		Collection: p.Collection,
		Zone:       p.Zone,
	})
}

// AttrExists reports whether attr occurs on any object matching p.
func (r *Runner) AttrExists(ctx context.Context, p Parsed, attr string) (bool, error) {
	names, err := r.AttrNames(ctx, p)
	if err != nil {
		return false, err
	}
	return contains(names, attr), nil
}

// RelativeName returns objPath relative to collection, or "" when it lies outside.
func RelativeName(collection, objPath string) string {
	prefix := strings.TrimSuffix(collection, "/") + "/"
	if !strings.HasPrefix(objPath, prefix) {
		return ""
	}
	return strings.TrimPrefix(objPath, prefix)
}

func contains(sorted []string, s string) bool {
	if sort.StringsAreSorted(sorted) {
		i := sort.SearchStrings(sorted, s)
		return i < len(sorted) && sorted[i] == s
	}
	for _, v := range sorted {
		if v == s {
			return true
		}
	}
	return false
}
