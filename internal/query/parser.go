// Package query turns filesystem paths into catalog queries.
//
// A path such as
//
//	/tempZone/home/Q/project/apollo/report.txt
//
// is read left to right. Components before the indicator ("Q") name the collection the
// query is scoped to. The indicator starts a query: the next component is an attribute
// name and the one after it a value, producing the condition project = 'apollo'. What
// follows a completed condition is the post-query path, here the object report.txt
// among the query's results. Another indicator may start a further condition.
package query

import (
	"path"
	"strings"

	"github.com/objectfs/iquestfs/pkg/errors"
	"github.com/objectfs/iquestfs/pkg/types"
)

// Mode classifies how a parsed path ends.
type Mode int

const (
	// ModeMalformed marks a path that cannot be parsed.
	ModeMalformed Mode = -2
	// ModeNone marks a path without any query.
	ModeNone Mode = -1
	// ModeComplete marks a path whose conditions are all complete.
	ModeComplete Mode = 0
	// ModeValues marks a path ending in an attribute; its values are listed.
	ModeValues Mode = 1
	// ModeAttrs marks a path ending in the indicator; attribute names are listed.
	ModeAttrs Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeMalformed:
		return "malformed"
	case ModeNone:
		return "none"
	case ModeComplete:
		return "complete"
	case ModeValues:
		return "values"
	case ModeAttrs:
		return "attrs"
	default:
		return "unknown"
	}
}

// Pending reports whether the path ends in the middle of a query.
func (m Mode) Pending() bool { return m >= ModeValues }

// Parsed is the result of parsing one path. It lives only as long as the call that
// produced it.
type Parsed struct {
	Mode Mode

	// Collection is the absolute catalog collection the path is scoped to.
	Collection string
	// Zone is the first component of Collection, used to route queries.
	Zone string

	Conditions  []types.Condition
	PendingAttr string
	// PostPath is the slash-separated remainder after the last completed condition.
	PostPath string
}

// HasQuery reports whether at least one condition was completed.
func (p Parsed) HasQuery() bool { return len(p.Conditions) > 0 }

// ObjectPath returns the catalog path named by the post-query path.
func (p Parsed) ObjectPath() string {
	return path.Join(p.Collection, p.PostPath)
}

// Parser splits filesystem paths. It holds only configuration and is safe for
// concurrent use.
type Parser struct {
	indicator string
	remap     string
	cwd       string
}

// NewParser creates a parser. remap replaces "/" inside listed names; cwd anchors
// the collection path.
func NewParser(indicator string, remap rune, cwd string) *Parser {
	if cwd == "" {
		cwd = "/"
	}
	return &Parser{
		indicator: indicator,
		remap:     string(remap),
		cwd:       path.Clean("/" + cwd),
	}
}

// Indicator returns the configured query indicator.
func (p *Parser) Indicator() string { return p.indicator }

// Encode replaces "/" in a catalog name so it fits in one path component.
func (p *Parser) Encode(name string) string {
	if p.remap == "" || p.remap == "/" {
		return name
	}
	return strings.ReplaceAll(name, "/", p.remap)
}

// Decode reverses Encode.
func (p *Parser) Decode(component string) string {
	if p.remap == "" || p.remap == "/" {
		return component
	}
	return strings.ReplaceAll(component, p.remap, "/")
}

// Parse classifies fsPath.
func (p *Parser) Parse(fsPath string) Parsed {
	if !strings.HasPrefix(fsPath, "/") {
		return Parsed{Mode: ModeMalformed}
	}

	mode := ModeNone
	var (
		pre   []string
		post  []string
		conds []types.Condition
		attr  string
	)
	for _, token := range strings.Split(fsPath, "/") {
		if token == "" || token == "." {
			continue
		}
		if token == ".." {
			return Parsed{Mode: ModeMalformed}
		}

		switch {
		case mode == ModeAttrs:
			attr = p.Decode(token)
			mode = ModeValues
		case mode == ModeValues:
			conds = append(conds, types.Condition{Attr: attr, Op: "=", Value: p.Decode(token)})
			attr = ""
			mode = ModeComplete
		case token == p.indicator:
			mode = ModeAttrs
		case mode == ModeNone:
			pre = append(pre, token)
		default:
			post = append(post, p.Decode(token))
		}
	}

	collection := path.Join(append([]string{p.cwd}, pre...)...)
	return Parsed{
		Mode:        mode,
		Collection:  collection,
		Zone:        ZoneHint(collection),
		Conditions:  conds,
		PendingAttr: attr,
		PostPath:    strings.Join(post, "/"),
	}
}

// ZoneHint returns the first component of an absolute catalog path.
func ZoneHint(catalogPath string) string {
	trimmed := strings.TrimPrefix(catalogPath, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// ParseBase parses "attr=value" pairs separated by ";".
func ParseBase(base string) ([]types.Condition, error) {
	var conds []types.Condition
	for _, part := range strings.Split(base, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		attr, value, ok := strings.Cut(part, "=")
		attr, value = strings.TrimSpace(attr), strings.TrimSpace(value)
		if !ok || attr == "" {
			return nil, errors.Newf(errors.ErrCodeInvalidQuery, "base query term %q is not attr=value", part).
				WithComponent("query").WithOperation("parse_base")
		}
		conds = append(conds, types.Condition{Attr: attr, Op: "=", Value: value})
	}
	return conds, nil
}
