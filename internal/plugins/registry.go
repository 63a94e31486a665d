// Package plugins holds the static plugin registry and the built-in
// analysis plugins.
package plugins

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bryanwahyu/custodia/internal/domain/plugin"
)

// Registry is built once at startup and read without locks afterwards.
type Registry struct {
	byName map[string]registered
	names  []string
}

type registered struct {
	p    plugin.Plugin
	desc plugin.Descriptor
}

// NewRegistry registers ps. Names listed in disabled stay visible but
// cannot be dispatched. List and Applicable return plugins sorted by name,
// whatever order they were registered in.
func NewRegistry(disabled []string, ps ...plugin.Plugin) (*Registry, error) {
	off := map[string]bool{}
	for _, n := range disabled {
		off[strings.TrimSpace(n)] = true
	}
	r := &Registry{byName: map[string]registered{}}
	for _, p := range ps {
		d := p.Descriptor()
		if d.Name == "" {
			return nil, fmt.Errorf("plugin with empty name (%T)", p)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", plugin.ErrDuplicatePlugin, d.Name)
		}
		if off[d.Name] {
			d.Enabled = false
		}
		r.byName[d.Name] = registered{p: p, desc: d}
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns an enabled plugin by name.
func (r *Registry) Lookup(name string) (plugin.Plugin, plugin.Descriptor, error) {
	e, ok := r.byName[name]
	if !ok {
		return nil, plugin.Descriptor{}, fmt.Errorf("%w: %s", plugin.ErrUnknownPlugin, name)
	}
	if !e.desc.Enabled {
		return nil, e.desc, fmt.Errorf("%w: %s", plugin.ErrPluginDisabled, name)
	}
	return e.p, e.desc, nil
}

func (r *Registry) List() []plugin.Descriptor {
	out := make([]plugin.Descriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n].desc)
	}
	return out
}

// Applicable lists enabled plugins that declare support for the file.
// A plugin with no declared extensions or content types accepts anything.
func (r *Registry) Applicable(filename, contentType string) []plugin.Descriptor {
	ext := strings.ToLower(filepath.Ext(filename))
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	var out []plugin.Descriptor
	for _, n := range r.names {
		d := r.byName[n].desc
		if d.Enabled && supports(d, ext, ct) {
			out = append(out, d)
		}
	}
	return out
}

func supports(d plugin.Descriptor, ext, ct string) bool {
	if len(d.Extensions) == 0 && len(d.ContentTypes) == 0 {
		return true
	}
	for _, e := range d.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	for _, c := range d.ContentTypes {
		c = strings.ToLower(c)
		if ct == c || (strings.HasSuffix(c, "/") && strings.HasPrefix(ct, c)) {
			return true
		}
	}
	return false
}
