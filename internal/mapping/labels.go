package mapping

import (
	"slices"
	"sort"
	"strings"

	"github.com/prdsync/prdsync/internal/types"
)

// DefaultDependencyPrefix marks labels that encode a story dependency.
const DefaultDependencyPrefix = "dep:"

// LabelMap translates story dependencies to board labels and back.
type LabelMap struct {
	prefix string
	byName map[string]string // label name -> smallest label id
	byID   map[string]string // label id -> label name
}

// NewLabelMap indexes the board labels. When several labels share a name
// the smallest id wins so repeated runs pick the same one.
func NewLabelMap(labels []types.Label, prefix string) *LabelMap {
	if prefix == "" {
		prefix = DefaultDependencyPrefix
	}
	m := &LabelMap{
		prefix: prefix,
		byName: make(map[string]string, len(labels)),
		byID:   make(map[string]string, len(labels)),
	}
	for _, l := range labels {
		m.byID[l.ID] = l.Name
		if cur, ok := m.byName[l.Name]; !ok || l.ID < cur {
			m.byName[l.Name] = l.ID
		}
	}
	return m
}

// Prefix returns the dependency label prefix.
func (m *LabelMap) Prefix() string {
	return m.prefix
}

// LabelName returns the label name for a dependency id.
func (m *LabelMap) LabelName(dep string) string {
	return m.prefix + dep
}

// DependencyFromLabel strips the prefix from a dependency label name.
func (m *LabelMap) DependencyFromLabel(name string) (string, bool) {
	if !strings.HasPrefix(name, m.prefix) {
		return "", false
	}
	dep := strings.TrimPrefix(name, m.prefix)
	if dep == "" {
		return "", false
	}
	return dep, true
}

// IDForName looks up a label id by exact name.
func (m *LabelMap) IDForName(name string) (string, bool) {
	id, ok := m.byName[name]
	return id, ok
}

// IsDependencyLabel reports whether a label id carries the prefix.
func (m *LabelMap) IsDependencyLabel(id string) bool {
	name, ok := m.byID[id]
	return ok && strings.HasPrefix(name, m.prefix)
}

// DesiredLabelIDs merges a card's current labels with the labels required
// by deps. Labels without the prefix are kept untouched; prefix labels are
// kept only when they correspond to a required dependency. The result is
// sorted and deduplicated. Dependencies with no board label are returned
// in missing, sorted.
func (m *LabelMap) DesiredLabelIDs(existing []string, deps []string) (ids []string, missing []string) {
	set := make(map[string]struct{})
	for _, id := range existing {
		if !m.IsDependencyLabel(id) {
			set[id] = struct{}{}
		}
	}
	for _, dep := range uniqueSorted(deps) {
		id, ok := m.byName[m.LabelName(dep)]
		if !ok {
			missing = append(missing, dep)
			continue
		}
		set[id] = struct{}{}
	}
	ids = make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, missing
}

// DependenciesFromLabels reads the dependency ids encoded in a card's labels.
func (m *LabelMap) DependenciesFromLabels(ids []string) []string {
	var deps []string
	for _, id := range ids {
		name, ok := m.byID[id]
		if !ok {
			continue
		}
		if dep, ok := m.DependencyFromLabel(name); ok {
			deps = append(deps, dep)
		}
	}
	return uniqueSorted(deps)
}

// With returns a copy of the map that also knows about the given labels.
// The applier uses it after creating missing dependency labels.
func (m *LabelMap) With(labels ...types.Label) *LabelMap {
	out := &LabelMap{
		prefix: m.prefix,
		byName: make(map[string]string, len(m.byName)+len(labels)),
		byID:   make(map[string]string, len(m.byID)+len(labels)),
	}
	for k, v := range m.byName {
		out.byName[k] = v
	}
	for k, v := range m.byID {
		out.byID[k] = v
	}
	for _, l := range labels {
		out.byID[l.ID] = l.Name
		if cur, ok := out.byName[l.Name]; !ok || l.ID < cur {
			out.byName[l.Name] = l.ID
		}
	}
	return out
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	sort.Strings(out)
	return slices.Compact(out)
}
