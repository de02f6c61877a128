// Package mapping translates between story fields and board structures:
// statuses to lists and dependencies to labels.
//
// Both maps are plain values built once per run from the board snapshot.
// They never guess: anything that cannot be mapped unambiguously is
// recorded as an Issue for the planner to surface.
package mapping

import (
	"fmt"
	"slices"
	"sort"

	"github.com/prdsync/prdsync/internal/types"
)

// IssueKind classifies mapping problems.
type IssueKind string

const (
	// IssueMissingList means no list carries the name bound to a status.
	IssueMissingList IssueKind = "missing_list"
	// IssueAmbiguousList means several open lists share the bound name.
	IssueAmbiguousList IssueKind = "ambiguous_list"
	// IssueSharedList means two statuses resolved to the same list.
	IssueSharedList IssueKind = "shared_list"
)

// Issue is a mapping problem detected while building a map.
type Issue struct {
	Kind       IssueKind
	Status     types.Status
	ListName   string
	Candidates []string // list ids considered, sorted
	Message    string
}

// StatusBindings maps each status to the board list name that holds it.
type StatusBindings map[types.Status]string

// DefaultStatusBindings returns the list names used when none are configured.
func DefaultStatusBindings() StatusBindings {
	return StatusBindings{
		types.StatusOpen:       "To Do",
		types.StatusInProgress: "Doing",
		types.StatusDone:       "Done",
	}
}

// StatusMap is the bidirectional status <-> list id mapping.
type StatusMap struct {
	toList   map[types.Status]string
	toStatus map[string]types.Status
	issues   []Issue
}

// NewStatusMap resolves each binding against the board lists. Open lists
// are preferred over archived ones; ties go to the smallest list id.
func NewStatusMap(lists []types.List, bindings StatusBindings) *StatusMap {
	m := &StatusMap{
		toList:   make(map[types.Status]string),
		toStatus: make(map[string]types.Status),
	}

	byName := make(map[string][]types.List)
	for _, l := range lists {
		byName[l.Name] = append(byName[l.Name], l)
	}

	for _, status := range types.Statuses {
		name, ok := bindings[status]
		if !ok || name == "" {
			m.issues = append(m.issues, Issue{
				Kind:    IssueMissingList,
				Status:  status,
				Message: fmt.Sprintf("no list configured for status %q", status),
			})
			continue
		}

		matches := byName[name]
		var open []types.List
		for _, l := range matches {
			if !l.Closed {
				open = append(open, l)
			}
		}
		pool := open
		if len(pool) == 0 {
			pool = matches
		}
		if len(pool) == 0 {
			m.issues = append(m.issues, Issue{
				Kind:     IssueMissingList,
				Status:   status,
				ListName: name,
				Message:  fmt.Sprintf("no list named %q for status %q", name, status),
			})
			continue
		}

		ids := make([]string, 0, len(pool))
		for _, l := range pool {
			ids = append(ids, l.ID)
		}
		sort.Strings(ids)
		chosen := ids[0]
		if len(ids) > 1 {
			m.issues = append(m.issues, Issue{
				Kind:       IssueAmbiguousList,
				Status:     status,
				ListName:   name,
				Candidates: ids,
				Message:    fmt.Sprintf("%d lists named %q for status %q; using %s", len(ids), name, status, chosen),
			})
		}

		m.toList[status] = chosen
		if prev, taken := m.toStatus[chosen]; taken {
			m.issues = append(m.issues, Issue{
				Kind:       IssueSharedList,
				Status:     status,
				ListName:   name,
				Candidates: []string{chosen},
				Message:    fmt.Sprintf("statuses %q and %q share list %q; cards there read back as %q", prev, status, name, prev),
			})
			continue
		}
		m.toStatus[chosen] = status
	}

	return m
}

// ListFor returns the list id for a status.
func (m *StatusMap) ListFor(status types.Status) (string, bool) {
	id, ok := m.toList[status]
	return id, ok
}

// StatusFor returns the status held by a list.
func (m *StatusMap) StatusFor(listID string) (types.Status, bool) {
	s, ok := m.toStatus[listID]
	return s, ok
}

// Issues returns the problems found while building the map.
func (m *StatusMap) Issues() []Issue {
	return slices.Clone(m.issues)
}
