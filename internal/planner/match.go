package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prdsync/prdsync/internal/idcodec"
	"github.com/prdsync/prdsync/internal/mapping"
	"github.com/prdsync/prdsync/internal/state"
	"github.com/prdsync/prdsync/internal/types"
)

// No-op reasons.
const (
	ReasonUnchanged       = "unchanged since last run"
	ReasonInSync          = "in sync"
	ReasonArchivedCard    = "card is archived"
	ReasonNoBoardWrites   = "direction skips board writes"
	ReasonNoDocumentWrite = "direction skips document writes"
)

// Options tune classification.
type Options struct {
	Direction           Direction
	Prefer              Prefer
	CreateMissingLabels bool
	ChecklistName       string
}

func (o Options) withDefaults() Options {
	if o.Direction == "" {
		o.Direction = DirectionBoth
	}
	if o.Prefer == "" {
		o.Prefer = PreferNone
	}
	if o.ChecklistName == "" {
		o.ChecklistName = types.DefaultChecklistName
	}
	return o
}

// Input is everything the planner needs, already fetched and validated.
type Input struct {
	Stories            []types.Story
	DocumentModifiedAt time.Time
	Cards              []types.Card
	Codec              *idcodec.Codec
	Statuses           *mapping.StatusMap
	Labels             *mapping.LabelMap
	// State is the previous run's snapshot, or nil for a full run.
	State   *state.State
	Options Options
}

type pair struct {
	id           string
	story        *types.Story
	card         *types.Card
	title        string // parsed card title
	storyChanged bool
	cardChanged  bool
}

// Matching is the output of the first planning phase.
type Matching struct {
	in        Input
	opts      Options
	pairs     []*pair
	conflicts []Conflict
	noops     []NoOp
}

// Match groups stories and cards by identifier. Duplicates, unparsable
// card titles and incrementally unchanged pairs are settled here; the
// remaining pairs wait for Build.
func Match(in Input) *Matching {
	m := &Matching{in: in, opts: in.Options.withDefaults()}

	for _, issue := range in.Statuses.Issues() {
		m.conflicts = append(m.conflicts, Conflict{
			Kind:    ConflictKind(issue.Kind),
			Message: issue.Message,
			Details: issue.Candidates,
		})
	}

	stories := make(map[string][]types.Story)
	for _, s := range in.Stories {
		stories[s.ID] = append(stories[s.ID], s)
	}

	cards := make(map[string][]types.Card)
	titles := make(map[string]string)
	suspects := make(map[string][]string)
	for _, c := range in.Cards {
		parsed := in.Codec.ParseCardTitle(c.Name)
		if parsed.Status != idcodec.ParseOK {
			if c.Closed {
				continue
			}
			m.conflicts = append(m.conflicts, unparsableConflict(c, parsed))
			for _, id := range parsed.Matches {
				suspects[id] = append(suspects[id], c.ID)
			}
			continue
		}
		cards[parsed.ID] = append(cards[parsed.ID], c)
		titles[c.ID] = parsed.Title
	}

	ids := make([]string, 0, len(stories)+len(cards))
	for id := range stories {
		ids = append(ids, id)
	}
	for id := range cards {
		if _, ok := stories[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		ss, cs := stories[id], cards[id]
		if len(ss) > 1 || len(cs) > 1 {
			m.conflicts = append(m.conflicts, duplicateConflict(id, len(ss), cs))
			continue
		}

		p := &pair{id: id}
		if len(ss) == 1 {
			s := ss[0]
			p.story = &s
		}
		if len(cs) == 1 {
			c := cs[0]
			p.card = &c
			p.title = titles[c.ID]
		}

		switch {
		case p.story != nil && p.card != nil:
			if in.State.Unchanged(*p.story, *p.card) {
				m.noops = append(m.noops, NoOp{ID: id, CardID: p.card.ID, Reason: ReasonUnchanged})
				continue
			}
			p.storyChanged = in.State.StoryChanged(*p.story)
			p.cardChanged = in.State.CardChanged(id, *p.card)

		case p.story != nil:
			if cardIDs := suspects[id]; len(cardIDs) > 0 {
				m.conflicts = append(m.conflicts, Conflict{
					ID:      id,
					Kind:    KindSuspectTitle,
					Message: fmt.Sprintf("no card carries %s cleanly but an unparsable card title mentions it; not creating a new card", id),
					Details: sortedCopy(cardIDs),
				})
				continue
			}
			if !m.opts.Direction.WritesBoard() {
				m.noops = append(m.noops, NoOp{ID: id, Reason: ReasonNoBoardWrites})
				continue
			}

		default:
			if p.card.Closed {
				m.noops = append(m.noops, NoOp{ID: id, CardID: p.card.ID, Reason: ReasonArchivedCard})
				continue
			}
			if !m.opts.Direction.WritesDocument() {
				m.noops = append(m.noops, NoOp{ID: id, CardID: p.card.ID, Reason: ReasonNoDocumentWrite})
				continue
			}
		}
		m.pairs = append(m.pairs, p)
	}

	return m
}

// ChecklistCardIDs returns the card ids whose checklists Build needs,
// sorted. Unchanged pairs are never listed.
func (m *Matching) ChecklistCardIDs() []string {
	var ids []string
	for _, p := range m.pairs {
		if p.card != nil {
			ids = append(ids, p.card.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func unparsableConflict(c types.Card, parsed idcodec.TitleParse) Conflict {
	conflict := Conflict{CardID: c.ID, Kind: KindUnparsableTitle, Details: parsed.Matches}
	switch {
	case parsed.Status == idcodec.ParseAmbiguous:
		conflict.Message = fmt.Sprintf("card %q contains several identifiers: %s", c.Name, strings.Join(parsed.Matches, ", "))
	case len(parsed.Matches) > 0:
		conflict.Message = fmt.Sprintf("card %q mentions %s outside the title template", c.Name, parsed.Matches[0])
	default:
		conflict.Message = fmt.Sprintf("card %q has no story identifier", c.Name)
	}
	return conflict
}

func duplicateConflict(id string, stories int, cards []types.Card) Conflict {
	cardIDs := make([]string, 0, len(cards))
	for _, c := range cards {
		cardIDs = append(cardIDs, c.ID)
	}
	sort.Strings(cardIDs)
	return Conflict{
		ID:      id,
		Kind:    KindDuplicateID,
		Message: fmt.Sprintf("%s is carried by %d stories and %d cards", id, stories, len(cards)),
		Details: cardIDs,
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
