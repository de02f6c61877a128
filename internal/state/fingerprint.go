package state

import (
	"encoding/hex"
	"encoding/json"
	"slices"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/prdsync/prdsync/internal/types"
)

// Domain strings keep story fingerprints and mapping signatures from ever
// colliding with each other.
const (
	storyDomain   = "prdsync story fingerprint v1\n"
	mappingDomain = "prdsync mapping signature v1\n"
)

// canonicalStory is the hashed projection of a Story. Field order is fixed
// by the struct definition.
type canonicalStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Status             string   `json:"status"`
	DependsOn          []string `json:"dependsOn"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

// Fingerprint returns a stable BLAKE3 hash of the story's semantic content.
// Dependency order does not matter; criteria order does.
func Fingerprint(s types.Story) string {
	deps := slices.Clone(s.DependsOn)
	sort.Strings(deps)
	if deps == nil {
		deps = []string{}
	}
	criteria := s.AcceptanceCriteria
	if criteria == nil {
		criteria = []string{}
	}

	data, err := json.Marshal(canonicalStory{
		ID:                 s.ID,
		Title:              s.Title,
		Status:             string(s.Status),
		DependsOn:          deps,
		Description:        s.Description,
		AcceptanceCriteria: criteria,
	})
	if err != nil {
		// Only strings and string slices; Marshal cannot fail.
		panic("state: marshal canonical story: " + err.Error())
	}
	return sum(storyDomain, data)
}

// MappingSignature hashes the ordered mapping configuration parts. Any
// change to the codec, list bindings or label prefix yields a new
// signature and invalidates saved state.
func MappingSignature(parts ...string) string {
	data, err := json.Marshal(parts)
	if err != nil {
		panic("state: marshal mapping parts: " + err.Error())
	}
	return sum(mappingDomain, data)
}

func sum(domain string, data []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
