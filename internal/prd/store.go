// Package prd reads and writes the product-requirements document: a JSON
// (or JSONC) file whose stories array is the document side of a sync.
//
// Writes only touch the fields prdsync owns (id, title, status, dependsOn,
// description, acceptanceCriteria). Everything else in the file, including
// unknown per-story fields and top-level metadata, is carried through.
package prd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/prdsync/prdsync/internal/types"
	"github.com/prdsync/prdsync/internal/utils"
)

// DefaultStoriesKey is the top-level key holding the stories array.
const DefaultStoriesKey = "userStories"

// UpdatedAtKey is the optional top-level timestamp. When present it is used
// as the document's modification time and bumped on every write.
const UpdatedAtKey = "updatedAt"

var (
	// ErrMalformed reports a document that is not valid JSON or whose
	// stories do not have the expected shape.
	ErrMalformed = errors.New("malformed document")
	// ErrModified reports that the file changed between Read and Write.
	ErrModified = errors.New("document modified since it was read")
)

// Options configures a Store.
type Options struct {
	// StoriesKey is a gjson path to the stories array. Defaults to
	// DefaultStoriesKey.
	StoriesKey string
	// Now supplies the updatedAt stamp written back. Defaults to time.Now.
	Now func() time.Time
}

// Store reads and writes one document file.
type Store struct {
	path string
	opts Options

	// raw is the file content as of the last Read, used to detect
	// concurrent edits before writing.
	raw []byte
}

// Snapshot is the document as read.
type Snapshot struct {
	Stories    []types.Story
	ModifiedAt time.Time
}

// NewStore creates a store for the document at path.
func NewStore(path string, opts Options) *Store {
	if opts.StoriesKey == "" {
		opts.StoriesKey = DefaultStoriesKey
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{path: path, opts: opts}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Read parses the document. Duplicate story ids are returned as-is; the
// planner reports them.
func (s *Store) Read(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", s.path, err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("stat document %s: %w", s.path, err)
	}

	stories, updatedAt, err := Parse(data, s.opts.StoriesKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	s.raw = data

	snap := &Snapshot{Stories: stories, ModifiedAt: info.ModTime().UTC()}
	if !updatedAt.IsZero() {
		snap.ModifiedAt = updatedAt
	}
	return snap, nil
}

// Parse decodes document bytes. Comments and trailing commas are accepted.
// The returned time is the top-level updatedAt, zero when absent.
func Parse(data []byte, storiesKey string) ([]types.Story, time.Time, error) {
	clean := jsonc.ToJSON(data)
	if !gjson.ValidBytes(clean) {
		return nil, time.Time{}, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	root := gjson.ParseBytes(clean)
	if !root.IsObject() {
		return nil, time.Time{}, fmt.Errorf("%w: top level must be an object", ErrMalformed)
	}

	var updatedAt time.Time
	if v := root.Get(UpdatedAtKey); v.Exists() {
		ts, err := time.Parse(time.RFC3339Nano, v.String())
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: %s: %v", ErrMalformed, UpdatedAtKey, err)
		}
		updatedAt = ts.UTC()
	}

	arr := root.Get(storiesKey)
	if !arr.Exists() {
		return nil, updatedAt, nil
	}
	if !arr.IsArray() {
		return nil, time.Time{}, fmt.Errorf("%w: %s must be an array", ErrMalformed, storiesKey)
	}

	var stories []types.Story
	var parseErr error
	arr.ForEach(func(key, value gjson.Result) bool {
		story, err := parseStory(value)
		if err != nil {
			label := fmt.Sprintf("%s[%d]", storiesKey, key.Int())
			if id := value.Get("id").String(); id != "" {
				label += " (" + id + ")"
			}
			parseErr = fmt.Errorf("%w: %s: %v", ErrMalformed, label, err)
			return false
		}
		stories = append(stories, story)
		return true
	})
	if parseErr != nil {
		return nil, time.Time{}, parseErr
	}
	return stories, updatedAt, nil
}

func parseStory(v gjson.Result) (types.Story, error) {
	if !v.IsObject() {
		return types.Story{}, errors.New("story must be an object")
	}
	var st types.Story
	var err error
	if st.ID, err = stringField(v, "id"); err != nil {
		return st, err
	}
	st.ID = strings.TrimSpace(st.ID)
	if st.Title, err = stringField(v, "title"); err != nil {
		return st, err
	}
	rawStatus, err := stringField(v, "status")
	if err != nil {
		return st, err
	}
	status, ok := types.ParseStatus(rawStatus)
	if !ok {
		return st, fmt.Errorf("invalid status %q", rawStatus)
	}
	st.Status = status
	if st.Description, err = stringField(v, "description"); err != nil {
		return st, err
	}
	if st.DependsOn, err = stringList(v, "dependsOn"); err != nil {
		return st, err
	}
	if st.AcceptanceCriteria, err = stringList(v, "acceptanceCriteria"); err != nil {
		return st, err
	}
	if err := st.Validate(); err != nil {
		return st, err
	}
	return st, nil
}

func stringField(v gjson.Result, name string) (string, error) {
	f := v.Get(name)
	if !f.Exists() || f.Type == gjson.Null {
		return "", nil
	}
	if f.Type != gjson.String {
		return "", fmt.Errorf("%s must be a string", name)
	}
	return f.String(), nil
}

func stringList(v gjson.Result, name string) ([]string, error) {
	f := v.Get(name)
	if !f.Exists() || f.Type == gjson.Null {
		return nil, nil
	}
	if !f.IsArray() {
		return nil, fmt.Errorf("%s must be an array of strings", name)
	}
	var out []string
	for _, item := range f.Array() {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("%s must be an array of strings", name)
		}
		out = append(out, item.String())
	}
	return out, nil
}

// Write upserts stories into the document: existing stories (matched by id)
// have their owned fields rewritten in place and unknown ids are appended.
// Stories not named are left untouched. The file is replaced atomically.
func (s *Store) Write(ctx context.Context, stories []types.Story) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read document %s: %w", s.path, err)
	}
	if s.raw != nil && !bytes.Equal(data, s.raw) {
		return fmt.Errorf("%s: %w", s.path, ErrModified)
	}

	out, err := Render(data, s.opts.StoriesKey, stories, s.opts.Now())
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}

	perm := os.FileMode(0o644)
	if info, err := os.Stat(s.path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := utils.WriteFileAtomic(s.path, out, perm); err != nil {
		return fmt.Errorf("write document %s: %w", s.path, err)
	}
	s.raw = out
	return nil
}

// CreateEmpty writes a document holding only an empty stories array. It
// fails if the file already exists.
func CreateEmpty(path, storiesKey string) error {
	if storiesKey == "" {
		storiesKey = DefaultStoriesKey
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("document %s: %w", path, os.ErrExist)
	}
	doc, err := sjson.SetRawBytes([]byte("{}"), storiesKey, []byte("[]"))
	if err != nil {
		return fmt.Errorf("create %s: %w", storiesKey, err)
	}
	doc = pretty.PrettyOptions(doc, &pretty.Options{Width: 80, Indent: "  "})
	if err := utils.WriteFileAtomic(path, doc, 0o644); err != nil {
		return fmt.Errorf("write document %s: %w", path, err)
	}
	return nil
}

// Render applies the story upserts to document bytes and returns the new
// content. Comments in the input are not preserved.
func Render(data []byte, storiesKey string, stories []types.Story, now time.Time) ([]byte, error) {
	doc := jsonc.ToJSON(data)
	if !gjson.ValidBytes(doc) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}

	arr := gjson.GetBytes(doc, storiesKey)
	if !arr.Exists() {
		var err error
		if doc, err = sjson.SetRawBytes(doc, storiesKey, []byte("[]")); err != nil {
			return nil, fmt.Errorf("create %s: %w", storiesKey, err)
		}
		arr = gjson.GetBytes(doc, storiesKey)
	}
	if !arr.IsArray() {
		return nil, fmt.Errorf("%w: %s must be an array", ErrMalformed, storiesKey)
	}

	items := arr.Array()
	next := len(items)
	index := make(map[string]int)
	for i, item := range items {
		id := strings.TrimSpace(item.Get("id").String())
		if _, seen := index[id]; !seen && id != "" {
			index[id] = i
		}
	}

	var err error
	for _, st := range stories {
		i, ok := index[st.ID]
		if !ok {
			raw, merr := json.Marshal(st)
			if merr != nil {
				return nil, fmt.Errorf("encode story %s: %w", st.ID, merr)
			}
			if doc, err = sjson.SetRawBytes(doc, storiesKey+".-1", raw); err != nil {
				return nil, fmt.Errorf("append story %s: %w", st.ID, err)
			}
			index[st.ID] = next
			next++
			continue
		}
		if doc, err = setOwnedFields(doc, fmt.Sprintf("%s.%d", storiesKey, i), st); err != nil {
			return nil, fmt.Errorf("update story %s: %w", st.ID, err)
		}
	}

	if gjson.GetBytes(doc, UpdatedAtKey).Exists() {
		if doc, err = sjson.SetBytes(doc, UpdatedAtKey, now.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("stamp %s: %w", UpdatedAtKey, err)
		}
	}

	if indent := detectIndent(data); indent != "" {
		doc = pretty.PrettyOptions(doc, &pretty.Options{Width: 80, Indent: indent})
	}
	return doc, nil
}

// setOwnedFields rewrites the owned fields of the story object at path.
// Optional fields absent from the file stay absent while empty.
func setOwnedFields(doc []byte, path string, st types.Story) ([]byte, error) {
	type field struct {
		name  string
		value any
		empty bool
	}
	fields := []field{
		{"id", st.ID, false},
		{"title", st.Title, false},
		{"status", string(st.Status), false},
		{"dependsOn", nonNil(st.DependsOn), len(st.DependsOn) == 0},
		{"description", st.Description, st.Description == ""},
		{"acceptanceCriteria", nonNil(st.AcceptanceCriteria), len(st.AcceptanceCriteria) == 0},
	}
	var err error
	for _, f := range fields {
		p := path + "." + f.name
		current := gjson.GetBytes(doc, p)
		if f.empty && !current.Exists() {
			continue
		}
		if sameValue(current, f.value) {
			continue
		}
		if doc, err = sjson.SetBytes(doc, p, f.value); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// sameValue avoids rewriting a field whose JSON value would not change, so
// untouched formatting survives.
func sameValue(current gjson.Result, want any) bool {
	if !current.Exists() {
		return false
	}
	raw, err := json.Marshal(want)
	if err != nil {
		return false
	}
	return jsonEqual(current.Raw, string(raw))
}

func jsonEqual(a, b string) bool {
	var va, vb any
	if json.Unmarshal([]byte(a), &va) != nil || json.Unmarshal([]byte(b), &vb) != nil {
		return false
	}
	ra, _ := json.Marshal(va)
	rb, _ := json.Marshal(vb)
	return bytes.Equal(ra, rb)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// detectIndent returns the indentation unit of a multi-line document, or
// "" for a single-line one.
func detectIndent(data []byte) string {
	for _, line := range strings.Split(string(data), "\n")[1:] {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || len(trimmed) == len(line) {
			continue
		}
		return line[:len(line)-len(trimmed)]
	}
	return ""
}
