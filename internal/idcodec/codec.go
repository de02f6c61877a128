// Package idcodec parses and renders the story identifier embedded in a
// card's display title.
//
// A Codec is built once per mapping configuration and is safe for
// concurrent use. Building compiles two regular expressions: the identifier
// grammar (prefix followed by digits) and the card title template.
package idcodec

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Template placeholders.
const (
	PlaceholderID    = "{id}"
	PlaceholderTitle = "{title}"
)

// Defaults used when the configuration leaves a field empty.
const (
	DefaultPrefix   = "US-"
	DefaultWidth    = 3
	DefaultTemplate = "[{id}] {title}"
)

var (
	// ErrInvalidID is returned when an identifier does not match the grammar.
	ErrInvalidID = errors.New("invalid identifier")
	// ErrInvalidTemplate is returned by New for malformed title templates.
	ErrInvalidTemplate = errors.New("invalid title template")
)

// Config describes the identifier grammar and the card title template.
type Config struct {
	Prefix        string
	Width         int // zero-padding width; 0 means unpadded
	TitleTemplate string
}

// Signature is a stable textual description of the grammar and template.
func (c Config) Signature() string {
	return fmt.Sprintf("prefix=%s;width=%d;template=%s", c.Prefix, c.Width, c.TitleTemplate)
}

// ParseStatus tags the outcome of ParseCardTitle.
type ParseStatus string

const (
	ParseOK        ParseStatus = "ok"
	ParseMissing   ParseStatus = "missing"
	ParseAmbiguous ParseStatus = "ambiguous"
)

// TitleParse is the result of parsing a card title. ID and Title are set
// only when Status is ParseOK. Matches holds every identifier-shaped
// substring found, in order of appearance.
type TitleParse struct {
	Status  ParseStatus
	ID      string
	Title   string
	Matches []string
}

// Codec formats and parses identifiers for one mapping configuration.
type Codec struct {
	cfg        Config
	candidate  *regexp.Regexp
	exact      *regexp.Regexp
	template   *regexp.Regexp
	idGroup    int
	titleGroup int
	wordStart  bool
}

var placeholderRe = regexp.MustCompile(`\{(id|title)\}`)

// New compiles a codec. The template must contain exactly one {id} and one
// {title} placeholder.
func New(cfg Config) (*Codec, error) {
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("identifier prefix is required")
	}
	if cfg.Width < 0 {
		return nil, fmt.Errorf("identifier width must be >= 0, got %d", cfg.Width)
	}
	if cfg.TitleTemplate == "" {
		cfg.TitleTemplate = DefaultTemplate
	}
	if n := strings.Count(cfg.TitleTemplate, PlaceholderID); n != 1 {
		return nil, fmt.Errorf("%w: %q must contain exactly one %s (found %d)", ErrInvalidTemplate, cfg.TitleTemplate, PlaceholderID, n)
	}
	if n := strings.Count(cfg.TitleTemplate, PlaceholderTitle); n != 1 {
		return nil, fmt.Errorf("%w: %q must contain exactly one %s (found %d)", ErrInvalidTemplate, cfg.TitleTemplate, PlaceholderTitle, n)
	}

	digits := `\d+`
	if cfg.Width > 0 {
		digits = fmt.Sprintf(`\d{%d}`, cfg.Width)
	}
	idPattern := regexp.QuoteMeta(cfg.Prefix) + digits

	c := &Codec{
		cfg:       cfg,
		candidate: regexp.MustCompile(regexp.QuoteMeta(cfg.Prefix) + `\d+`),
		exact:     regexp.MustCompile(`^` + idPattern + `$`),
	}
	first := []rune(cfg.Prefix)[0]
	c.wordStart = unicode.IsLetter(first) || unicode.IsDigit(first)

	tmpl, err := compileTemplate(cfg.TitleTemplate, idPattern)
	if err != nil {
		return nil, err
	}
	c.template = tmpl
	c.idGroup = tmpl.SubexpIndex("id")
	c.titleGroup = tmpl.SubexpIndex("title")
	return c, nil
}

// compileTemplate turns a title template into an anchored regular
// expression. Whitespace runs in the literal parts match any amount of
// whitespace so that hand-edited titles still parse.
func compileTemplate(tmpl, idPattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`^\s*`)
	last := 0
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(tmpl, -1) {
		b.WriteString(literalPattern(tmpl[last:loc[0]]))
		switch tmpl[loc[2]:loc[3]] {
		case "id":
			b.WriteString(`(?P<id>` + idPattern + `)`)
		case "title":
			b.WriteString(`(?P<title>.*?)`)
		}
		last = loc[1]
	}
	b.WriteString(literalPattern(tmpl[last:]))
	b.WriteString(`\s*$`)

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return re, nil
}

func literalPattern(lit string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range lit {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteString(`\s*`)
				inSpace = true
			}
			continue
		}
		inSpace = false
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	return b.String()
}

// Config returns the configuration the codec was built from.
func (c *Codec) Config() Config {
	return c.cfg
}

// FormatID renders the canonical identifier for n.
func (c *Codec) FormatID(n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: negative number %d", ErrInvalidID, n)
	}
	num := strconv.Itoa(n)
	if c.cfg.Width > 0 {
		if len(num) > c.cfg.Width {
			return "", fmt.Errorf("%w: %d exceeds padding width %d", ErrInvalidID, n, c.cfg.Width)
		}
		num = strings.Repeat("0", c.cfg.Width-len(num)) + num
	}
	return c.cfg.Prefix + num, nil
}

// ValidID reports whether id matches the identifier grammar exactly.
func (c *Codec) ValidID(id string) bool {
	return c.exact.MatchString(id)
}

// FormatCardTitle renders the canonical card name for a story.
func (c *Codec) FormatCardTitle(id, title string) (string, error) {
	if !c.ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	r := strings.NewReplacer(PlaceholderID, id, PlaceholderTitle, strings.TrimSpace(title))
	return strings.TrimSpace(r.Replace(c.cfg.TitleTemplate)), nil
}

// FindIDs returns every identifier-shaped substring of text in order of
// appearance. A candidate counts only if it has the configured number of
// digits and, for prefixes starting with a letter or digit, is not glued to
// a preceding word character.
func (c *Codec) FindIDs(text string) []string {
	var out []string
	for _, loc := range c.candidate.FindAllStringIndex(text, -1) {
		if c.cfg.Width > 0 && loc[1]-loc[0]-len(c.cfg.Prefix) != c.cfg.Width {
			continue
		}
		if c.wordStart && loc[0] > 0 {
			prev := []rune(text[:loc[0]])
			r := prev[len(prev)-1]
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
				continue
			}
		}
		out = append(out, text[loc[0]:loc[1]])
	}
	return out
}

// ParseCardTitle extracts the story identifier and title from a card name.
func (c *Codec) ParseCardTitle(text string) TitleParse {
	matches := c.FindIDs(text)
	switch len(matches) {
	case 0:
		return TitleParse{Status: ParseMissing}
	case 1:
	default:
		return TitleParse{Status: ParseAmbiguous, Matches: matches}
	}

	m := c.template.FindStringSubmatch(text)
	if m == nil || m[c.idGroup] != matches[0] {
		// The identifier exists but not where the template puts it.
		return TitleParse{Status: ParseMissing, Matches: matches}
	}
	return TitleParse{
		Status:  ParseOK,
		ID:      m[c.idGroup],
		Title:   strings.TrimSpace(m[c.titleGroup]),
		Matches: matches,
	}
}
