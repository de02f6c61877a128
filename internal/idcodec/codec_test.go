package idcodec

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(Config{Prefix: "US-", Width: 3, TitleTemplate: "[{id}] {title}"})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadTemplates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no id placeholder", Config{Prefix: "US-", TitleTemplate: "{title}"}},
		{"two id placeholders", Config{Prefix: "US-", TitleTemplate: "{id} {id} {title}"}},
		{"no title placeholder", Config{Prefix: "US-", TitleTemplate: "[{id}]"}},
		{"two title placeholders", Config{Prefix: "US-", TitleTemplate: "{title} [{id}] {title}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
		})
	}

	_, err := New(Config{Prefix: "", TitleTemplate: DefaultTemplate})
	assert.Error(t, err)
	_, err = New(Config{Prefix: "US-", Width: -1})
	assert.Error(t, err)
}

func TestFormatID(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		n       int
		want    string
		wantErr bool
	}{
		{0, "US-000", false},
		{7, "US-007", false},
		{42, "US-042", false},
		{999, "US-999", false},
		{1000, "", true},
		{-1, "", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			got, err := c.FormatID(tt.n)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidID), "FormatID(%d) err = %v", tt.n, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatIDUnpadded(t *testing.T) {
	c, err := New(Config{Prefix: "T", Width: 0})
	require.NoError(t, err)

	got, err := c.FormatID(12345)
	require.NoError(t, err)
	assert.Equal(t, "T12345", got)
	assert.True(t, c.ValidID("T1"))
	assert.False(t, c.ValidID("T"))
}

func TestFormatCardTitle(t *testing.T) {
	c := newTestCodec(t)

	got, err := c.FormatCardTitle("US-007", "  New Title ")
	require.NoError(t, err)
	assert.Equal(t, "[US-007] New Title", got)

	_, err = c.FormatCardTitle("US-7", "Title")
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = c.FormatCardTitle("XX-007", "Title")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestParseCardTitleRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	titles := []string{"Login page", "Fix: crash on save (again)", "[brackets] and {braces}", "x"}
	for n := 0; n < 1000; n += 37 {
		id, err := c.FormatID(n)
		require.NoError(t, err)
		for _, title := range titles {
			name, err := c.FormatCardTitle(id, title)
			require.NoError(t, err)

			got := c.ParseCardTitle(name)
			assert.Equal(t, ParseOK, got.Status, "parse %q", name)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, title, got.Title)
		}
	}
}

func TestParseCardTitle(t *testing.T) {
	c := newTestCodec(t)

	tests := []struct {
		name        string
		input       string
		wantStatus  ParseStatus
		wantID      string
		wantTitle   string
		wantMatches []string
	}{
		{
			name:       "canonical",
			input:      "[US-001] Title",
			wantStatus: ParseOK,
			wantID:     "US-001",
			wantTitle:  "Title",
		},
		{
			name:       "extra whitespace",
			input:      "  [US-001]    Title  ",
			wantStatus: ParseOK,
			wantID:     "US-001",
			wantTitle:  "Title",
		},
		{
			name:       "no space after bracket",
			input:      "[US-001]Title",
			wantStatus: ParseOK,
			wantID:     "US-001",
			wantTitle:  "Title",
		},
		{
			name:       "no identifier",
			input:      "Plain card",
			wantStatus: ParseMissing,
		},
		{
			name:        "two identifiers",
			input:       "[US-001] Title with US-002",
			wantStatus:  ParseAmbiguous,
			wantMatches: []string{"US-001", "US-002"},
		},
		{
			name:        "identifier out of position",
			input:       "Title mentions US-001",
			wantStatus:  ParseMissing,
			wantMatches: []string{"US-001"},
		},
		{
			name:       "wrong digit count is not an identifier",
			input:      "[US-0001] Title",
			wantStatus: ParseMissing,
		},
		{
			name:       "glued to a word",
			input:      "[XUS-001] Title",
			wantStatus: ParseMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ParseCardTitle(tt.input)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantID, got.ID)
			assert.Equal(t, tt.wantTitle, got.Title)
			if tt.wantMatches != nil {
				assert.Equal(t, tt.wantMatches, got.Matches)
			}
		})
	}
}

func TestParseCardTitleCustomTemplate(t *testing.T) {
	c, err := New(Config{Prefix: "PRD-", Width: 2, TitleTemplate: "{title} ({id})"})
	require.NoError(t, err)

	name, err := c.FormatCardTitle("PRD-05", "Checkout flow")
	require.NoError(t, err)
	assert.Equal(t, "Checkout flow (PRD-05)", name)

	got := c.ParseCardTitle(name)
	assert.Equal(t, ParseOK, got.Status)
	assert.Equal(t, "PRD-05", got.ID)
	assert.Equal(t, "Checkout flow", got.Title)

	got = c.ParseCardTitle("[PRD-05] Checkout flow")
	assert.Equal(t, ParseMissing, got.Status)
}

func TestConfigSignature(t *testing.T) {
	base := Config{Prefix: "US-", Width: 3, TitleTemplate: DefaultTemplate}
	assert.Equal(t, base.Signature(), base.Signature())

	wider := base
	wider.Width = 4
	assert.NotEqual(t, base.Signature(), wider.Signature())

	retitled := base
	retitled.TitleTemplate = "{title} ({id})"
	assert.NotEqual(t, base.Signature(), retitled.Signature())
}
