package notes

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrontmatter(t *testing.T) {
	content := `---
title: Deep Learning Guide
tags: [ML, neural-networks]
related:
  - machine-learning-basics
---

# Ignored Heading

Body text about [[backpropagation]] and more.
`
	p := New()
	note := p.Parse("guides/deep-learning.md", content)

	assert.Equal(t, "Deep Learning Guide", note.Title)
	assert.Equal(t, []string{"ml", "neural-networks"}, note.Tags)
	assert.Contains(t, note.Links, "backpropagation.md")
	assert.Contains(t, note.Links, "machine-learning-basics.md")
	assert.NotContains(t, note.Content, "---")
	require.NoError(t, note.Validate())
}

func TestParseTitleFromHeading(t *testing.T) {
	p := New()
	note := p.Parse("a.md", "# Machine Learning Basics\n\nSome text.")

	assert.Equal(t, "Machine Learning Basics", note.Title)
}

func TestParseTitleFromFilename(t *testing.T) {
	p := New()
	note := p.Parse("daily/2026-01-02_morning-review.md", "plain text, no heading")

	assert.Equal(t, "2026 01 02 morning review", note.Title)
}

func TestParseWikilinks(t *testing.T) {
	content := "See [[Deep Learning Guide]] and [[guides/nlp|the NLP overview]] " +
		"plus [[Deep Learning Guide#Section]] again."

	p := New()
	note := p.Parse("index.md", content)

	assert.Equal(t, []string{"Deep Learning Guide.md", "guides/nlp.md"}, note.Links)
}

func TestParseSelfLinkDropped(t *testing.T) {
	p := New()
	note := p.Parse("loop.md", "I link to [[loop]] myself.")

	assert.Empty(t, note.Links)
}

func TestParseInlineTags(t *testing.T) {
	p := New()
	note := p.Parse("a.md", "Notes on #Cooking and #recipes/dinner tonight.")

	assert.Equal(t, []string{"cooking", "recipes/dinner"}, note.Tags)
}

func TestParseMalformedFrontmatter(t *testing.T) {
	content := "---\n: : not yaml : :\n---\nbody"

	p := New()
	note := p.Parse("a.md", content)

	// Malformed frontmatter is kept as body text, never an error.
	assert.Contains(t, note.Content, "not yaml")
}

func TestStripMarkdown(t *testing.T) {
	content := "# Heading\n\nSome **bold** text with `code` and a [link](http://x).\n\n```go\nfunc ignored() {}\n```\n"

	p := New()
	note := p.Parse("a.md", content)

	assert.NotContains(t, note.Content, "**")
	assert.NotContains(t, note.Content, "func ignored")
	assert.NotContains(t, note.Content, "http://x")
	assert.Contains(t, note.Content, "bold")
	assert.Contains(t, note.Content, "link")
}

func TestFingerprintDetectsFrontmatterChange(t *testing.T) {
	p := New()
	a := p.Parse("a.md", "---\ntags: [one]\n---\nsame body")
	b := p.Parse("a.md", "---\ntags: [two]\n---\nsame body")

	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", Snippet("short", 100))

	long := "alpha beta gamma delta epsilon zeta"
	s := Snippet(long, 20)
	assert.LessOrEqual(t, len(s), 24)
	assert.Contains(t, s, "…")
}

func TestSnippetKeepsRunesIntact(t *testing.T) {
	// No spaces, so the cut can only land mid-text; it must still fall on
	// a rune boundary for multi-byte content.
	long := strings.Repeat("日本語", 20)
	for maxLen := 1; maxLen < 12; maxLen++ {
		s := Snippet(long, maxLen)
		assert.True(t, utf8.ValidString(s), "maxLen=%d produced invalid UTF-8: %q", maxLen, s)
		assert.LessOrEqual(t, len(s), maxLen+len("…"))
	}
}
