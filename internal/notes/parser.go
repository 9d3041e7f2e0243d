package notes

import (
	"crypto/sha256"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/notectx/notectx-mcp/pkg/types"
)

// Markdown extraction patterns.
var (
	wikilinkPattern   = regexp.MustCompile(`\[\[([^\[\]|#]+)(?:#[^\[\]|]*)?(?:\|[^\[\]]*)?\]\]`)
	inlineTagPattern  = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}/_-]+)`)
	codeBlockPattern  = regexp.MustCompile("(?s)```.*?```")
	inlineCodePattern = regexp.MustCompile("`[^`]+`")
	imagePattern      = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	mdLinkPattern     = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	headingPattern    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	emphasisPattern   = regexp.MustCompile(`(\*{1,3}|_{1,3})([^*_]+)(\*{1,3}|_{1,3})`)
)

// frontmatter is the subset of YAML frontmatter the engine understands.
// Unknown keys are ignored.
type frontmatter struct {
	Title   string   `yaml:"title"`
	Tags    []string `yaml:"tags"`
	Topics  []string `yaml:"topics"`
	Related []string `yaml:"related"`
}

// Parser converts raw vault documents into types.Note values.
type Parser struct{}

// New creates a new Parser instance.
func New() *Parser {
	return &Parser{}
}

// Parse builds a Note from a vault document. The path is the note's stable
// identity relative to the vault root; content is the raw file content.
func (p *Parser) Parse(path, content string) *types.Note {
	fm, body := splitFrontmatter(content)

	note := &types.Note{
		Path:    path,
		Content: strings.TrimSpace(stripMarkdown(body)),
	}

	// Fingerprint covers the raw content so frontmatter-only edits are
	// detected as changes too.
	note.Fingerprint = sha256.Sum256([]byte(content))
	note.EstimateTokens()

	note.Title = fm.Title
	if note.Title == "" {
		note.Title = firstHeading(body)
	}
	if note.Title == "" {
		note.Title = titleFromFilename(path)
	}

	note.Links = extractLinks(body, fm.Related, path)
	note.Tags = extractTags(body, fm)

	return note
}

// splitFrontmatter separates a leading YAML frontmatter block from the body.
// Malformed frontmatter is returned as part of the body.
func splitFrontmatter(content string) (frontmatter, string) {
	var fm frontmatter

	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return fm, content
	}

	rest := strings.TrimPrefix(content, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, content
	}

	block := rest[:end]
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")

	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		return frontmatter{}, content
	}

	return fm, body
}

// extractLinks collects wikilink targets and frontmatter relations,
// deduplicated and normalized to vault-relative .md paths. Self-links are
// dropped.
func extractLinks(body string, related []string, selfPath string) []string {
	seen := make(map[string]struct{})
	var links []string

	add := func(target string) {
		target = normalizeTarget(target)
		if target == "" || target == selfPath {
			return
		}
		if _, ok := seen[target]; ok {
			return
		}
		seen[target] = struct{}{}
		links = append(links, target)
	}

	for _, m := range wikilinkPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	for _, r := range related {
		add(r)
	}

	sort.Strings(links)
	return links
}

// normalizeTarget converts a wikilink target to a vault-relative path with a
// .md extension.
func normalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if filepath.Ext(target) == "" {
		target += ".md"
	}
	return filepath.ToSlash(target)
}

// extractTags merges frontmatter tags/topics with inline #tags, lowercased
// and deduplicated.
func extractTags(body string, fm frontmatter) []string {
	seen := make(map[string]struct{})
	var tags []string

	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(tag, "#")))
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	for _, t := range fm.Tags {
		add(t)
	}
	for _, t := range fm.Topics {
		add(t)
	}
	for _, m := range inlineTagPattern.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}

	sort.Strings(tags)
	return tags
}

// firstHeading returns the first H1 heading text, if any.
func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
	}
	return ""
}

// titleFromFilename derives a human-readable title from the note path.
func titleFromFilename(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	return name
}

// stripMarkdown reduces markdown to plain text for indexing and embedding.
// Wikilink targets survive as their display text so link titles remain
// searchable.
func stripMarkdown(body string) string {
	body = codeBlockPattern.ReplaceAllString(body, "")
	body = inlineCodePattern.ReplaceAllString(body, "")
	body = imagePattern.ReplaceAllString(body, "")
	body = mdLinkPattern.ReplaceAllString(body, "$1")

	// [[target|alias]] -> alias, [[target]] -> target
	body = wikilinkPattern.ReplaceAllStringFunc(body, func(m string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(m, "[["), "]]")
		if idx := strings.LastIndex(inner, "|"); idx >= 0 {
			return inner[idx+1:]
		}
		if idx := strings.Index(inner, "#"); idx >= 0 {
			return inner[:idx]
		}
		return inner
	})

	body = headingPattern.ReplaceAllString(body, "")
	body = emphasisPattern.ReplaceAllString(body, "$2")

	return body
}

// Snippet returns the leading excerpt of a note body for display in results.
// The cut always lands on a rune boundary, preferring a word boundary when one
// is close enough.
func Snippet(content string, maxLen int) string {
	content = strings.TrimSpace(content)
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}

	end := maxLen
	for end > 0 && !utf8.RuneStart(content[end]) {
		end--
	}

	cut := content[:end]
	if idx := strings.LastIndex(cut, " "); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
