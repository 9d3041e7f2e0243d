// Package notes parses vault documents into the engine's read-only note view.
//
// A note is a markdown file with optional YAML frontmatter. The parser
// extracts everything the index, graph, and embedding pipeline need from a
// single pass over the raw content:
//
//   - Title: frontmatter "title", else first H1 heading, else the filename.
//   - Links: wikilink targets ([[target]] and [[target|alias]]) plus any
//     frontmatter-declared "related" paths. These feed the link graph.
//   - Tags: frontmatter "tags", lowercased, plus inline #tags.
//   - Body: content with markdown syntax stripped, used for keyword indexing
//     and as the embedding input.
//   - Fingerprint: SHA-256 of the raw content, used to detect change since
//     the last embedding.
//
// The parser never fails on malformed markdown; frontmatter that does not
// parse as YAML is treated as body text.
package notes
