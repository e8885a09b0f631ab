package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/brunobiangulo/ragcore/parser"
	"github.com/brunobiangulo/ragcore/store"
)

// defaultBoundaryPreference fills Policy.BoundaryPreference when it is left
// empty. splitContent does not read that field: it always splits at
// paragraph boundaries first and then at sentence boundaries, and never
// splits inside a sentence or at a heading.
var defaultBoundaryPreference = []string{"heading", "paragraph", "sentence", "word"}

// Policy controls how a parsed document is broken into store-ready chunks.
type Policy struct {
	TargetWords        int      // target word count per chunk (default 1000)
	OverlapWords       int      // words of trailing context carried into the next chunk (default 200)
	MinWords           int      // a trailing fragment below this is merged into the previous one (default 50)
	MaxChars           int      // character limit checked before adding a paragraph or sentence (default 8000)
	BoundaryPreference []string // ordered split-point preference; not read by splitContent
	PreserveTables     bool     // keep table sections whole regardless of size
	SectionInheritance bool     // child fragments inherit the parent section's heading/metadata
}

// withDefaults fills zero-value fields with the policy's defaults.
func (p Policy) withDefaults() Policy {
	if p.TargetWords == 0 {
		p.TargetWords = 1000
	}
	if p.OverlapWords == 0 {
		p.OverlapWords = 200
	}
	if p.MinWords == 0 {
		p.MinWords = 50
	}
	if p.MaxChars == 0 {
		p.MaxChars = 8000
	}
	if len(p.BoundaryPreference) == 0 {
		p.BoundaryPreference = defaultBoundaryPreference
	}
	return p
}

// Chunker converts parsed document sections into store-ready chunks.
type Chunker struct {
	policy Policy
}

// New returns a Chunker governed by the given policy. Zero-value fields fall
// back to the policy's defaults.
func New(policy Policy) *Chunker {
	return &Chunker{policy: policy.withDefaults()}
}

// Chunk converts parsed sections into store chunks with hierarchical
// relationships.  It returns a flat slice where parent-child
// relationships are tracked via ParentChunkID.  The returned chunks use
// position indices as temporary IDs; real database IDs are assigned on
// insert.
func (c *Chunker) Chunk(sections []parser.Section) []store.Chunk {
	var chunks []store.Chunk
	pos := 0
	for _, sec := range sections {
		c.processSection(sec, nil, &chunks, &pos, -1, nil)
	}
	return chunks
}

// ChunkWithSectionMap converts parsed sections into store chunks and returns
// a parallel slice mapping each chunk index to its originating top-level
// section index. This enables callers to associate per-section data (e.g.
// images) with the correct chunk IDs after insertion.
func (c *Chunker) ChunkWithSectionMap(sections []parser.Section) ([]store.Chunk, []int) {
	var chunks []store.Chunk
	var sectionMap []int
	pos := 0
	for i, sec := range sections {
		c.processSection(sec, nil, &chunks, &pos, i, &sectionMap)
	}
	return chunks, sectionMap
}

// processSection recursively converts a parser.Section (and its children)
// into one parent chunk plus zero or more child chunks.
// When sectionIdx >= 0 and sectionMap is non-nil, each chunk's originating
// top-level section index is recorded.
func (c *Chunker) processSection(sec parser.Section, parentPos *int64, chunks *[]store.Chunk, pos *int, sectionIdx int, sectionMap *[]int) {
	// --- parent chunk ---
	parentContent := buildParentContent(sec)
	parentMeta := marshalMeta(sec.Metadata)
	parentHash := contentHash(parentContent)
	parentIndex := int64(*pos)

	parent := store.Chunk{
		ID:            parentIndex, // temporary, replaced on DB insert
		ParentChunkID: parentPos,
		Content:       parentContent,
		ChunkType:     chunkTypeFromSection(sec),
		Heading:       sec.Heading,
		PageNumber:    sec.PageNumber,
		PositionInDoc: *pos,
		TokenCount:    wordCount(parentContent),
		Metadata:      parentMeta,
		ContentHash:   parentHash,
	}
	*chunks = append(*chunks, parent)
	if sectionMap != nil {
		*sectionMap = append(*sectionMap, sectionIdx)
	}
	*pos++

	// --- child chunks from content ---
	if sec.Content != "" {
		isTable := sec.Type == "table"
		var fragments []string
		if c.policy.PreserveTables && isTable {
			// Tables are kept whole: splitting rows apart loses the header
			// context a reader needs to interpret the remaining cells.
			fragments = []string{strings.TrimSpace(sec.Content)}
		} else {
			fragments = c.splitContent(sec.Content)
		}
		for _, frag := range fragments {
			childHash := contentHash(frag)
			heading := sec.Heading
			meta := parentMeta
			if !c.policy.SectionInheritance {
				// Without inheritance, child fragments carry no section context
				// of their own — only the content itself.
				heading = ""
				meta = "{}"
			}
			child := store.Chunk{
				ID:            int64(*pos),
				ParentChunkID: &parentIndex,
				Content:       frag,
				ChunkType:     childChunkType(sec),
				Heading:       heading,
				PageNumber:    sec.PageNumber,
				PositionInDoc: *pos,
				TokenCount:    wordCount(frag),
				Metadata:      meta,
				ContentHash:   childHash,
			}
			*chunks = append(*chunks, child)
			if sectionMap != nil {
				*sectionMap = append(*sectionMap, sectionIdx)
			}
			*pos++
		}
	}

	// --- recurse into child sections ---
	for _, child := range sec.Children {
		c.processSection(child, &parentIndex, chunks, pos, sectionIdx, sectionMap)
	}
}

// splitContent breaks a long text into fragments that each target
// policy.TargetWords words and policy.MaxChars characters, splitting at
// paragraph boundaries and, for a paragraph over either limit, at sentence
// boundaries. The split order is fixed; policy.BoundaryPreference is not
// consulted. A fragment can exceed policy.MaxChars: a single sentence longer
// than the limit is kept whole, and the overlap prefix is not counted when
// the limit is checked.
// Consecutive fragments share an overlap of policy.OverlapWords words of
// trailing text from the previous fragment. A trailing fragment shorter than
// policy.MinWords is merged into the previous one rather than shipped alone.
func (c *Chunker) splitContent(text string) []string {
	if wordCount(text) <= c.policy.TargetWords && len(text) <= c.policy.MaxChars {
		return []string{strings.TrimSpace(text)}
	}

	paragraphs := splitParagraphs(text)
	var fragments []string
	var current strings.Builder
	currentWords := 0
	overlapText := ""

	flush := func() {
		if current.Len() == 0 {
			return
		}
		frag := strings.TrimSpace(current.String())
		fragments = append(fragments, frag)
		overlapText = extractOverlap(frag, c.policy.OverlapWords)
		current.Reset()
		currentWords = 0
	}

	for _, para := range paragraphs {
		paraWords := wordCount(para)

		// A single paragraph that exceeds the target (by words or hard char
		// ceiling) must be split at sentence boundaries.
		if paraWords > c.policy.TargetWords || len(para) > c.policy.MaxChars {
			flush()
			sentenceFragments := c.splitBySentences(para, overlapText)
			fragments = append(fragments, sentenceFragments...)
			if len(sentenceFragments) > 0 {
				overlapText = extractOverlap(sentenceFragments[len(sentenceFragments)-1], c.policy.OverlapWords)
			}
			continue
		}

		wouldExceed := currentWords+paraWords > c.policy.TargetWords || current.Len()+len(para) > c.policy.MaxChars
		// An empty buffer with pending overlap follows a sentence-split
		// paragraph; the next fragment starts with that overlap too.
		if (wouldExceed && current.Len() > 0) || (current.Len() == 0 && overlapText != "") {
			flush()
			if overlapText != "" {
				current.WriteString(overlapText)
				current.WriteString("\n\n")
				currentWords = wordCount(overlapText)
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentWords += paraWords
	}
	flush()

	return mergeShortTrailing(fragments, c.policy.MinWords)
}

// mergeShortTrailing folds a trailing fragment shorter than minWords into the
// fragment before it, so chunking never emits a near-empty final chunk.
func mergeShortTrailing(fragments []string, minWords int) []string {
	if len(fragments) < 2 {
		return fragments
	}
	last := fragments[len(fragments)-1]
	if wordCount(last) >= minWords {
		return fragments
	}
	merged := make([]string, len(fragments)-1)
	copy(merged, fragments[:len(fragments)-2])
	merged[len(merged)-1] = strings.TrimSpace(fragments[len(fragments)-2] + "\n\n" + last)
	return merged
}

// splitBySentences breaks a paragraph into fragments at sentence
// boundaries, respecting policy.TargetWords and prepending overlap from the
// previous fragment.
func (c *Chunker) splitBySentences(text string, initialOverlap string) []string {
	sentences := splitSentences(text)
	var fragments []string
	var current strings.Builder
	currentWords := 0

	if initialOverlap != "" {
		current.WriteString(initialOverlap)
		current.WriteString(" ")
		currentWords = wordCount(initialOverlap)
	}

	for _, sent := range sentences {
		sentWords := wordCount(sent)

		if (currentWords+sentWords > c.policy.TargetWords || current.Len()+len(sent) > c.policy.MaxChars) && current.Len() > 0 {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			overlap := extractOverlap(current.String(), c.policy.OverlapWords)
			current.Reset()
			currentWords = 0
			if overlap != "" {
				current.WriteString(overlap)
				current.WriteString(" ")
				currentWords = wordCount(overlap)
			}
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentWords += sentWords
	}

	if current.Len() > 0 {
		fragments = append(fragments, strings.TrimSpace(current.String()))
	}

	return fragments
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// wordCount counts whitespace-delimited words, the unit the chunking policy
// is expressed in (target_words/overlap_words/min_words).
func wordCount(text string) int {
	return len(strings.Fields(text))
}

// buildParentContent produces the parent chunk body: the heading
// followed by an abbreviated version of the section content (first
// 200 characters).
func buildParentContent(sec parser.Section) string {
	var b strings.Builder
	if sec.Heading != "" {
		b.WriteString(sec.Heading)
		b.WriteString("\n\n")
	}
	content := strings.TrimSpace(sec.Content)
	if len(content) > 200 {
		// Cut at the last space within the first 200 chars to avoid
		// splitting a word.
		idx := strings.LastIndex(content[:200], " ")
		if idx < 0 {
			idx = 200
		}
		content = content[:idx] + "..."
	}
	b.WriteString(content)
	return strings.TrimSpace(b.String())
}

// chunkTypeFromSection maps a section type to a chunk type string.
func chunkTypeFromSection(sec parser.Section) string {
	switch sec.Type {
	case "table":
		return "table"
	case "definition":
		return "definition"
	case "requirement":
		return "requirement"
	case "paragraph":
		return "paragraph"
	default:
		return "section"
	}
}

// childChunkType returns the chunk type to assign to child fragments
// of a section.
func childChunkType(sec parser.Section) string {
	switch sec.Type {
	case "table":
		return "table"
	case "definition":
		return "definition"
	case "requirement":
		return "requirement"
	default:
		return "paragraph"
	}
}

// splitParagraphs splits text on blank-line boundaries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences is a simple sentence tokeniser.  It splits on
// period/question-mark/exclamation followed by whitespace or end of
// string, while trying not to split on abbreviations.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			// Look ahead: if next char is whitespace or end of string,
			// treat as sentence boundary (simple heuristic).
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// extractOverlap returns the trailing portion of text whose word count is at
// most maxWords.
func extractOverlap(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	if maxWords > len(words) {
		maxWords = len(words)
	}
	if maxWords == 0 {
		return ""
	}
	return strings.Join(words[len(words)-maxWords:], " ")
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// marshalMeta serialises a metadata map to a JSON string.
// Returns "{}" for nil or empty maps.
func marshalMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
