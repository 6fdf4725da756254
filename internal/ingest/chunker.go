package ingest

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aimerfeng/CampusRAG/internal/config"
	"github.com/tmc/langchaingo/textsplitter"
)

// separators are tried in order: paragraphs, lines, sentences, clauses, words
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", ""}

// Piece is one chunk of text before embedding
type Piece struct {
	Page    int
	Content string
}

// EstimateTokens approximates the token count as one token per four characters
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}

// Chunker splits page texts into overlapping, token-bounded pieces
type Chunker struct {
	splitter  textsplitter.RecursiveCharacter
	maxTokens int
	minTokens int
}

// NewChunker creates a chunker from ingest configuration
func NewChunker(cfg *config.IngestConfig) *Chunker {
	return &Chunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkTokens),
			textsplitter.WithChunkOverlap(cfg.OverlapTokens),
			textsplitter.WithSeparators(separators),
			textsplitter.WithLenFunc(EstimateTokens),
		),
		maxTokens: cfg.ChunkTokens,
		minTokens: cfg.MinChunkTokens,
	}
}

// Split splits each page, then merges runs of short pieces forward while the
// merged piece stays within the token window and page. The result is
// deterministic.
func (c *Chunker) Split(pages []Page) ([]Piece, error) {
	var pieces []Piece
	for _, p := range pages {
		txt := normalizeText(p.Text)
		if txt == "" {
			continue
		}
		parts, err := c.splitter.SplitText(txt)
		if err != nil {
			return nil, fmt.Errorf("failed to split page %d: %w", p.Number, err)
		}
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				pieces = append(pieces, Piece{Page: p.Number, Content: part})
			}
		}
	}
	return c.mergeShort(pieces), nil
}

// mergeShort merges short pieces forward while the result stays within the
// token window. Only pieces of the same page merge, and text the splitter
// repeated as overlap between them is kept once.
func (c *Chunker) mergeShort(pieces []Piece) []Piece {
	if c.minTokens <= 0 || len(pieces) < 2 {
		return pieces
	}
	out := make([]Piece, 0, len(pieces))
	cur := pieces[0]
	for _, next := range pieces[1:] {
		if next.Page == cur.Page && EstimateTokens(cur.Content) < c.minTokens {
			merged := joinOverlapping(cur.Content, next.Content)
			if EstimateTokens(merged) <= c.maxTokens {
				cur.Content = merged
				continue
			}
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// minOverlap is the shortest shared text treated as splitter overlap rather
// than a coincidental repeat
const minOverlap = 8

// joinOverlapping appends b to a, dropping the longest prefix of b that a
// already ends with. The shared text must start and end on word boundaries.
func joinOverlapping(a, b string) string {
	for k := min(len(a), len(b)); k >= minOverlap; k-- {
		if k < len(b) && !isBreak(b[k]) {
			continue
		}
		if k < len(a) && !isBreak(a[len(a)-k-1]) {
			continue
		}
		if strings.HasSuffix(a, b[:k]) {
			return a + strings.TrimRight(b[k:], " \t\n")
		}
	}
	return a + "\n\n" + b
}

func isBreak(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// DocumentID derives a stable id for a source document of one owner and topic
func DocumentID(ownerID, topic, filename string) string {
	sum := sha256.Sum256([]byte(ownerID + "\x00" + topic + "\x00" + filename))
	return fmt.Sprintf("%x", sum[:16])
}

// ChunkID derives a chunk id from its content hash and sequence number, so
// reprocessing the same document yields the same ids.
func ChunkID(ownerID, topic, filename, content string, seq int) string {
	sum := sha256.Sum256([]byte(ownerID + "\x00" + topic + "\x00" + filename + "\x00" + content))
	return fmt.Sprintf("%x-%04d", sum[:12], seq)
}
