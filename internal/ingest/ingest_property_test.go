package ingest_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/ingest"
	"github.com/aimerfeng/CampusRAG/internal/provider/providertest"
	"github.com/aimerfeng/CampusRAG/internal/retry"
	"github.com/aimerfeng/CampusRAG/internal/vectorindex"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func smallWindow() *config.IngestConfig {
	return &config.IngestConfig{
		ChunkTokens:    50,
		MinChunkTokens: 20,
		OverlapTokens:  10,
		EmbedBatchSize: 2,
	}
}

func defaultWindow() *config.IngestConfig {
	return &config.IngestConfig{
		ChunkTokens:    500,
		MinChunkTokens: 200,
		OverlapTokens:  50,
		EmbedBatchSize: 100,
	}
}

func genDocument(rt *rapid.T) string {
	paragraphs := rapid.SliceOfN(
		rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 1, 60),
		1, 8,
	).Draw(rt, "paragraphs")
	parts := make([]string, len(paragraphs))
	for i, words := range paragraphs {
		parts[i] = strings.Join(words, " ")
	}
	return strings.Join(parts, "\n\n")
}

// TestProperty_Chunker_DeterministicAndBounded tests chunking stability
// *For any* document, splitting twice SHALL give identical pieces, each within the token window.
func TestProperty_Chunker_DeterministicAndBounded(t *testing.T) {
	cfg := smallWindow()
	chunker := ingest.NewChunker(cfg)

	rapid.Check(t, func(rt *rapid.T) {
		doc := genDocument(rt)
		pages := []ingest.Page{{Number: 1, Text: doc}}

		first, err := chunker.Split(pages)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		second, err := chunker.Split(pages)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		if len(first) != len(second) {
			t.Fatalf("PROPERTY VIOLATION: split produced %d then %d pieces", len(first), len(second))
		}
		for i := range first {
			if first[i] != second[i] {
				t.Fatalf("PROPERTY VIOLATION: piece %d differs between runs", i)
			}
			if n := ingest.EstimateTokens(first[i].Content); n > cfg.ChunkTokens {
				t.Fatalf("PROPERTY VIOLATION: piece %d has %d tokens, window is %d", i, n, cfg.ChunkTokens)
			}
			if strings.TrimSpace(first[i].Content) == "" {
				t.Fatalf("PROPERTY VIOLATION: piece %d is blank", i)
			}
		}
	})
}

// TestProperty_ChunkIDs_Deterministic tests idempotent re-ingestion ids
// *For any* owner, topic, file and content, the chunk id SHALL be a pure function of its inputs.
func TestProperty_ChunkIDs_Deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		owner := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(rt, "owner")
		topic := rapid.StringMatching(`[a-z]{1,12}`).Draw(rt, "topic")
		content := rapid.String().Draw(rt, "content")
		seq := rapid.IntRange(0, 9999).Draw(rt, "seq")

		a := ingest.ChunkID(owner, topic, "notes.pdf", content, seq)
		b := ingest.ChunkID(owner, topic, "notes.pdf", content, seq)
		if a != b {
			t.Fatalf("PROPERTY VIOLATION: chunk id not deterministic: %s vs %s", a, b)
		}
		if c := ingest.ChunkID(owner, topic, "notes.pdf", content, seq+1); c == a {
			t.Fatalf("PROPERTY VIOLATION: sequence offset did not change id %s", a)
		}
		if d := ingest.ChunkID(owner, topic+"x", "notes.pdf", content, seq); d == a {
			t.Fatalf("PROPERTY VIOLATION: topic did not change id %s", a)
		}
	})
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// threeParagraphs builds a document that splits into exactly three chunks
// under the default window: each paragraph is about 300 tokens.
func threeParagraphs() string {
	return strings.Join([]string{
		strings.Repeat("limits continuity ", 66),
		strings.Repeat("derivative slope ", 70),
		strings.Repeat("integral area ", 85),
	}, "\n\n")
}

func newProcessor(cfg *config.IngestConfig, embedder *providertest.Embedder, index vectorindex.Index) *ingest.Processor {
	policy := retry.Policy{MaxRetries: 3}
	return ingest.NewProcessor(ingest.FileExtractor{}, embedder, index, policy, cfg)
}

func TestProcessor_IndexesChunks(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	embedder := providertest.NewEmbedder()
	p := newProcessor(defaultWindow(), embedder, index)
	path := writeFile(t, "calc.txt", threeParagraphs())

	req := ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: path, Filename: "calc.txt", Topic: "calculus"}
	res, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 3, index.Count("calculus"))

	// Redelivery of the same message converges on the same chunk set.
	res, err = p.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, index.Count("calculus"))
}

func TestProcessor_ChunkMetadata(t *testing.T) {
	p := newProcessor(defaultWindow(), providertest.NewEmbedder(), vectorindex.NewMemoryIndex())
	path := writeFile(t, "calc.txt", threeParagraphs())
	jobID := uuid.New()

	chunks, err := p.Chunks(context.Background(), ingest.Request{
		JobID: jobID, OwnerID: "alice", FileRef: path, Filename: "calc.txt", Topic: "calculus",
		Metadata: map[string]string{"course": "MATH101"},
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 3, c.Total)
		assert.Equal(t, "calc.txt", c.Source)
		assert.Equal(t, "calculus", c.Topic)
		assert.Equal(t, "MATH101", c.Metadata["course"])
		assert.Equal(t, jobID.String(), c.Metadata["job_id"])
		assert.Equal(t, ingest.DocumentID("alice", "calculus", "calc.txt"), c.DocumentID)
	}
}

func TestProcessor_EmbeddingFailuresExhaustBudget(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	embedder := providertest.NewEmbedder()
	embedder.FailTimes = 4
	p := newProcessor(defaultWindow(), embedder, index)
	path := writeFile(t, "calc.txt", threeParagraphs())

	_, err := p.Process(context.Background(), ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: path, Filename: "calc.txt", Topic: "calculus"})
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.ErrorIs(t, err, providertest.ErrUnavailable)
	assert.Equal(t, 4, embedder.Calls())
	assert.Zero(t, index.Count("calculus"), "no partial chunks are stored")
}

func TestProcessor_BudgetCarriesAcrossDeliveries(t *testing.T) {
	embedder := providertest.NewEmbedder()
	embedder.FailTimes = 2
	p := newProcessor(defaultWindow(), embedder, vectorindex.NewMemoryIndex())
	path := writeFile(t, "calc.txt", threeParagraphs())

	// Two failures already charged on earlier deliveries leave one retry.
	_, err := p.Process(context.Background(), ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: path, Filename: "calc.txt", Topic: "calculus", Attempt: 2})
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)

	res, err := p.Process(context.Background(), ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: path, Filename: "calc.txt", Topic: "calculus", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts, "a success does not charge the budget")
}

func TestProcessor_PermanentFailures(t *testing.T) {
	p := newProcessor(defaultWindow(), providertest.NewEmbedder(), vectorindex.NewMemoryIndex())

	tests := []struct {
		name    string
		path    string
		file    string
		wantErr error
	}{
		{"empty document", writeFile(t, "blank.txt", "  \n\n "), "blank.txt", ingest.ErrNoText},
		{"missing file", filepath.Join(t.TempDir(), "gone.txt"), "gone.txt", ingest.ErrFileMissing},
		{"unsupported format", writeFile(t, "tool.exe", "MZ"), "tool.exe", ingest.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Process(context.Background(), ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: tt.path, Filename: tt.file, Topic: "calculus"})
			require.Error(t, err)
			assert.True(t, apierrors.IsPermanent(err), "got %v", err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestProcessor_CheckpointAbortsBetweenBatches(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	cfg := defaultWindow()
	cfg.EmbedBatchSize = 1
	p := newProcessor(cfg, providertest.NewEmbedder(), index)
	path := writeFile(t, "calc.txt", threeParagraphs())

	errCancelled := errors.New("job cancelled")
	checkpoints := 0
	_, err := p.Process(context.Background(), ingest.Request{
		JobID: uuid.New(), OwnerID: "alice", FileRef: path, Filename: "calc.txt", Topic: "calculus",
		Checkpoint: func(context.Context) error {
			checkpoints++
			return apierrors.Cancellation("test", errCancelled)
		},
	})
	require.ErrorIs(t, err, errCancelled)
	assert.Equal(t, 1, checkpoints)
	assert.Equal(t, 1, index.Count("calculus"))
}

func TestProcessor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newProcessor(defaultWindow(), providertest.NewEmbedder(), vectorindex.NewMemoryIndex())
	path := writeFile(t, "calc.txt", threeParagraphs())

	_, err := p.Process(ctx, ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: path, Filename: "calc.txt", Topic: "calculus"})
	assert.True(t, apierrors.IsCancellation(err), "got %v", err)
}

func TestMarkdownText(t *testing.T) {
	src := "# Derivatives\n\nThe *slope* of a curve.\n\n```\nf'(x)\n```\n\n| a | b |\n|---|---|\n| 1 | 2 |\n"
	out := ingest.MarkdownText([]byte(src))
	assert.Contains(t, out, "Derivatives\n\n")
	assert.Contains(t, out, "The slope of a curve.")
	assert.Contains(t, out, "f'(x)")
	assert.Contains(t, out, "1\t2")
	assert.NotContains(t, out, "#")
	assert.NotContains(t, out, "```")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, ingest.EstimateTokens(""))
	assert.Equal(t, 1, ingest.EstimateTokens("abc"))
	assert.Equal(t, 1, ingest.EstimateTokens("abcd"))
	assert.Equal(t, 2, ingest.EstimateTokens("cálculo"))
}

// TestProperty_Chunker_MergeKeepsTextOnceAndPagesApart tests short piece merging
// *For any* multi-page document, each piece SHALL hold words of one page in order, without repeats.
func TestProperty_Chunker_MergeKeepsTextOnceAndPagesApart(t *testing.T) {
	cfg := smallWindow()
	chunker := ingest.NewChunker(cfg)

	rapid.Check(t, func(rt *rapid.T) {
		numPages := rapid.IntRange(1, 4).Draw(rt, "pages")
		pages := make([]ingest.Page, numPages)
		seq := 0
		for p := range pages {
			lengths := rapid.SliceOfN(rapid.IntRange(1, 40), 1, 6).Draw(rt, fmt.Sprintf("paragraphs%d", p))
			parts := make([]string, len(lengths))
			for i, n := range lengths {
				words := make([]string, n)
				for j := range words {
					seq++
					words[j] = fmt.Sprintf("p%dw%04d", p+1, seq)
				}
				parts[i] = strings.Join(words, " ")
			}
			pages[p] = ingest.Page{Number: p + 1, Text: strings.Join(parts, "\n\n")}
		}

		pieces, err := chunker.Split(pages)
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		for i, piece := range pieces {
			last := ""
			for _, w := range strings.Fields(piece.Content) {
				if !strings.HasPrefix(w, fmt.Sprintf("p%dw", piece.Page)) {
					t.Fatalf("PROPERTY VIOLATION: piece %d on page %d holds %q", i, piece.Page, w)
				}
				if w <= last {
					t.Fatalf("PROPERTY VIOLATION: piece %d repeats or reorders %q after %q", i, w, last)
				}
				last = w
			}
		}
	})
}

type panickingExtractor struct{}

func (panickingExtractor) Extract(context.Context, string, string) ([]ingest.Page, error) {
	panic("pdf: unexpected kid type")
}

// stuckExtractor ignores its context, like a parser looping on a corrupt file
type stuckExtractor struct {
	release chan struct{}
}

func (e stuckExtractor) Extract(context.Context, string, string) ([]ingest.Page, error) {
	<-e.release
	return nil, nil
}

func TestProcessor_ExtractorPanicIsPermanent(t *testing.T) {
	p := ingest.NewProcessor(panickingExtractor{}, providertest.NewEmbedder(), vectorindex.NewMemoryIndex(), retry.Policy{MaxRetries: 3}, defaultWindow())

	_, err := p.Process(context.Background(), ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: "x.pdf", Filename: "x.pdf", Topic: "calculus"})
	require.Error(t, err)
	assert.True(t, apierrors.IsPermanent(err), "got %v", err)
	assert.ErrorIs(t, err, ingest.ErrMalformed)
}

func TestProcessor_StuckExtractionTimesOut(t *testing.T) {
	ext := stuckExtractor{release: make(chan struct{})}
	t.Cleanup(func() { close(ext.release) })
	cfg := defaultWindow()
	cfg.ExtractTimeout = 50 * time.Millisecond
	p := ingest.NewProcessor(ext, providertest.NewEmbedder(), vectorindex.NewMemoryIndex(), retry.Policy{MaxRetries: 3}, cfg)

	start := time.Now()
	_, err := p.Process(context.Background(), ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: "x.pdf", Filename: "x.pdf", Topic: "calculus"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, apierrors.IsPermanent(err), "got %v", err)
	assert.ErrorIs(t, err, ingest.ErrMalformed)
}

// buildPDF lays out objects numbered from 1 with a valid xref table, so the
// reader gets past the trailer and into the object graph.
func buildPDF(objects ...string) string {
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.String()
}

func TestProcessor_MalformedPDFIsPermanent(t *testing.T) {
	tests := []struct {
		name  string
		pages string
	}{
		{"unterminated page tree", "<< /Type /Pages /Kids [3 0 R /Count 1"},
		{"non-reference kid", "<< /Type /Pages /Kids [ (x) ] /Count 1 >>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultWindow()
			cfg.ExtractTimeout = 500 * time.Millisecond
			p := newProcessor(cfg, providertest.NewEmbedder(), vectorindex.NewMemoryIndex())
			path := writeFile(t, "broken.pdf", buildPDF(
				"<< /Type /Catalog /Pages 2 0 R >>",
				tt.pages,
				"<< /Type /Page /Parent 2 0 R /Contents 4 0 R >>",
				"<< /Length 0 >>\nstream\n\nendstream",
			))

			start := time.Now()
			_, err := p.Process(context.Background(), ingest.Request{JobID: uuid.New(), OwnerID: "alice", FileRef: path, Filename: "broken.pdf", Topic: "calculus"})
			require.Error(t, err)
			assert.Less(t, time.Since(start), 5*time.Second)
			assert.True(t, apierrors.IsPermanent(err), "got %v", err)
		})
	}
}
