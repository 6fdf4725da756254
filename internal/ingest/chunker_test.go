package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeShort(t *testing.T) {
	c := &Chunker{maxTokens: 100, minTokens: 20}

	tests := []struct {
		name string
		in   []Piece
		want []Piece
	}{
		{
			name: "overlap kept once",
			in:   []Piece{{1, "alpha beta gamma delta"}, {1, "gamma delta epsilon zeta"}},
			want: []Piece{{1, "alpha beta gamma delta epsilon zeta"}},
		},
		{
			name: "overlap covering the next piece",
			in:   []Piece{{1, "alpha beta gamma delta"}, {1, "gamma delta"}},
			want: []Piece{{1, "alpha beta gamma delta"}},
		},
		{
			name: "no overlap",
			in:   []Piece{{1, "alpha beta"}, {1, "gamma delta"}},
			want: []Piece{{1, "alpha beta\n\ngamma delta"}},
		},
		{
			name: "short repeat is not overlap",
			in:   []Piece{{1, "see the"}, {1, "the end"}},
			want: []Piece{{1, "see the\n\nthe end"}},
		},
		{
			name: "partial word is not overlap",
			in:   []Piece{{1, "integration bound"}, {1, "ration bound rules"}},
			want: []Piece{{1, "integration bound\n\nration bound rules"}},
		},
		{
			name: "pages stay apart",
			in:   []Piece{{1, "limits"}, {2, "derivatives"}, {2, "slopes"}},
			want: []Piece{{1, "limits"}, {2, "derivatives\n\nslopes"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.mergeShort(tt.in))
		})
	}
}
