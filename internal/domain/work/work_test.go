package work

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Item
	}{
		{
			name:  "trailing_newline",
			input: "http://a/1.csv\nhttp://a/2.csv\n",
			want:  []Item{{0, "http://a/1.csv"}, {1, "http://a/2.csv"}},
		},
		{
			name:  "no_trailing_newline_and_crlf",
			input: "http://a/1.csv\r\nhttp://a/2.csv",
			want:  []Item{{0, "http://a/1.csv"}, {1, "http://a/2.csv"}},
		},
		{
			name:  "blank_lines_skipped_duplicates_kept",
			input: "\nhttp://a/1.csv\n\n  \nhttp://a/1.csv\n",
			want:  []Item{{0, "http://a/1.csv"}, {1, "http://a/1.csv"}},
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseList(strings.NewReader(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPendingQueueFIFO(t *testing.T) {
	q := NewPendingQueue([]Item{NewItem(0, "a"), NewItem(1, "b")})
	q.Push(NewItem(2, "c"))
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got.ID)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len())
}

func TestPendingQueuePushFrontPreservesOrder(t *testing.T) {
	q := NewPendingQueue([]Item{NewItem(0, "a"), NewItem(1, "b"), NewItem(2, "c"), NewItem(3, "d")})

	// Pop two so PushFront can reuse the consumed prefix.
	_, _ = q.Pop()
	_, _ = q.Pop()
	q.PushFront(NewItem(0, "a"), NewItem(1, "b"))
	assert.Equal(t, []Item{{0, "a"}, {1, "b"}, {2, "c"}, {3, "d"}}, q.Snapshot())

	// Larger than the reusable prefix forces a reallocation.
	q.PushFront(NewItem(7, "x"), NewItem(8, "y"), NewItem(9, "z"))
	assert.Equal(t, []string{"x", "y", "z", "a", "b", "c", "d"}, ids(q.Snapshot()))

	q.PushFront()
	assert.Equal(t, 7, q.Len())
}

func TestPendingQueueCompaction(t *testing.T) {
	var items []Item
	for i := 0; i < 100; i++ {
		items = append(items, NewItem(i, "x"))
	}
	q := NewPendingQueue(items)

	for i := 0; i < 90; i++ {
		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, got.Seq)
	}
	assert.Equal(t, 10, q.Len())

	got, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 90, got.Seq)
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
