package broadcast

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistory(t *testing.T) {
	cases := []struct {
		name     string
		capacity int
		lines    []string
		expLines []string
	}{
		{
			name:     "empty",
			capacity: 3,
			expLines: []string{},
		},
		{
			name:     "under capacity",
			capacity: 3,
			lines:    []string{"a", "b"},
			expLines: []string{"a", "b"},
		},
		{
			name:     "at capacity",
			capacity: 3,
			lines:    []string{"a", "b", "c"},
			expLines: []string{"a", "b", "c"},
		},
		{
			name:     "evicts oldest",
			capacity: 3,
			lines:    []string{"a", "b", "c", "d"},
			expLines: []string{"b", "c", "d"},
		},
		{
			name:     "wraps more than once",
			capacity: 2,
			lines:    []string{"a", "b", "c", "d", "e"},
			expLines: []string{"d", "e"},
		},
		{
			name:     "zero capacity is treated as one",
			capacity: 0,
			lines:    []string{"a", "b"},
			expLines: []string{"b"},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := NewHistory(c.capacity)
			for _, l := range c.lines {
				h.Add(l)
			}
			assert.Equal(t, c.expLines, h.Snapshot())
			assert.Equal(t, len(c.expLines), h.Len())
		})
	}
}

func TestHistoryKeepsLastLines(t *testing.T) {
	h := NewHistory(10)
	var all []string
	for i := 0; i < 95; i++ {
		l := fmt.Sprintf("line %d", i)
		all = append(all, l)
		h.Add(l)
		assert.LessOrEqual(t, h.Len(), 10)
	}
	assert.Equal(t, all[85:], h.Snapshot())
}

func TestHistoryClear(t *testing.T) {
	h := NewHistory(3)
	h.Add("a")
	h.Add("b")
	h.Add("c")
	h.Add("d")

	h.Clear()
	assert.Empty(t, h.Snapshot())
	assert.Equal(t, 3, h.Cap())

	for _, l := range []string{"e", "f", "g", "h"} {
		h.Add(l)
	}
	assert.Equal(t, []string{"f", "g", "h"}, h.Snapshot())
	assert.Equal(t, 3, h.Cap())
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	h := NewHistory(3)
	h.Add("a")
	s := h.Snapshot()
	s[0] = "changed"
	assert.Equal(t, []string{"a"}, h.Snapshot())
}
