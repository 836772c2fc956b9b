package discussions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/step"
)

func ids(anchors []Anchor) []string {
	out := make([]string, len(anchors))
	for i, a := range anchors {
		out[i] = a.ID
	}
	return out
}

func TestIndexOrdersByStartThenID(t *testing.T) {
	ix := newIndex()
	ix.Put(Anchor{ID: "c", From: 5, To: 9})
	ix.Put(Anchor{ID: "a", From: 10, To: 12})
	ix.Put(Anchor{ID: "b", From: 5, To: 6})
	ix.Put(Anchor{ID: "d", From: 0, To: 30})

	assert.Equal(t, []string{"d", "b", "c", "a"}, ids(ix.All()))
	assert.Equal(t, 4, ix.Len())
}

func TestIndexPutReplacesByID(t *testing.T) {
	ix := newIndex()
	ix.Put(Anchor{ID: "a", From: 1, To: 2})
	ix.Put(Anchor{ID: "b", From: 3, To: 4})
	ix.Put(Anchor{ID: "a", From: 8, To: 9})

	assert.Equal(t, []string{"b", "a"}, ids(ix.All()))
	a, ok := ix.Get("a")
	require.True(t, ok)
	assert.Equal(t, 8, a.From)
}

func TestIndexDelete(t *testing.T) {
	ix := newIndex()
	for i := range 50 {
		ix.Put(Anchor{ID: fmt.Sprintf("n%02d", i), From: i % 7, To: i%7 + 3})
	}
	for i := 0; i < 50; i += 2 {
		require.True(t, ix.Delete(fmt.Sprintf("n%02d", i)))
	}
	assert.False(t, ix.Delete("n00"))
	assert.Equal(t, 25, ix.Len())

	all := ix.All()
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].less(all[i]), "order broken at %d", i)
	}
}

func TestIndexOverlapping(t *testing.T) {
	ix := newIndex()
	ix.Put(Anchor{ID: "long", From: 0, To: 100})
	ix.Put(Anchor{ID: "mid", From: 20, To: 30})
	ix.Put(Anchor{ID: "late", From: 60, To: 70})
	ix.Put(Anchor{ID: "touch", From: 30, To: 40})

	assert.Equal(t, []string{"long", "mid", "touch"}, ids(ix.Overlapping(25, 35)))
	assert.Equal(t, []string{"long", "mid", "touch"}, ids(ix.Overlapping(30, 30)))
	assert.Equal(t, []string{"long"}, ids(ix.Overlapping(50, 55)))
	assert.Empty(t, ix.Overlapping(101, 200))
}

func TestIndexRemap(t *testing.T) {
	ix := newIndex()
	ix.Put(Anchor{ID: "a", From: 10, To: 20})
	ix.Put(Anchor{ID: "b", From: 2, To: 4})
	ix.Put(Anchor{ID: "c", From: 22, To: 25})

	// Typing at either edge of an anchor stays outside it; deleting its
	// whole range removes it.
	m := step.NewMapping(
		step.Insert(10, "xx").Map(),
		step.Insert(22, "yy").Map(),
		step.Delete(1, 5).Map(),
	)
	dropped := ix.Remap(m)

	assert.Equal(t, []string{"b"}, dropped)
	a, _ := ix.Get("a")
	assert.Equal(t, Anchor{ID: "a", From: 8, To: 18}, a)
	c, _ := ix.Get("c")
	assert.Equal(t, Anchor{ID: "c", From: 22, To: 25}, c)
	assert.Equal(t, []string{"a", "c"}, ids(ix.All()))
}

func TestIndexRemapResolvesTies(t *testing.T) {
	ix := newIndex()
	ix.Put(Anchor{ID: "z", From: 3, To: 9})
	ix.Put(Anchor{ID: "a", From: 5, To: 10})
	ix.Put(Anchor{ID: "m", From: 12, To: 14})

	// Deleting [2,6) pulls both starts to 2; ties order by id.
	dropped := ix.Remap(step.NewMapping(step.Delete(2, 6).Map()))

	assert.Empty(t, dropped)
	assert.Equal(t, []string{"a", "z", "m"}, ids(ix.All()))
	assert.Equal(t, []string{"a", "z"}, ids(ix.Overlapping(4, 4)))
	assert.Equal(t, []string{"m"}, ids(ix.Overlapping(8, 8)))

	require.True(t, ix.Delete("z"))
	assert.Equal(t, []string{"a", "m"}, ids(ix.All()))
}

func TestIndexRemapMatchesRebuild(t *testing.T) {
	ix := newIndex()
	var want []Anchor
	for i := range 40 {
		a := Anchor{ID: fmt.Sprintf("n%02d", 39-i), From: i * 3, To: i*3 + 2 + i%4}
		ix.Put(a)
		want = append(want, a)
	}
	m := step.NewMapping(
		step.Delete(10, 31).Map(),
		step.Insert(40, "abcdef").Map(),
		step.Delete(70, 75).Map(),
	)
	dropped := ix.Remap(m)

	rebuilt := newIndex()
	var wantDropped []string
	for _, a := range want {
		a.From = m.Map(a.From, 1)
		a.To = m.Map(a.To, -1)
		if a.From >= a.To {
			wantDropped = append(wantDropped, a.ID)
			continue
		}
		rebuilt.Put(a)
	}
	assert.ElementsMatch(t, wantDropped, dropped)
	assert.Equal(t, rebuilt.All(), ix.All())
	assert.Equal(t, rebuilt.Len(), ix.Len())
	for _, a := range rebuilt.All() {
		got, ok := ix.Get(a.ID)
		require.True(t, ok)
		assert.Equal(t, a, got)
		assert.Equal(t, ids(rebuilt.Overlapping(a.From, a.From)), ids(ix.Overlapping(a.From, a.From)))
	}
}
