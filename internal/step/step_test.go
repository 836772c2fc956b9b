package step

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceApply(t *testing.T) {
	tests := []struct {
		name string
		doc  Doc
		step Replace
		want Doc
	}{
		{"insert at start", "world", Insert(0, "hello "), "hello world"},
		{"insert at end", "hello", Insert(5, "!"), "hello!"},
		{"delete middle", "hello world", Delete(5, 11), "hello"},
		{"replace", "cat", Replace{From: 0, To: 1, Text: "b"}, "bat"},
		{"multibyte runes", "héllo", Insert(2, "✓"), "hé✓llo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.step.Apply(tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplaceApplyOutOfRange(t *testing.T) {
	_, err := Delete(2, 10).Apply("abc")
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = Replace{From: 2, To: 1}.Apply("abc")
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReplaceInvertRoundTrip(t *testing.T) {
	doc := Doc("the quick fox")
	s := Replace{From: 4, To: 9, Text: "slow"}

	after, err := s.Apply(doc)
	require.NoError(t, err)
	assert.Equal(t, Doc("the slow fox"), after)

	inv, err := s.Invert(doc)
	require.NoError(t, err)
	back, err := inv.Apply(after)
	require.NoError(t, err)
	assert.Equal(t, doc, back)
}

func TestStepMapAssoc(t *testing.T) {
	insert := Insert(5, "abc").Map()

	assert.Equal(t, 4, insert.Map(4, 1))
	assert.Equal(t, 5, insert.Map(5, -1))
	assert.Equal(t, 8, insert.Map(5, 1))
	assert.Equal(t, 9, insert.Map(6, -1))

	del := Delete(2, 6).Map()
	pos, deleted := del.MapResult(4, 1)
	assert.Equal(t, 2, pos)
	assert.True(t, deleted)

	pos, deleted = del.MapResult(2, 1)
	assert.Equal(t, 2, pos)
	assert.False(t, deleted)

	pos, deleted = del.MapResult(6, -1)
	assert.Equal(t, 2, pos)
	assert.False(t, deleted)

	assert.Equal(t, 6, del.Map(10, 1))
}

func TestMappingComposes(t *testing.T) {
	m := NewMapping(Insert(0, "12345").Map(), Delete(0, 2).Map())
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 13, m.Map(10, 1))

	inverse := NewMapping(Insert(0, "12345").Map().Invert())
	assert.Equal(t, 10, inverse.Map(15, 1))
}

func TestReplaceMapThrough(t *testing.T) {
	t.Run("shifted by earlier insert", func(t *testing.T) {
		m := NewMapping(Insert(0, "ab").Map())
		got, ok := Replace{From: 3, To: 5, Text: "x"}.MapThrough(m)
		require.True(t, ok)
		assert.Equal(t, Replace{From: 5, To: 7, Text: "x"}, got)
	})

	t.Run("insert at same position goes after", func(t *testing.T) {
		m := NewMapping(Insert(3, "ab").Map())
		got, ok := Insert(3, "z").MapThrough(m)
		require.True(t, ok)
		assert.Equal(t, Insert(5, "z"), got)
	})

	t.Run("range swallowed by deletion", func(t *testing.T) {
		m := NewMapping(Delete(0, 10).Map())
		_, ok := Replace{From: 2, To: 4, Text: "y"}.MapThrough(m)
		assert.False(t, ok)
	})
}

func TestCodecRoundTrip(t *testing.T) {
	steps := []Step{Insert(0, "hi"), Delete(1, 2), Replace{From: 0, To: 1, Text: "<&>"}}

	raws, err := EncodeAll(steps)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stepType":"replace","from":0,"to":0,"text":"hi"}`, string(raws[0]))

	decoded, err := DefaultRegistry.DecodeAll(raws)
	require.NoError(t, err)
	assert.Equal(t, steps, decoded)
}

func TestCodecErrors(t *testing.T) {
	_, err := Decode(json.RawMessage(`{"stepType":"addMark","from":1}`))
	assert.ErrorIs(t, err, ErrUnknownStepType)

	_, err = Decode(json.RawMessage(`{"stepType":"replace","from":4,"to":1}`))
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = Decode(json.RawMessage(`not json`))
	assert.Error(t, err)
}

