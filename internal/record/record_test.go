package record

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeRecordWireNames(t *testing.T) {
	rec := ChangeRecord{
		ID:        "0190c1b4-0000-7000-8000-000000000001",
		ClientID:  "alice-a1b2c3",
		BranchID:  "main",
		Steps:     []json.RawMessage{json.RawMessage(`{"stepType":"replace","from":0,"to":0,"text":"x"}`)},
		Timestamp: 1700000000000,
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "0190c1b4-0000-7000-8000-000000000001",
		"cId": "alice-a1b2c3",
		"bId": "main",
		"s": [{"stepType":"replace","from":0,"to":0,"text":"x"}],
		"t": 1700000000000
	}`, string(data))
}

func TestNewDiscussion(t *testing.T) {
	d, err := NewDiscussion(10, 20, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), d.CurrentKey)
	assert.Equal(t, int64(7), d.InitKey)
	assert.Equal(t, 10, d.InitAnchor)
	assert.Equal(t, 20, d.InitHead)

	sel, err := d.DecodeSelection()
	require.NoError(t, err)
	assert.Equal(t, Selection{Anchor: 10, Head: 20, Type: SelectionTypeText}, sel)
}

func TestSelectionDecodeVariants(t *testing.T) {
	var sel Selection
	require.NoError(t, json.Unmarshal([]byte(`{"a":9,"h":3,"t":"text"}`), &sel))
	assert.Equal(t, "text", sel.Type)
	assert.Equal(t, 3, sel.From())
	assert.Equal(t, 9, sel.To())

	d := &Discussion{Selection: json.RawMessage(`{"a":1}`)}
	_, err := d.DecodeSelection()
	assert.Error(t, err)

	d = &Discussion{}
	_, err = d.DecodeSelection()
	assert.Error(t, err)
}

func TestDiscussionClone(t *testing.T) {
	d, err := NewDiscussion(1, 2, 3)
	require.NoError(t, err)
	c := d.Clone()
	c.Selection[0] = 'X'
	assert.NotEqual(t, d.Selection, c.Selection)
}

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
		{"no html escape", "<a&b>", `"<a&b>"`},
		{"nested", map[string]any{"z": []any{true, int64(2)}, "y": map[string]any{}}, `{"y":{},"z":[true,2]}`},
		{"raw message", json.RawMessage(`{"to":2,"from":1}`), `{"from":1,"to":2}`},
		{"nfc", "e\u0301", "\"\u00e9\""},
		{"line separator", "a\u2028b", "\"a\u2028b\""},
		{"strings", []string{"b", "a"}, `["b","a"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalRejects(t *testing.T) {
	for _, v := range []any{nil, 1.5, json.RawMessage(`{"a":1.5}`), struct{}{}} {
		_, err := MarshalCanonical(v)
		assert.Error(t, err, "%#v", v)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	text := strings.Repeat("collaborative ", 100)
	cp, err := NewCheckpoint(100, text)
	require.NoError(t, err)
	assert.Less(t, len(cp.Doc), len(text))
	assert.Len(t, cp.Hash, 64)

	got, err := cp.Text()
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestCheckpointDetectsTampering(t *testing.T) {
	cp, err := NewCheckpoint(5, "hello")
	require.NoError(t, err)

	assert.ErrorIs(t, cp.Verify("hellO"), ErrCheckpointMismatch)

	other, err := NewCheckpoint(6, "hello")
	require.NoError(t, err)
	assert.NotEqual(t, cp.Hash, other.Hash)

	cp.Hash = other.Hash
	_, err = cp.Text()
	assert.ErrorIs(t, err, ErrCheckpointMismatch)
}
