package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scalarRecord struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Ratio   float64 `json:"ratio"`
	Enabled bool    `json:"enabled"`
	Numeric string  `json:"numeric"`
	Braced  string  `json:"braced"`
}

type nestedRecord struct {
	ID    string            `json:"id"`
	Args  []any             `json:"args"`
	Meta  map[string]string `json:"meta"`
	Inner struct {
		Depth int `json:"depth"`
	} `json:"inner"`
	Skip string `json:"-"`
}

// TestFlattenPreservesOrder tests field order and verbatim scalars
func TestFlattenPreservesOrder(t *testing.T) {
	fields, err := Flatten(scalarRecord{Name: "a b", Count: 3, Ratio: 0.5, Enabled: true, Numeric: "42", Braced: "{x"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"name", "a b",
		"count", "3",
		"ratio", "0.5",
		"enabled", "true",
		"numeric", "42",
		"braced", "{x",
	}, fields)
}

// TestRoundTripScalar tests decode(encode(r)) == r for scalar records
func TestRoundTripScalar(t *testing.T) {
	in := scalarRecord{Name: "video.mp4", Count: -7, Ratio: 1.25, Enabled: false, Numeric: "007", Braced: "[not json"}
	fields, err := Flatten(in)
	require.NoError(t, err)

	var out scalarRecord
	require.NoError(t, Unflatten(fields, &out))
	assert.Equal(t, in, out)
}

// TestRoundTripNested tests that nested structures survive as structures
func TestRoundTripNested(t *testing.T) {
	in := nestedRecord{
		ID:   "t-1",
		Args: []any{"http://host/a.m3u8", "/tmp/out", map[string]any{"k": "v"}, 3.0, true},
		Meta: map[string]string{"source": "dlna"},
	}
	in.Inner.Depth = 2

	fields, err := Flatten(in)
	require.NoError(t, err)
	assert.Equal(t, "args", fields[2])
	assert.Equal(t, `["http://host/a.m3u8","/tmp/out",{"k":"v"},3,true]`, fields[3])

	var out nestedRecord
	require.NoError(t, Unflatten(fields, &out))
	assert.Equal(t, in, out)
}

// TestUnflattenIntoMap tests the untyped decode heuristic
func TestUnflattenIntoMap(t *testing.T) {
	fields := []string{"url", "http://x", "n", "5", "list", "[1,2]", "obj", `{"a":"b"}`, "bad", "{oops"}

	var out map[string]any
	require.NoError(t, Unflatten(fields, &out))
	assert.Equal(t, "http://x", out["url"])
	assert.Equal(t, "5", out["n"], "scalars stay strings without type information")
	assert.Equal(t, []any{1.0, 2.0}, out["list"])
	assert.Equal(t, map[string]any{"a": "b"}, out["obj"])
	assert.Equal(t, "{oops", out["bad"])
}

// TestUnflattenErrors tests malformed input
func TestUnflattenErrors(t *testing.T) {
	var rec scalarRecord
	assert.ErrorIs(t, Unflatten([]string{"name"}, &rec), ErrOddFields)
	assert.Error(t, Unflatten([]string{"count", "many"}, &rec))
	assert.Error(t, Unflatten([]string{"count", ""}, &rec))
	assert.Error(t, Unflatten([]string{"name", "x"}, rec), "non-pointer target")

	_, err := Flatten([]int{1})
	assert.Error(t, err, "top level must be an object")
}

// TestUnflattenCaseInsensitive tests encoding/json style key matching
func TestUnflattenCaseInsensitive(t *testing.T) {
	var rec scalarRecord
	require.NoError(t, Unflatten([]string{"COUNT", "9", "Name", "x"}, &rec))
	assert.Equal(t, 9, rec.Count)
	assert.Equal(t, "x", rec.Name)
}
