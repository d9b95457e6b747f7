package codec

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type base struct {
	ID string `json:"id"`
}

type todo struct {
	base
	Title   string    `json:"title"`
	Done    bool      `json:"done"`
	Due     time.Time `json:"due"`
	Tags    []string  `json:"tags,omitempty"`
	Ignored string    `json:"-"`
	secret  string
}

func TestNormalizeStruct(t *testing.T) {
	due := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := Normalize(todo{base: base{ID: "t1"}, Title: "write", Due: due, Ignored: "x", secret: "y"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"id":    "t1",
		"title": "write",
		"done":  false,
		"due":   due,
	}, got)
}

func TestNormalizeTypedContainers(t *testing.T) {
	got, err := Normalize(map[int][]uint8{1: {1, 2}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": []byte{1, 2}}, got)

	got, err = Normalize([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, got)

	_, err = Normalize(map[float64]int{1: 1})
	require.Error(t, err)

	_, err = Normalize(make(chan int))
	require.Error(t, err)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	in := map[string]any{"n": 1, "list": []int{1, 2}, "big": big.NewInt(7)}
	once, err := Normalize(in)
	require.NoError(t, err)
	twice, err := Normalize(once)
	require.NoError(t, err)
	assert.True(t, Equal(once, twice))
}

func TestCloneIsDeep(t *testing.T) {
	orig := map[string]any{"list": []any{map[string]any{"v": 1.0}}, "raw": []byte{1}}
	cp := Clone(orig).(map[string]any)

	cp["list"].([]any)[0].(map[string]any)["v"] = 2.0
	cp["raw"].([]byte)[0] = 9

	assert.Equal(t, 1.0, orig["list"].([]any)[0].(map[string]any)["v"])
	assert.Equal(t, byte(1), orig["raw"].([]byte)[0])
}

func TestConvert(t *testing.T) {
	due := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	tree := map[string]any{"id": "t1", "title": "write", "done": true, "due": due}

	var out todo
	require.NoError(t, Convert(tree, &out))
	assert.Equal(t, "t1", out.ID)
	assert.True(t, out.Done)
	assert.True(t, due.Equal(out.Due))

	var n int
	require.NoError(t, Convert(5.0, &n))
	assert.Equal(t, 5, n)
}

func TestEqualRichLeaves(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.In(time.FixedZone("X", 3600))
	assert.True(t, Equal(a, b))
	assert.True(t, Equal(big.NewInt(3), big.NewInt(3)))
	assert.False(t, Equal(1.0, "1"))
	assert.False(t, Equal(map[string]any{"a": 1.0}, map[string]any{"b": 1.0}))
}
