package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeCombine(t *testing.T) {
	out, err := Merge([]map[string]any{
		{"files": []any{"a.go"}, "owner": "alpha"},
		{"files": []any{"b.go", "c.go"}, "owner": "beta", "extra": 1},
	}, StrategyCombine)
	require.NoError(t, err)

	assert.Equal(t, []any{"a.go", "b.go", "c.go"}, out["files"])
	assert.Equal(t, "beta", out["owner"], "scalars are last-writer-wins")
	assert.Equal(t, 1, out["extra"])
}

func TestMergeCombineScalarIntoList(t *testing.T) {
	out, err := Merge([]map[string]any{
		{"notes": []any{"first"}},
		{"notes": "second"},
	}, StrategyCombine)
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, out["notes"])
}

func TestMergeUnion(t *testing.T) {
	out, err := Merge([]map[string]any{
		{"approach": "tcp", "port": 8080},
		{"approach": "udp", "port": 8080},
		{"approach": "tcp"},
	}, StrategyUnion)
	require.NoError(t, err)

	assert.Equal(t, []any{"tcp", "udp"}, out["approach"], "distinct values collect, duplicates drop")
	assert.Equal(t, 8080, out["port"], "identical values stay scalar")
}

func TestMergeIntersection(t *testing.T) {
	out, err := Merge([]map[string]any{
		{"lang": "go", "db": "sqlite", "cache": "redis"},
		{"lang": "go", "db": "postgres"},
		{"lang": "go", "db": "sqlite"},
	}, StrategyIntersection)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"lang": "go"}, out)
}

func TestMergeMajority(t *testing.T) {
	out, err := Merge([]map[string]any{
		{"verdict": "pass", "score": 9},
		{"verdict": "pass", "score": 4},
		{"verdict": "fail", "score": 9},
	}, StrategyMajority)
	require.NoError(t, err)

	assert.Equal(t, "pass", out["verdict"], "2 of 3 is a majority")
	assert.Equal(t, 9, out["score"])
}

func TestMergeMajorityNoWinner(t *testing.T) {
	out, err := Merge([]map[string]any{
		{"verdict": "pass"},
		{"verdict": "fail"},
	}, StrategyMajority)
	require.NoError(t, err)
	assert.NotContains(t, out, "verdict", "an even split has no majority")
}

func TestMergeUnknownStrategy(t *testing.T) {
	_, err := Merge(nil, MergeStrategy("vote"))
	assert.Error(t, err)
}

func TestMergeDeterministic(t *testing.T) {
	sources := []map[string]any{
		{"a": 1, "b": []any{"x"}},
		{"a": 2, "b": []any{"y"}},
	}
	first, err := Merge(sources, StrategyCombine)
	require.NoError(t, err)
	second, err := Merge(sources, StrategyCombine)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []any{"x"}, sources[0]["b"], "inputs are not mutated")
}
