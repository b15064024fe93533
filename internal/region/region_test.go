package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeAssociative(t *testing.T) {
	a, b, c := "X", []string{"Y"}, []string{"Z"}

	left := Merge(Merge(a, b), c)
	right := Merge(a, append(append([]string{}, b...), c...))

	require.Equal(t, right, left, "Merge must be associative-equivalent")
}

func TestMergeEmpty(t *testing.T) {
	require.Empty(t, Merge("", nil))
}

func TestMergeSingleElementNoCommas(t *testing.T) {
	require.Equal(t, "X", Merge("X", []string{"X"}))
}

func TestMergeDropsIgnoredTokens(t *testing.T) {
	got := Merge("Beijing,null,None,", []string{"", "Shanghai,null"})
	require.Equal(t, "Beijing,Shanghai", got)
}

func TestMergeDeduplicatesAndSorts(t *testing.T) {
	got := Merge("Wuhan,Beijing", []string{"Beijing", "Chengdu,Wuhan"})
	require.Equal(t, "Beijing,Chengdu,Wuhan", got)
}

func TestMergeJSONArrayInput(t *testing.T) {
	got := Merge(`["Beijing","Shanghai"]`, []string{"Chengdu"})
	require.Equal(t, "Beijing,Chengdu,Shanghai", got)
}
