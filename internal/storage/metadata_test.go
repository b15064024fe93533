package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEntitiesAcceptsStringJSON(t *testing.T) {
	out, err := NormalizeEntities(`{"people":["A"]}`)
	require.NoError(t, err)
	require.Equal(t, `{"people":["A"]}`, out)
}

func TestNormalizeEntitiesRejectsInvalidJSON(t *testing.T) {
	_, err := NormalizeEntities("not json")
	require.Error(t, err)
}

func TestNormalizeEntitiesRejectsUnsupportedType(t *testing.T) {
	_, err := NormalizeEntities(42)
	require.Error(t, err)
}

func TestNormalizeEntitiesEmptyIsEmpty(t *testing.T) {
	out, err := NormalizeEntities("")
	require.NoError(t, err)
	require.Empty(t, out)
}
