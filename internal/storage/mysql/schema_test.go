package mysql

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateStatementsNonEmpty(t *testing.T) {
	stmts := migrateStatements()
	require.GreaterOrEqual(t, len(stmts), 4)
	for _, s := range stmts {
		require.NotEmpty(t, s)
	}
}

func TestSplitStatementsIgnoresTrailingWhitespace(t *testing.T) {
	stmts := splitStatements("  SELECT 1;  \n\n  SELECT 2;   ")
	require.Len(t, stmts, 2)
}
