package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.LLMBatchSize)
	require.Equal(t, 3, cfg.LLMMaxConcurrent)
	require.Equal(t, 0.75, cfg.CombineConfidenceThreshold)
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("LLM_BATCH_SIZE", "25")
	defer os.Unsetenv("LLM_BATCH_SIZE")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, 25, cfg.LLMBatchSize)
}

func TestExcludedNewsTypesParsing(t *testing.T) {
	os.Setenv("EXCLUDED_NEWS_TYPES", "ads, spam ,")
	defer os.Unsetenv("EXCLUDED_NEWS_TYPES")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"ads", "spam"}, cfg.ExcludedNewsTypes)
}
