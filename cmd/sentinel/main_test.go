package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigPath_FallsBackToHomeYamc(t *testing.T) {
	t.Setenv("YAMC_HOME", "/tmp/yamc-home")
	assert.Equal(t, filepath.Join("/tmp/yamc-home", "config.yaml"), defaultConfigPath())
}

func TestEnvOr_PrefersEnvironmentWhenSet(t *testing.T) {
	t.Setenv("SENTINEL_TEST_ENVOR", "from-env")
	assert.Equal(t, "from-env", envOr("SENTINEL_TEST_ENVOR", "fallback"))
	assert.Equal(t, "fallback", envOr("SENTINEL_TEST_ENVOR_UNSET", "fallback"))
}
