package configs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestProjectConfigTemplate_IsValidYAML(t *testing.T) {
	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(ProjectConfigTemplate), &parsed))

	for _, key := range []string{"database", "indexes", "models", "dispatch", "lifecycle", "server"} {
		assert.Contains(t, parsed, key)
	}
}
