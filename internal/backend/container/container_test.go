package container

import (
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/runspace/internal/registry"
)

func TestContainerName(t *testing.T) {
	rs := &registry.Runspace{ID: "abc123"}
	assert.Equal(t, "runspace-abc123", containerName(rs))
}

func TestContainerEnvInjectsIdentity(t *testing.T) {
	rs := &registry.Runspace{ID: "rs-1", Name: "api", DisplayName: "API Server", Path: "/home/dev/api"}

	env := containerEnv(rs)

	assert.Contains(t, env, "RUNSPACE_ID=rs-1")
	assert.Contains(t, env, "RUNSPACE_NAME=api")
	// Inside the container the project lives at the workspace mount, not
	// at the host path.
	assert.Contains(t, env, "RUNSPACE_PATH="+workspaceTarget)

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "API Server")
}

func TestDecodeStats(t *testing.T) {
	body := `{"memory_stats":{"usage":104857600},"cpu_stats":{"cpu_usage":{"total_usage":50},"system_cpu_usage":1000}}`

	var v container.StatsResponse
	require.NoError(t, decodeStats(strings.NewReader(body), &v))

	assert.Equal(t, uint64(104857600), v.MemoryStats.Usage)
	assert.Equal(t, uint64(50), v.CPUStats.CPUUsage.TotalUsage)
	assert.Equal(t, uint64(1000), v.CPUStats.SystemUsage)
}
