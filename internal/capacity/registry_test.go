package capacity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRegistersInstance(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "/workspace", 4, nil)

	require.NoError(t, c.Start())

	r, err := c.read()
	require.NoError(t, err)
	require.Len(t, r.Instances, 1)
	assert.Equal(t, c.instanceID, r.Instances[0].InstanceID)
}

func TestGetAvailableCapacitySumsRunningJobs(t *testing.T) {
	dir := t.TempDir()
	c1 := New(dir, "/ws-a", 4, nil)
	c2 := New(dir, "/ws-b", 4, nil)

	require.NoError(t, c1.Start())
	c1.SetRunningJobs(2, "plan-1", true)
	require.NoError(t, c1.Heartbeat())

	require.NoError(t, c2.Start())
	c2.SetRunningJobs(1, "plan-2", true)
	require.NoError(t, c2.Heartbeat())

	assert.Equal(t, 1, c1.GetAvailableCapacity(4))
}

func TestGetAvailableCapacityNeverNegative(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "/ws", 2, nil)
	require.NoError(t, c.Start())
	c.SetRunningJobs(5, "plan-1", true)
	require.NoError(t, c.Heartbeat())

	assert.Equal(t, 0, c.GetAvailableCapacity(2))
}

func TestGetAvailableCapacityDegradesOnReadFailure(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "/ws", 4, nil)
	c.path = filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(c.path, []byte("{not json"), 0o644))
	c.SetRunningJobs(1, "plan-1", true)

	// An unparsable registry makes read() fail, so capacity falls back to
	// localMaxParallel minus this instance's own running jobs.
	avail := c.GetAvailableCapacity(4)
	assert.Equal(t, 3, avail)
}

func TestMissingRegistryFileIsRecreatedOnNextMutate(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, "/ws", 4, nil)
	require.NoError(t, c.Start())
	require.NoError(t, os.Remove(c.path))

	require.NoError(t, c.Heartbeat())
	r, err := c.read()
	require.NoError(t, err)
	assert.NotEmpty(t, r.Instances)
}
