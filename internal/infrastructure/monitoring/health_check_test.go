package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"castrelay/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_AllHealthy(t *testing.T) {
	checker := NewHealthChecker()
	checker.AddCheck("always-ok", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Minute, time.Second)

	status := checker.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["always-ok"])
	assert.True(t, checker.IsReady(context.Background()))
}

func TestHealthChecker_FailedCheck(t *testing.T) {
	checker := NewHealthChecker()
	checker.AddCheck("ok", func(ctx context.Context) (bool, error) {
		return true, nil
	}, time.Minute, time.Second)
	checker.AddCheck("broken", func(ctx context.Context) (bool, error) {
		return false, errors.New("store unreachable")
	}, time.Minute, time.Second)

	status := checker.GetReadinessStatus(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "store unreachable", status.Checks["broken"])
	assert.False(t, checker.IsReady(context.Background()))
}

func TestHealthChecker_RepositoryCheck(t *testing.T) {
	checker := NewHealthChecker()
	checker.AddRepositoryCheck(memory.NewMemoryRoomRepository(), time.Minute, time.Second)

	// An empty repository answers not-found, which still counts as reachable.
	status := checker.CheckAll(context.Background())
	require.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["repository"])
}
