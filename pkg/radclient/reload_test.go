package radclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReloadSuccess(t *testing.T) {
	r := NewReloader("true", 5*time.Second, zap.NewNop())
	require.NoError(t, r.Reload(context.Background()))
}

func TestReloadFailureCarriesExitCodeAndStderr(t *testing.T) {
	r := NewReloader("echo nope >&2; exit 3", 5*time.Second, zap.NewNop())
	err := r.Reload(context.Background())
	require.Error(t, err)

	var re *ReloadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 3, re.ExitCode)
	assert.Contains(t, re.Stderr, "nope")
}

func TestReloadQuietlySwallowsFailure(t *testing.T) {
	r := NewReloader("exit 1", 5*time.Second, zap.NewNop())
	r.ReloadQuietly(context.Background())
}
