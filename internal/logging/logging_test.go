package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BetaCatPro/ws-beacon/pkg/types"
)

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "beacon.log")
	cfg := types.DefaultLogConfig()
	cfg.Console = false
	cfg.File = path

	l, err := New(cfg)
	require.NoError(t, err)

	l.Info("broadcast tick", zap.String("payload", "Alice"))
	l.Debug("filtered out at info level")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"broadcast tick"`)
	assert.Contains(t, string(data), `"payload":"Alice"`)
	assert.NotContains(t, string(data), "filtered out")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	cfg := types.DefaultLogConfig()
	cfg.Level = "verbose"

	_, err := New(cfg)
	assert.Error(t, err)

	assert.NotNil(t, MustNew(cfg))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
