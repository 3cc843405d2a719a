package config

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func TestRootCommandBindsDefaults(t *testing.T) {
	cmd, cfg := RootCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	require.Equal(t, 1024, cfg.NumVBuckets)
	require.Equal(t, 4, cfg.NumShards)
	require.Equal(t, 4, cfg.ExecutorReaders)
	require.Equal(t, ":9091", cfg.MetricsListenAddr)
	require.Equal(t, 0.6, cfg.CheckpointRemoverLowerMarkPercent)
	require.Equal(t, 0.8, cfg.CheckpointRemoverUpperMarkPercent)
}

func TestRootCommandParsesOverridesAndByteSize(t *testing.T) {
	cmd, cfg := RootCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--num-vbuckets=64",
		"--num-shards=2",
		"--warmup-min-memory=512MB",
	}))

	require.Equal(t, 64, cfg.NumVBuckets)
	require.Equal(t, 2, cfg.NumShards)
	require.Equal(t, 512*datasize.MB, cfg.WarmupMinMemory)
}
