package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vssbench/internal/storage"
)

func TestRunCommandPrintsResult(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: error\nnetwork:\n  n: 4\n  t: 1\n  latency: \"\"\n"), 0o644))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "-c", cfgPath, "--rounds", "2", "--size", "40", "--byzantine", "3=silent"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var res storage.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Equal(t, 2, res.Rounds)
	require.Equal(t, 2, res.Delivered)
	require.Equal(t, 40, res.MessageSize)
	require.Equal(t, 1, res.Byzantine)
}

func TestRunCommandRejectsBadFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--byzantine", "three"})
	require.Error(t, cmd.ExecuteContext(context.Background()))

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--n", "3"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}
