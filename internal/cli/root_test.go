package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/config"
	"github.com/roach88/quill/internal/record"
	"github.com/roach88/quill/internal/step"
	"github.com/roach88/quill/internal/store"
)

// executeRoot runs the root command with args against an empty config
// file and returns stdout, stderr and the error.
func executeRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(cfgPath, nil, 0o644))
	return executeRootWithConfig(t, cfgPath, args...)
}

func executeRootWithConfig(t *testing.T, cfgPath string, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// seedBranch writes one record per text to branch "main" of a SQLite
// store at path, each inserting its text at the end of the document.
func seedBranch(t *testing.T, path string, texts ...string) {
	t.Helper()
	st, err := store.Open(path, store.WithNow(func() time.Time { return time.UnixMilli(1700000000000) }))
	require.NoError(t, err)
	defer st.Close()
	b, err := st.OpenBranch("main")
	require.NoError(t, err)

	ctx := context.Background()
	pos := 0
	for i, text := range texts {
		raw, err := step.Encode(step.Insert(pos, text))
		require.NoError(t, err)
		client := "c-alice"
		if i%2 == 1 {
			client = "c-bob"
		}
		ok, err := b.Claim(ctx, int64(i+1), record.ChangeRecord{
			ID:       fmt.Sprintf("r%d", i+1),
			ClientID: client,
			Steps:    []json.RawMessage{raw},
		})
		require.NoError(t, err)
		require.True(t, ok)
		pos += len(text)
	}
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "quill", cmd.Use)
	assert.Contains(t, cmd.Long, "change log")
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{{"serve"}, {"log", "dump"}, {"replay"}, {"test"}, {"version"}}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "quill.yaml", configFlag.DefValue)
}

func TestStoreFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"serve"}, {"log", "dump"}, {"replay"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err)
		assert.NotNil(t, sub.Flags().Lookup("driver"), "%v --driver", path)
		assert.NotNil(t, sub.Flags().Lookup("db"), "%v --db", path)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := executeRoot(t, "--format", "xml", "version")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "xml"`)

	_, _, err = executeRoot(t, "--log-format", "xml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid log format "xml"`)
}

func TestMissingExplicitConfig(t *testing.T) {
	_, _, err := executeRootWithConfig(t, filepath.Join(t.TempDir(), "absent.yaml"), "version")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "config file not found")
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: loud\n"), 0o644))

	_, _, err := executeRootWithConfig(t, cfgPath, "version")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestConfigStorePath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "quill.db")
	seedBranch(t, dbPath, "hello")

	cfgPath := filepath.Join(t.TempDir(), "quill.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: "+dbPath+"\n"), 0o644))

	out, _, err := executeRootWithConfig(t, cfgPath, "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "Records: 1 (highest key 1)")
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		level   string
		verbose bool
		want    string
		silent  bool
	}{
		{"json info", "json", "info", false, `"msg":"hello"`, false},
		{"text info", "text", "info", false, "msg=hello", false},
		{"warn hides info", "text", "warn", false, "", true},
		{"verbose forces debug", "text", "error", true, "msg=hello", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := newLogger(buf, config.Log{Level: tt.level, Format: tt.format}, tt.verbose)
			if tt.verbose {
				logger.Debug("hello")
			} else {
				logger.Info("hello")
			}
			if tt.silent {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
