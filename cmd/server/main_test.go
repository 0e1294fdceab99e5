package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/punch-ledger/config"
	"github.com/warp/punch-ledger/production"
)

// run executes the CLI against a config file and returns stdout.
func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "punch.toml")
	content := "[database]\ndriver = \"sqlite\"\ndsn = \"" + filepath.Join(dir, "punch.db") + "\"\n" +
		"[recovery]\ngrace = \"0s\"\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCLI_SeedPunchHistoryExport(t *testing.T) {
	// GIVEN: A SQLite database seeded from the plant fixture
	cfg := writeConfig(t, "")
	out, err := run(t, cfg, "seed", "../../fixtures/testdata/plant.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded plant-demo: 3 employees, 2 workstations, 2 orders, 3 punches")

	// WHEN: Punching the deburr operation
	out, err = run(t, cfg, "punch", "--order", "WO-1001", "--op", "1", "--actor", "E-100", "--produced", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "remaining: 33")

	// THEN: History shows both deburr punches
	out, err = run(t, cfg, "history", "WO-1001")
	require.NoError(t, err)
	assert.Contains(t, out, "[0] cut  50/50 done  reported by Ada Weld")
	assert.Contains(t, out, "[1] deburr  15/50 done  open")
	assert.Contains(t, out, "[2] paint")
	assert.Contains(t, out, "no punches")

	// AND: The CSV export has one row per punch
	out, err = run(t, cfg, "export", "WO-1001")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[1], "0,cut,E-200,Lin Press,30,0,"))
}

func TestCLI_PunchRejected(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := run(t, cfg, "seed", "../../fixtures/testdata/plant.yaml")
	require.NoError(t, err)

	_, err = run(t, cfg, "punch", "--order", "WO-1001", "--op", "2", "--actor", "E-100", "--produced", "1")

	require.Error(t, err)
	assert.ErrorIs(t, err, production.ErrOperationOutOfOrder)
	assert.Contains(t, err.Error(), "operation_out_of_order")
}

func TestCLI_ExportToS3NeedsBucket(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := run(t, cfg, "seed", "--no-punches", "../../fixtures/testdata/plant.yaml")
	require.NoError(t, err)

	_, err = run(t, cfg, "export", "--s3", "WO-1001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3_bucket")
}

func TestCLI_Reconcile(t *testing.T) {
	cfg := writeConfig(t, "")
	out, err := run(t, cfg, "reconcile", "--mode", "replay")
	require.NoError(t, err)
	assert.Contains(t, out, "Recovery (replay): 0 scanned")

	_, err = run(t, cfg, "reconcile", "--mode", "ignore")
	assert.Error(t, err)
}

func TestCLI_Token(t *testing.T) {
	cfg := writeConfig(t, "[auth]\njwt_secret = \"shop-floor\"\n")
	_, err := run(t, cfg, "seed", "--no-punches", "../../fixtures/testdata/plant.yaml")
	require.NoError(t, err)

	// WHEN: Issuing a token and punching with it
	token, err := run(t, cfg, "token", "E-200")
	require.NoError(t, err)
	token = strings.TrimSpace(token)
	assert.Equal(t, 2, strings.Count(token, "."))

	out, err := run(t, cfg, "punch", "--order", "WO-1001", "--actor", token, "--produced", "4")

	// THEN: The punch is attributed to E-200, and a bare number is refused
	require.NoError(t, err)
	assert.Contains(t, out, "Recorded 4 produced")
	_, err = run(t, cfg, "punch", "--order", "WO-1001", "--actor", "E-200", "--produced", "1")
	assert.ErrorIs(t, err, production.ErrActorNotFound)

	_, err = run(t, writeConfig(t, ""), "token", "E-200")
	assert.Error(t, err)
}

func TestOpenStore_Memory(t *testing.T) {
	st, closeFn, err := openStore(context.Background(), config.DatabaseConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, st)
	assert.NoError(t, closeFn())

	_, _, err = openStore(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
