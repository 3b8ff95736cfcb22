package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"dex-keeper-go/internal/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

func TestRejectsUnknownMode(t *testing.T) {
	err := execute(t, "keeper", "--mode", "dry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "dry"`)
}

func TestShockValidatesMultiplier(t *testing.T) {
	err := execute(t, "shock", "ETH", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiplier must be a positive number")

	err = execute(t, "shock")
	assert.Error(t, err)
}

func TestDiagnoseValidatesRole(t *testing.T) {
	err := execute(t, "diagnose", "--role", "admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role must be keeper or feeder")
}

func TestMissingConfigFails(t *testing.T) {
	err := execute(t, "keeper", "--mode", "paper", "--config", t.TempDir()+"/absent.json")
	assert.Error(t, err)
}

func TestTrim0x(t *testing.T) {
	assert.Equal(t, "ab", trim0x("0xab"))
	assert.Equal(t, "ab", trim0x("0Xab"))
	assert.Equal(t, "ab", trim0x("ab"))
}

func TestShockExplainsRunningFeeder(t *testing.T) {
	err := explainShockErr(fmt.Errorf("open state store: %w", fmt.Errorf("%w: data/state/feeder", persistence.ErrLocked)))
	require.ErrorIs(t, err, persistence.ErrLocked)
	assert.Contains(t, err.Error(), "feeder is running")

	plain := errors.New("connect ledger: dial tcp: connection refused")
	assert.Same(t, plain, explainShockErr(plain))
}
