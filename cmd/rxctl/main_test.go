package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DB_DRIVER", "memory")
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestQueueEmpty(t *testing.T) {
	out, err := run(t, "queue", "reception")
	require.NoError(t, err)
	assert.Contains(t, out, "PATIENT")
	assert.Contains(t, out, "0 of 0")
}

func TestQueueUnknownView(t *testing.T) {
	_, err := run(t, "queue", "shelf")
	assert.Error(t, err)
}

func TestMigrateMemory(t *testing.T) {
	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "memory")
}

func TestExpiringRejectsWindow(t *testing.T) {
	_, err := run(t, "expiring", "--days", "13")
	assert.Error(t, err)
}

func TestRemoveExpired(t *testing.T) {
	out, err := run(t, "remove-expired")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0")
}

func TestCancelInvalidID(t *testing.T) {
	_, err := run(t, "cancel", "abc")
	assert.Error(t, err)
}

func TestCancelMissing(t *testing.T) {
	_, err := run(t, "cancel", "42")
	assert.Error(t, err)
}
