package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stillwater-Labs/clearclaim/pkg/config"
)

func mockServer(t *testing.T) *int {
	t.Helper()
	orig := startServer
	t.Cleanup(func() { startServer = orig })

	calls := 0
	startServer = func() int {
		calls++
		return 0
	}
	return &calls
}

func TestRun_DefaultsToServer(t *testing.T) {
	calls := mockServer(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 0, Run([]string{"clearclaim"}, &out, &errOut))
	require.Equal(t, 0, Run([]string{"clearclaim", "server"}, &out, &errOut))
	require.Equal(t, 0, Run([]string{"clearclaim", "serve"}, &out, &errOut))
	// Bare flags mean "server with flags", not a command.
	require.Equal(t, 0, Run([]string{"clearclaim", "--port=9090"}, &out, &errOut))

	assert.Equal(t, 4, *calls)
}

func TestRun_Version(t *testing.T) {
	mockServer(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 0, Run([]string{"clearclaim", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), config.Version)
}

func TestRun_Help(t *testing.T) {
	mockServer(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 0, Run([]string{"clearclaim", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "USAGE")
	assert.Contains(t, out.String(), "evaluate")
	assert.Empty(t, errOut.String())
}

func TestRun_UnknownCommand(t *testing.T) {
	calls := mockServer(t)
	var out, errOut bytes.Buffer

	require.Equal(t, 2, Run([]string{"clearclaim", "frobnicate"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: frobnicate")
	assert.Contains(t, errOut.String(), "USAGE")
	assert.Zero(t, *calls)
}
