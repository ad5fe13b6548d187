package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"studio.dev/livechat/internal/auth"
)

func TestHashPasswordCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-password", "s3cret"})
	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	require.True(t, auth.CheckPasswordHash("s3cret", hash))
}

func TestHashPasswordReadsStdin(t *testing.T) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader("from-stdin\n"))
	cmd.SetArgs([]string{"hash-password"})
	require.NoError(t, cmd.Execute())

	require.Contains(t, errOut.String(), "Admin password")
	require.True(t, auth.CheckPasswordHash("from-stdin", strings.TrimSpace(out.String())))
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("\n"))
	cmd.SetArgs([]string{"hash-password"})
	require.Error(t, cmd.Execute())
}

func TestServeRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ADMIN_PASSWORD_HASH", "")
	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "JWT_SECRET")
}
