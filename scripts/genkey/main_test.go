package main

import (
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobai/internal/auth"
	"github.com/ashita-ai/kobai/internal/model"
)

func TestWriteKeyPairLoadsIntoJWTManager(t *testing.T) {
	dir := t.TempDir()
	priv, pub, err := writeKeyPair(dir)
	require.NoError(t, err)

	info, err := os.Stat(priv)
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o600), info.Mode().Perm())

	mgr, err := auth.NewJWTManager(priv, pub, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.Actor{Role: model.RoleBuyer})
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	require.NoError(t, err)
}

func TestWriteKeyPairRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, _, err := writeKeyPair(dir)
	require.NoError(t, err)

	_, _, err = writeKeyPair(dir)
	require.ErrorIs(t, err, fs.ErrExist)
}
