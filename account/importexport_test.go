package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExportAndImportBackupRoundTripThroughAccount(t *testing.T) {
	src := newTestAccount(t)
	configureTestAccount(t, src)

	destDir := t.TempDir()
	archivePath, err := src.ExportBackup(destDir)
	require.NoError(t, err)
	require.FileExists(t, archivePath)

	dst := newTestAccount(t)
	configured, err := dst.IsConfigured()
	require.NoError(t, err)
	require.False(t, configured)

	require.NoError(t, dst.ImportBackup(archivePath))

	configured, err = dst.IsConfigured()
	require.NoError(t, err)
	require.True(t, configured)

	addr, err := dst.selfAddr()
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", addr)
}

func TestImportBackupRejectsAlreadyConfiguredAccount(t *testing.T) {
	src := newTestAccount(t)
	configureTestAccount(t, src)
	archivePath, err := src.ExportBackup(t.TempDir())
	require.NoError(t, err)

	dst := newTestAccount(t)
	configureTestAccount(t, dst)

	err = dst.ImportBackup(archivePath)
	require.Error(t, err)
}

func TestExportAndImportKeysThroughAccount(t *testing.T) {
	src := newTestAccount(t)
	configureTestAccount(t, src)

	destDir := t.TempDir()
	pubPath, privPath, err := src.ExportKeys(destDir)
	require.NoError(t, err)
	require.FileExists(t, pubPath)
	require.FileExists(t, privPath)

	dst := newTestAccount(t)
	require.NoError(t, dst.ImportKeys(privPath))

	srcArmored, err := src.Keys.PublicArmored()
	require.NoError(t, err)
	dstArmored, err := dst.Keys.PublicArmored()
	require.NoError(t, err)
	require.Equal(t, srcArmored, dstArmored)
}

func TestExportBackupRejectsConcurrentOngoingOperation(t *testing.T) {
	a := newTestAccount(t)
	configureTestAccount(t, a)

	_, done, err := a.Ongoing.Start(context.Background())
	require.NoError(t, err)
	defer done()

	_, err = a.ExportBackup(t.TempDir())
	require.Error(t, err)
}
