package importexport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deltachat/dccore/internal/config"
	"github.com/deltachat/dccore/internal/keyring"
	"github.com/deltachat/dccore/internal/store"
)

func TestExportAndImportBackupRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	dbPath := filepath.Join(srcDir, "account.db")
	blobDir := filepath.Join(srcDir, "blobs")
	require.NoError(t, os.MkdirAll(blobDir, 0700))

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO config (key, value) VALUES ('addr', 'alice@example.org')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, os.WriteFile(filepath.Join(blobDir, "avatar.png"), []byte("fake-image-bytes"), 0600))

	archiveDir := t.TempDir()
	archivePath, err := ExportBackup(dbPath, blobDir, archiveDir)
	require.NoError(t, err)
	require.FileExists(t, archivePath)
	require.Contains(t, filepath.Base(archivePath), "delta-chat-backup-")

	restoreDir := t.TempDir()
	restoredDB := filepath.Join(restoreDir, "restored.db")
	restoredBlobs := filepath.Join(restoreDir, "blobs")
	require.NoError(t, ImportBackup(archivePath, restoredDB, restoredBlobs))

	db2, err := store.Open(restoredDB)
	require.NoError(t, err)
	defer db2.Close()
	var addr string
	require.NoError(t, db2.QueryRow("SELECT value FROM config WHERE key = 'addr'").Scan(&addr))
	require.Equal(t, "alice@example.org", addr)

	data, err := os.ReadFile(filepath.Join(restoredBlobs, "avatar.png"))
	require.NoError(t, err)
	require.Equal(t, "fake-image-bytes", string(data))
}

func TestExportBackupAvoidsOverwritingSameDayArchive(t *testing.T) {
	srcDir := t.TempDir()
	dbPath := filepath.Join(srcDir, "account.db")
	blobDir := filepath.Join(srcDir, "blobs")
	require.NoError(t, os.MkdirAll(blobDir, 0700))
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	destDir := t.TempDir()
	first, err := ExportBackup(dbPath, blobDir, destDir)
	require.NoError(t, err)
	second, err := ExportBackup(dbPath, blobDir, destDir)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func newTestKeyring(t *testing.T) *keyring.Manager {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cfg := config.NewStore(db)
	mgr := keyring.NewManager(cfg)
	_, err = mgr.EnsureSelfKeypair("alice@example.org", "Alice")
	require.NoError(t, err)
	return mgr
}

func TestExportAndImportKeysRoundTrip(t *testing.T) {
	src := newTestKeyring(t)
	destDir := t.TempDir()

	pubPath, privPath, err := ExportKeys(src, destDir)
	require.NoError(t, err)
	require.FileExists(t, pubPath)
	require.FileExists(t, privPath)
	require.Equal(t, "public-key-default.asc", filepath.Base(pubPath))
	require.Equal(t, "private-key-default.asc", filepath.Base(privPath))

	dst := newTestKeyring(t)
	require.NoError(t, ImportKeys(dst, privPath))

	srcArmored, err := src.PublicArmored()
	require.NoError(t, err)
	dstArmored, err := dst.PublicArmored()
	require.NoError(t, err)
	require.Equal(t, srcArmored, dstArmored)
}

func TestKeyFileNameUsesNumberedVariantWhenTaken(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "public-key-default.asc"), []byte("x"), 0600))

	name, err := keyFileName(dir, "public-key-default")
	require.NoError(t, err)
	require.Equal(t, "public-key-default-2.asc", filepath.Base(name))
}

func TestOngoingRejectsConcurrentStart(t *testing.T) {
	var o Ongoing
	ctx, done, err := o.Start(context.Background())
	require.NoError(t, err)
	require.True(t, o.Running())

	_, _, err = o.Start(context.Background())
	require.Error(t, err)

	done()
	require.False(t, o.Running())

	_, done2, err := o.Start(context.Background())
	require.NoError(t, err)
	done2()
	_ = ctx
}

func TestOngoingStopCancelsContext(t *testing.T) {
	var o Ongoing
	ctx, done, err := o.Start(context.Background())
	require.NoError(t, err)
	defer done()

	o.Stop()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be cancelled after Stop")
	}
}
