// Package importexport implements backup and key export/import, plus the
// single process-wide stop flag that makes configure, backup, and
// Secure-Join's joiner side mutually exclusive, cancellable long-running
// operations.
package importexport

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/keyring"
)

// backupName builds the conventional archive name for day, trying
// successive -<n> suffixes until one does not already exist in dir.
func backupName(dir string, day time.Time) (string, error) {
	base := fmt.Sprintf("delta-chat-backup-%s", day.Format("2006-01-02"))
	candidate := filepath.Join(dir, base+".tar")
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	for n := 2; n < 1000; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d.tar", base, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", coreerr.New(coreerr.IOError, "importexport.backupName", fmt.Errorf("too many backups for %s", base))
}

// ExportBackup archives dbPath and every file under blobDir into a single
// tar file in destDir, named delta-chat-backup-<day>[-<n>].tar, and
// returns the archive path.
func ExportBackup(dbPath, blobDir, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", coreerr.New(coreerr.IOError, "importexport.ExportBackup", fmt.Errorf("create destination: %w", err))
	}
	archivePath, err := backupName(destDir, time.Now())
	if err != nil {
		return "", err
	}

	f, err := os.OpenFile(archivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", coreerr.New(coreerr.IOError, "importexport.ExportBackup", fmt.Errorf("create archive: %w", err))
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	if err := addFileToTar(tw, dbPath, "account.db"); err != nil {
		return "", err
	}
	if err := addDirToTar(tw, blobDir, "blobs"); err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", coreerr.New(coreerr.IOError, "importexport.ExportBackup", err)
	}
	return archivePath, nil
}

// ImportBackup extracts a backup archive previously written by
// ExportBackup into dbPath and blobDir. Callers must ensure the target
// account context is freshly opened and unconfigured first; importing
// over a live, configured context is not supported.
func ImportBackup(archivePath, dbPath, blobDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return coreerr.New(coreerr.IOError, "importexport.ImportBackup", fmt.Errorf("open archive: %w", err))
	}
	defer f.Close()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return coreerr.New(coreerr.IOError, "importexport.ImportBackup", err)
	}
	if err := os.MkdirAll(blobDir, 0700); err != nil {
		return coreerr.New(coreerr.IOError, "importexport.ImportBackup", err)
	}

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return coreerr.New(coreerr.CorruptDatabase, "importexport.ImportBackup", fmt.Errorf("read archive entry: %w", err))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		var dest string
		switch {
		case hdr.Name == "account.db":
			dest = dbPath
		case len(hdr.Name) > len("blobs/") && hdr.Name[:len("blobs/")] == "blobs/":
			dest = filepath.Join(blobDir, hdr.Name[len("blobs/"):])
		default:
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			return coreerr.New(coreerr.IOError, "importexport.ImportBackup", err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return coreerr.New(coreerr.IOError, "importexport.ImportBackup", err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return coreerr.New(coreerr.IOError, "importexport.ImportBackup", err)
		}
		out.Close()
	}
	return nil
}

func addFileToTar(tw *tar.Writer, path, archiveName string) error {
	info, err := os.Stat(path)
	if err != nil {
		return coreerr.New(coreerr.IOError, "importexport.addFileToTar", fmt.Errorf("stat %s: %w", path, err))
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return coreerr.New(coreerr.IOError, "importexport.addFileToTar", err)
	}
	hdr.Name = archiveName
	if err := tw.WriteHeader(hdr); err != nil {
		return coreerr.New(coreerr.IOError, "importexport.addFileToTar", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return coreerr.New(coreerr.IOError, "importexport.addFileToTar", err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return coreerr.New(coreerr.IOError, "importexport.addFileToTar", err)
	}
	return nil
}

func addDirToTar(tw *tar.Writer, dir, archivePrefix string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return addFileToTar(tw, path, filepath.Join(archivePrefix, rel))
	})
}

// keyFileName builds the conventional public-key-default.asc /
// private-key-default.asc name, with numbered variants (-2, -3, ...) for
// secondary keys already present in dir.
func keyFileName(dir, base string) (string, error) {
	candidate := filepath.Join(dir, base+".asc")
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	for n := 2; n < 1000; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d.asc", base, n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", coreerr.New(coreerr.IOError, "importexport.keyFileName", fmt.Errorf("too many key files for %s", base))
}

// ExportKeys writes the account's default public and private keys as
// public-key-default.asc and private-key-default.asc in destDir,
// returning their paths.
func ExportKeys(keys *keyring.Manager, destDir string) (publicPath, privatePath string, err error) {
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return "", "", coreerr.New(coreerr.IOError, "importexport.ExportKeys", err)
	}

	armoredPub, err := keys.PublicArmored()
	if err != nil {
		return "", "", err
	}
	armoredPriv, err := keys.PrivateArmored()
	if err != nil {
		return "", "", err
	}

	publicPath, err = keyFileName(destDir, "public-key-default")
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(publicPath, []byte(armoredPub), 0600); err != nil {
		return "", "", coreerr.New(coreerr.IOError, "importexport.ExportKeys", err)
	}

	privatePath, err = keyFileName(destDir, "private-key-default")
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(privatePath, []byte(armoredPriv), 0600); err != nil {
		return "", "", coreerr.New(coreerr.IOError, "importexport.ExportKeys", err)
	}
	return publicPath, privatePath, nil
}

// ImportKeys parses an armored private key file (an exported
// private-key-default.asc, or any file containing an OpenPGP private
// key) and installs it as the account's default keypair.
func ImportKeys(keys *keyring.Manager, privateKeyPath string) error {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return coreerr.New(coreerr.IOError, "importexport.ImportKeys", fmt.Errorf("read key file: %w", err))
	}
	entities, err := keyring.ParseArmoredKey(string(data))
	if err != nil {
		return coreerr.New(coreerr.CorruptDatabase, "importexport.ImportKeys", fmt.Errorf("parse key file: %w", err))
	}
	if len(entities) == 0 {
		return coreerr.New(coreerr.CorruptDatabase, "importexport.ImportKeys", fmt.Errorf("key file contains no keys"))
	}
	return keys.ImportSelfKeypair(entities[0])
}
