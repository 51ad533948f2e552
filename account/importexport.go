package account

import (
	"context"
	"fmt"

	"github.com/deltachat/dccore/internal/coreerr"
	"github.com/deltachat/dccore/internal/eventbus"
	"github.com/deltachat/dccore/internal/importexport"
)

// ExportBackup archives the account database and blob store into a
// single tar file under destDir. Mutually exclusive with Configure,
// ImportBackup, and any other ongoing operation.
func (a *Account) ExportBackup(destDir string) (string, error) {
	_, done, err := a.Ongoing.Start(context.Background())
	if err != nil {
		return "", err
	}
	defer done()

	a.Events.Emit(&eventbus.Event{Kind: eventbus.ImexProgress, Progress: 100})
	path, err := importexport.ExportBackup(a.db.Path(), a.Blobs.Dir(), destDir)
	if err != nil {
		a.Events.Emit(&eventbus.Event{Kind: eventbus.ImexProgress, Progress: 0})
		return "", err
	}
	a.Events.Emit(&eventbus.Event{Kind: eventbus.ImexFileWritten, File: path})
	a.Events.Emit(&eventbus.Event{Kind: eventbus.ImexProgress, Progress: 1000})
	return path, nil
}

// ImportBackup restores archivePath, previously produced by ExportBackup,
// into this account's database and blob store. Only meaningful on a
// freshly opened, unconfigured Account; the caller must not have called
// Start yet.
func (a *Account) ImportBackup(archivePath string) error {
	_, done, err := a.Ongoing.Start(context.Background())
	if err != nil {
		return err
	}
	defer done()

	configured, err := a.IsConfigured()
	if err != nil {
		return err
	}
	if configured {
		return coreerr.New(coreerr.ConfigInvalid, "account.ImportBackup", fmt.Errorf("cannot import backup into an already-configured account"))
	}

	a.Events.Emit(&eventbus.Event{Kind: eventbus.ImexProgress, Progress: 100})
	if err := importexport.ImportBackup(archivePath, a.db.Path(), a.Blobs.Dir()); err != nil {
		a.Events.Emit(&eventbus.Event{Kind: eventbus.ImexProgress, Progress: 0})
		return err
	}
	a.Events.Emit(&eventbus.Event{Kind: eventbus.ImexProgress, Progress: 1000})
	return nil
}

// ExportKeys writes the account's default keypair as public-key-default.asc
// and private-key-default.asc (or numbered variants) under destDir.
func (a *Account) ExportKeys(destDir string) (publicPath, privatePath string, err error) {
	return importexport.ExportKeys(a.Keys, destDir)
}

// ImportKeys installs an armored private key file as the account's
// default keypair.
func (a *Account) ImportKeys(privateKeyPath string) error {
	return importexport.ImportKeys(a.Keys, privateKeyPath)
}
