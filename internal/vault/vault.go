package vault

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"driftsync/internal/domain"
)

// tmpSuffix marks in-flight writes; the watcher and List skip them.
const tmpSuffix = ".driftsync-tmp"

// Vault exposes the synchronized tree rooted at root on fs. Production uses
// the OS filesystem; tests use afero.MemMapFs.
type Vault struct {
	fs   afero.Fs
	root string
	log  *zap.Logger
}

func New(fs afero.Fs, root string, log *zap.Logger) (*Vault, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Vault{fs: fs, root: root, log: log}, nil
}

// Root returns the vault root on the underlying filesystem.
func (v *Vault) Root() string { return v.root }

// List walks the tree and returns every regular file, vault-relative.
func (v *Vault) List() ([]domain.VaultFile, error) {
	var out []domain.VaultFile
	err := afero.Walk(v.fs, v.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(v.root, p)
		if err != nil {
			return err
		}
		out = append(out, domain.VaultFile{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Vault) Read(rel string) ([]byte, error) {
	p, err := v.resolve(rel)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(v.fs, p)
}

// Write replaces rel atomically: the bytes land in a temp file next to the
// target and rename into place, with parent directories created as needed.
func (v *Vault) Write(rel string, data []byte) error {
	p, err := v.resolve(rel)
	if err != nil {
		return err
	}
	if err := v.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + tmpSuffix
	if err := afero.WriteFile(v.fs, tmp, data, 0o644); err != nil {
		return err
	}
	if err := v.fs.Rename(tmp, p); err != nil {
		_ = v.fs.Remove(tmp)
		return err
	}
	return nil
}

func (v *Vault) Remove(rel string) error {
	p, err := v.resolve(rel)
	if err != nil {
		return err
	}
	err = v.fs.Remove(p)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Rel converts an absolute path under the root to a vault-relative path.
func (v *Vault) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// resolve rejects anything escaping the root.
func (v *Vault) resolve(rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))[1:]
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid vault path %q", rel)
	}
	return filepath.Join(v.root, filepath.FromSlash(clean)), nil
}

var _ domain.Vault = (*Vault)(nil)
