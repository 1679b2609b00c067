package vault

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeOp classifies a filesystem change.
type ChangeOp string

const (
	OpCreated  ChangeOp = "created"
	OpModified ChangeOp = "modified"
	OpDeleted  ChangeOp = "deleted"
	OpRenamed  ChangeOp = "renamed"
)

// Change is one observed vault mutation, vault-relative.
type Change struct {
	Path string
	Op   ChangeOp
}

// Watcher follows the vault tree with fsnotify, adding new subdirectories
// as they appear, and emits vault-relative changes. The engine consumes
// them into the journal.
type Watcher struct {
	v   *Vault
	w   *fsnotify.Watcher
	log *zap.Logger

	changes chan Change
	done    chan struct{}
}

// Watch starts watching the vault root recursively. Only works on a real
// OS filesystem; tests drive the journal directly instead.
func Watch(v *Vault, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		v:       v,
		w:       fw,
		log:     log,
		changes: make(chan Change, 128),
		done:    make(chan struct{}),
	}
	if err := w.addRecursive(v.Root()); err != nil {
		fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Changes returns the stream of vault mutations. Closed on Close.
func (w *Watcher) Changes() <-chan Change { return w.changes }

func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}

func (w *Watcher) loop() {
	defer close(w.changes)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.log.Warn("vault watch error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if strings.HasSuffix(ev.Name, tmpSuffix) {
		return
	}
	rel, ok := w.v.Rel(ev.Name)
	if !ok {
		return
	}

	// New directories need their own watch before anything inside them is
	// visible.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.log.Warn("vault watch add failed", zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}

	var op ChangeOp
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreated
	case ev.Op.Has(fsnotify.Write):
		op = OpModified
	case ev.Op.Has(fsnotify.Remove):
		op = OpDeleted
	case ev.Op.Has(fsnotify.Rename):
		op = OpRenamed
	default:
		return // chmod etc.
	}

	select {
	case w.changes <- Change{Path: rel, Op: op}:
	case <-w.done:
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return w.w.Add(p)
		}
		return nil
	})
}
