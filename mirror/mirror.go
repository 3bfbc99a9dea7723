// Package mirror replays local filesystem changes against the file service.
//
// A Watcher observes a local directory tree and issues the matching
// command for every change: new entries become create commands (followed
// by a save when a file arrives with content), writes become save commands
// carrying the whole file, renames inside the tree become rename or move
// commands, and removals become delete commands.
package mirror

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/Zereker/coapfs"
)

// ErrOutsideRoot is returned for events on paths outside the watched tree.
var ErrOutsideRoot = errors.New("path outside mirrored root")

// Sender queues a command for the file service. *coapfs.Conn implements it.
type Sender interface {
	Send(ctx context.Context, cmd coapfs.Command) error
}

// Watcher mirrors one local directory onto a remote path.
type Watcher struct {
	localRoot  string
	remoteRoot string
	sender     Sender
	logger     *slog.Logger
	fsw        *fsnotify.Watcher
}

// New watches localRoot and every directory below it.
func New(localRoot, remoteRoot string, sender Sender, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(localRoot)
	if err != nil {
		return nil, errors.Wrap(err, "resolve local root")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create watcher")
	}

	w := &Watcher{
		localRoot:  abs,
		remoteRoot: remoteRoot,
		sender:     sender,
		logger:     logger.With("component", "mirror"),
		fsw:        fsw,
	}

	if err := w.addTree(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return errors.Wrapf(err, "watch %s", p)
		}
		return nil
	})
}

// renameWindow is how long a rename waits for the create event that names
// its destination before it is mirrored as a delete.
const renameWindow = 100 * time.Millisecond

// Run forwards changes until ctx is canceled or the watcher fails.
// A change that cannot be mirrored is logged and skipped.
//
// fsnotify reports a rename as a Rename event for the old name followed by
// a Create event for the new one. Run pairs the two into a rename or move
// command so the remote content survives; a rename with no matching create
// (the entry left the tree) is mirrored as a delete.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("mirroring", "local", w.localRoot, "remote", w.remoteRoot)

	var (
		renamed string // remote path of an unpaired rename
		timer   = time.NewTimer(renameWindow)
	)
	timer.Stop()
	defer timer.Stop()

	send := func(cmds []coapfs.Command) error {
		for _, cmd := range cmds {
			if err := w.sender.Send(ctx, cmd); err != nil {
				return errors.Wrapf(err, "mirror %s", cmd.Kind())
			}
		}
		return nil
	}
	flush := func() error {
		if renamed == "" {
			return nil
		}
		old := renamed
		renamed = ""
		timer.Stop()
		return send([]coapfs.Command{coapfs.NewDelete(old, w.done("delete", old))})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		case event, ok := <-w.fsw.Events:
			if !ok {
				return flush()
			}
			w.logger.Debug("event", "op", event.Op.String(), "name", event.Name)

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watch failed", "path", event.Name, "error", err.Error())
					}
				}
			}

			if event.Has(fsnotify.Create) && renamed != "" {
				if remote, err := w.RemotePath(event.Name); err == nil {
					old := renamed
					renamed = ""
					timer.Stop()
					if err := send([]coapfs.Command{w.Relocate(old, remote)}); err != nil {
						return err
					}
					continue
				}
			}
			if err := flush(); err != nil {
				return err
			}

			if event.Has(fsnotify.Rename) {
				remote, err := w.RemotePath(event.Name)
				if err != nil {
					w.logger.Warn("skipping change", "path", event.Name, "error", err.Error())
					continue
				}
				renamed = remote
				timer.Reset(renameWindow)
				continue
			}

			cmds, err := w.CommandsFor(event)
			if err != nil {
				w.logger.Warn("skipping change", "path", event.Name, "error", err.Error())
				continue
			}
			if err := send(cmds); err != nil {
				return errors.WithMessage(err, event.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return flush()
			}
			w.logger.Error("watcher error", "error", err.Error())
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// CommandsFor maps a single filesystem event to the commands that replay
// it. A created regular file with content yields a create followed by a
// save, so files moved into the tree keep their content. It returns no
// commands for events with nothing to mirror.
func (w *Watcher) CommandsFor(event fsnotify.Event) ([]coapfs.Command, error) {
	remote, err := w.RemotePath(event.Name)
	if err != nil {
		return nil, err
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return []coapfs.Command{coapfs.NewDelete(remote, w.done("delete", remote))}, nil

	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return nil, errors.Wrap(err, "stat created entry")
		}
		if info.IsDir() {
			return []coapfs.Command{coapfs.NewCreate(remote, coapfs.ItemFolder, w.done("create", remote))}, nil
		}
		cmds := []coapfs.Command{coapfs.NewCreate(remote, coapfs.ItemFile, w.done("create", remote))}
		if !info.Mode().IsRegular() || info.Size() == 0 {
			return cmds, nil
		}
		save, err := w.saveFor(event.Name, remote)
		if err != nil {
			// the entry exists remotely even if its content cannot follow
			w.logger.Warn("content not mirrored", "path", event.Name, "error", err.Error())
			return cmds, nil
		}
		return append(cmds, save), nil

	case event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil {
			return nil, errors.Wrap(err, "stat written entry")
		}
		if info.IsDir() {
			return nil, nil
		}
		save, err := w.saveFor(event.Name, remote)
		if err != nil {
			return nil, err
		}
		return []coapfs.Command{save}, nil
	}

	return nil, nil
}

// Relocate returns the command that moves a remote entry from oldPath to
// newPath: a rename when both share a folder, a move otherwise.
func (w *Watcher) Relocate(oldPath, newPath string) coapfs.Command {
	if path.Dir(oldPath) == path.Dir(newPath) {
		return coapfs.NewRename(oldPath, path.Base(newPath), w.done("rename", newPath))
	}
	return coapfs.NewMove(oldPath, newPath, w.done("move", newPath))
}

func (w *Watcher) saveFor(local, remote string) (coapfs.Command, error) {
	content, err := os.ReadFile(local)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	if !utf8.Valid(content) {
		return nil, errors.Wrap(coapfs.ErrInvalidPayload, "file is not text")
	}
	return coapfs.NewSave(remote, string(content), w.done("save", remote)), nil
}

// RemotePath translates a local path below the root into a service path.
func (w *Watcher) RemotePath(local string) (string, error) {
	rel, err := filepath.Rel(w.localRoot, local)
	if err != nil {
		return "", errors.Wrapf(ErrOutsideRoot, "%s: %v", local, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrap(ErrOutsideRoot, local)
	}
	return path.Join(w.remoteRoot, filepath.ToSlash(rel)), nil
}

func (w *Watcher) done(op, remote string) func() {
	return func() {
		w.logger.Debug("mirrored", "op", op, "path", remote)
	}
}
