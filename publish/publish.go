package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mdouchement/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const defaultMode os.FileMode = 0o644

type (
	// A File is a rendered content and its final destination.
	File struct {
		Path    string
		Content []byte
	}

	// A DirectoryError is returned when a destination directory cannot receive files.
	DirectoryError struct {
		Dir    string
		Reason string
		Err    error
	}

	// A Publisher writes files so readers only ever see the previous or the new content.
	// Each file is replaced atomically, a set of files is not.
	Publisher struct {
		rename func(oldpath, newpath string) error
	}

	staged struct {
		tmp  string
		dst  string
		done bool
	}
)

func (e *DirectoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("target directory %s %s: %s", e.Dir, e.Reason, e.Err)
	}
	return fmt.Sprintf("target directory %s %s", e.Dir, e.Reason)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// New returns a new Publisher.
func New() *Publisher {
	return &Publisher{
		rename: os.Rename,
	}
}

// Publish writes every file to a temporary file next to its destination then
// renames it over the destination.
// On failure, the temporary files are removed and the destinations not yet replaced are left untouched.
func (p *Publisher) Publish(ctx context.Context, files ...File) (err error) {
	log := logger.LogWith(ctx)

	for _, f := range files {
		if err := CheckDir(filepath.Dir(f.Path)); err != nil {
			return err
		}
	}

	stages := make([]*staged, 0, len(files))
	defer func() {
		if err == nil {
			return
		}

		for _, s := range stages {
			if s.done {
				continue
			}

			if rerr := os.Remove(s.tmp); rerr != nil && !os.IsNotExist(rerr) {
				log.WithError(rerr).Warnf("Could not remove temporary file %s", s.tmp)
			}
		}
	}()

	for _, f := range files {
		s := &staged{dst: f.Path}
		s.tmp, err = writeTemp(f)
		if s.tmp != "" {
			stages = append(stages, s)
		}
		if err != nil {
			return errors.Wrapf(err, "could not stage %s", f.Path)
		}
	}

	for _, s := range stages {
		if err = p.rename(s.tmp, s.dst); err != nil {
			return errors.Wrapf(err, "could not replace %s", s.dst)
		}
		s.done = true

		log.Debugf("Published %s", s.dst)
	}

	return nil
}

// CheckDir returns a DirectoryError if dir does not exist, is not a directory or is not writable.
func CheckDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &DirectoryError{Dir: dir, Reason: "does not exist"}
		}
		return &DirectoryError{Dir: dir, Reason: "is not accessible", Err: err}
	}

	if !fi.IsDir() {
		return &DirectoryError{Dir: dir, Reason: "is not a directory"}
	}

	if err = unix.Access(dir, unix.W_OK); err != nil {
		return &DirectoryError{Dir: dir, Reason: "is not writable", Err: err}
	}

	return nil
}

func writeTemp(f File) (string, error) {
	mode := defaultMode
	if fi, err := os.Stat(f.Path); err == nil {
		mode = fi.Mode().Perm()
	}

	w, err := os.CreateTemp(filepath.Dir(f.Path), ".tmp."+filepath.Base(f.Path)+".")
	if err != nil {
		return "", err
	}
	defer w.Close()

	if _, err = w.Write(f.Content); err != nil {
		return w.Name(), err
	}

	if err = w.Sync(); err != nil {
		return w.Name(), err
	}

	if err = w.Chmod(mode); err != nil {
		return w.Name(), err
	}

	return w.Name(), w.Close()
}
