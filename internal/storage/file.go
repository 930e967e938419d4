package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File persists each key as <sha256(key)>.value under Dir so the slot
// survives process restarts. Writes go through a temp file and rename, so a
// reader never sees a partial value. Notifications are delivered to
// listeners in the same process only.
type File struct {
	Dir string
	// StrictPerms enforces 0700 on the directory and 0600 on files.
	StrictPerms bool

	writeMu sync.Mutex
	subs    listeners
}

func (f *File) ensureDir() error {
	if f == nil || f.Dir == "" {
		return errors.New("storage dir not configured")
	}
	perm := os.FileMode(0o755)
	if f.StrictPerms {
		perm = 0o700
	}
	if err := os.MkdirAll(f.Dir, perm); err != nil {
		return err
	}
	if f.StrictPerms {
		if info, err := os.Stat(f.Dir); err == nil && info.Mode()&0o777 != 0o700 {
			_ = os.Chmod(f.Dir, 0o700)
		}
	}
	return nil
}

func (f *File) pathFor(key string) string {
	h := sha256.Sum256([]byte(key))
	return filepath.Join(f.Dir, hex.EncodeToString(h[:])+".value")
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := f.ensureDir(); err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(f.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return b, true, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) error {
	if err := f.ensureDir(); err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old, had, _ := f.Get(ctx, key)
	mode := os.FileMode(0o644)
	if f.StrictPerms {
		mode = 0o600
	}
	p := f.pathFor(key)
	tmp, err := os.CreateTemp(f.Dir, filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write value: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename value: %w", err)
	}

	c := Change{Area: AreaLocal, Key: key, NewValue: clone(value)}
	if had {
		c.OldValue = old
	}
	f.subs.notify(c)
	return nil
}

func (f *File) Remove(ctx context.Context, key string) error {
	if err := f.ensureDir(); err != nil {
		return err
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	old, had, _ := f.Get(ctx, key)
	err := os.Remove(f.pathFor(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	if had {
		f.subs.notify(Change{Area: AreaLocal, Key: key, OldValue: old, Removed: true})
	}
	return nil
}

func (f *File) OnChanged(fn Listener) func() {
	return f.subs.add(fn)
}
