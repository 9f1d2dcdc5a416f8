package rundown

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
)

const reloadDebounce = 250 * time.Millisecond

// FormatFor picks the encoding from the file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// LoadFile reads rundowns from path. A missing file yields no rundowns and no
// error.
func LoadFile(path string) ([]*Rundown, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rundown file: %w", err)
	}
	return Decode(bytes.NewReader(data), FormatFor(path))
}

// SaveFile writes rundowns to path atomically. The write is skipped when the
// file already holds the same bytes, so a reload triggered by our own save
// settles instead of looping.
func SaveFile(path string, rs []*Rundown) error {
	var buf bytes.Buffer
	if err := Encode(&buf, FormatFor(path), rs); err != nil {
		return err
	}
	if cur, err := os.ReadFile(path); err == nil && bytes.Equal(cur, buf.Bytes()) {
		return nil
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending rundown file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write rundown file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace rundown file: %w", err)
	}
	return nil
}

// Watch calls onReload with the decoded content whenever path changes on
// disk, debounced. The parent directory is watched because atomic replaces
// swap the inode under a per-file watch. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, onReload func([]*Rundown)) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rundown watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	reload := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if _, err := os.Stat(abs); err != nil {
				continue
			}
			rs, err := LoadFile(abs)
			if err != nil {
				log.Warn("rundown reload failed", slog.String("path", abs), slog.Any("error", err))
				continue
			}
			log.Info("rundown file reloaded", slog.String("path", abs), slog.Int("rundowns", len(rs)))
			onReload(rs)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("rundown watcher error", slog.Any("error", err))
		}
	}
}
