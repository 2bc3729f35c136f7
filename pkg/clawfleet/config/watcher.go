package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Watcher polls the fleet file and every agent file it references and
// invokes onChange when their combined content hash changes. Hashing the
// content instead of comparing mtimes means touching a file without
// editing it does not fire a reload.
//
// The watcher only detects changes; loading and validating the candidate
// config is the reload path's job, so a broken edit never reaches the
// running fleet through the watcher.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func()
	logger   *slog.Logger

	lastHash [sha256.Size]byte
	seeded   bool
}

// NewWatcher creates a watcher for the fleet file at path. interval is the
// poll period; onChange runs on the watcher's goroutine.
func NewWatcher(path string, interval time.Duration, onChange func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Watcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
	}
}

// Start polls until ctx is cancelled. It blocks; run it on its own
// goroutine. The first poll seeds the hash without firing onChange.
func (w *Watcher) Start(ctx context.Context) {
	w.poll(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Debug("config watcher started", "path", w.path, "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("config watcher stopped")
			return
		case <-ticker.C:
			w.poll(true)
		}
	}
}

func (w *Watcher) poll(notify bool) {
	hash, err := w.contentHash()
	if err != nil {
		w.logger.Warn("config watcher read failed", "error", err)
		return
	}

	if !w.seeded {
		w.lastHash = hash
		w.seeded = true
		return
	}

	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	if notify && w.onChange != nil {
		w.logger.Info("config change detected", "path", w.path)
		w.onChange()
	}
}

// contentHash hashes the fleet file plus every agent file it references.
// Agent refs are parsed leniently: if the fleet file is mid-edit and does
// not parse, its own content change is still detected.
func (w *Watcher) contentHash() ([sha256.Size]byte, error) {
	h := sha256.New()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	h.Write(data)

	var ff fleetFile
	if err := yaml.Unmarshal(data, &ff); err == nil {
		dir := w.configDir()
		for _, ref := range ff.Agents {
			if ref.Path == "" {
				continue
			}
			agentPath := resolvePathFromConfig(ref.Path, dir)
			h.Write([]byte(agentPath))
			body, err := os.ReadFile(agentPath)
			if err != nil {
				// A missing agent file is itself a change worth seeing.
				h.Write([]byte("absent"))
				continue
			}
			h.Write(body)
		}
	}

	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

func (w *Watcher) configDir() string {
	return filepath.Dir(w.path)
}
