package policy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Reloader loads a lane from disk into a Registry.
type Reloader struct {
	BaseDir  string
	Options  LoadOptions
	Registry *Registry
	Logger   *zap.Logger
	Debounce time.Duration

	mu sync.Mutex
}

// Reload replaces the registry contents with a fresh load of the lane and
// returns the number of envelopes now active.
func (r *Reloader) Reload() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger()
	snapshot, problems := LoadLane(r.BaseDir, r.Options)
	for _, problem := range problems {
		logger.Warn("envelope skipped", zap.Error(problem))
	}
	r.Registry.Replace(snapshot)

	for _, loaded := range snapshot.Envelopes {
		logger.Info("envelope loaded",
			zap.String("envelope_id", loaded.Envelope.EnvelopeID),
			zap.String("version", loaded.Envelope.Version),
			zap.String("source", loaded.Source),
			zap.String("sha256", loaded.Hash),
		)
	}
	if len(snapshot.Envelopes) == 0 && snapshot.Lane == LaneProd {
		logger.Error("no envelopes loaded in prod lane; every decision will be rejected", zap.String("dir", snapshot.Dir))
	}
	logger.Info("envelopes reloaded",
		zap.String("lane", snapshot.Lane),
		zap.String("dir", snapshot.Dir),
		zap.Int("count", len(snapshot.Envelopes)),
		zap.Bool("signatures_required", r.Options.RequireSignatures),
	)
	return len(snapshot.Envelopes)
}

// ReloadOnSignal reloads whenever a value arrives on signals, until ctx is
// done.
func (r *Reloader) ReloadOnSignal(ctx context.Context, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			r.logger().Info("reload requested", zap.String("signal", sig.String()))
			r.Reload()
		}
	}
}

// Watch reloads after envelope files in the lane directory change. Bursts
// of events are collapsed into one reload.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("envelope watcher: %w", err)
	}
	defer watcher.Close()

	dir := LaneDir(r.BaseDir, r.laneOrDefault())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.logger().Info("watching envelopes", zap.String("dir", dir))

	debounce := r.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isEnvelopeFile(event.Name) {
				continue
			}
			r.logger().Debug("envelope file changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger().Warn("envelope watcher error", zap.Error(err))
		case <-timer.C:
			r.Reload()
		}
	}
}

func (r *Reloader) laneOrDefault() string {
	if r.Options.Lane == "" {
		return LaneProd
	}
	return r.Options.Lane
}

func (r *Reloader) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
