package auth

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredentialWatcher watches the credential file so a running session
// notices a login performed by another process. It fires one callback
// per settled change; removals (logout elsewhere) are ignored, since
// only the owning controller may tear the session down.
type CredentialWatcher struct {
	ctx      *Context
	watcher  *fsnotify.Watcher
	onLogin  func(*Credential)
	debounce time.Duration

	mu      sync.Mutex
	pending bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCredentialWatcher creates a watcher over the given context's
// credential file. onLogin is called with the freshly stored
// credential after each settled write.
func NewCredentialWatcher(authCtx *Context, onLogin func(*Credential)) (*CredentialWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	return &CredentialWatcher{
		ctx:      authCtx,
		watcher:  watcher,
		onLogin:  onLogin,
		debounce: 500 * time.Millisecond,
		runCtx:   runCtx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. The containing directory is watched rather
// than the file itself, so atomic rename-into-place writes are seen.
func (w *CredentialWatcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.ctx.Path())); err != nil {
		return fmt.Errorf("failed to watch credential directory: %w", err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	return nil
}

// Stop stops the watcher.
func (w *CredentialWatcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *CredentialWatcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.runCtx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.ctx.Path() {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.mu.Lock()
				w.pending = true
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  Credential watcher error: %v", err)
		}
	}
}

func (w *CredentialWatcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.runCtx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			fire := w.pending
			w.pending = false
			w.mu.Unlock()
			if !fire {
				continue
			}

			cred, err := w.ctx.Load()
			if err != nil {
				log.Printf("⚠️  Failed to reload credential after change: %v", err)
				continue
			}
			if cred == nil {
				continue
			}
			w.onLogin(cred)
		}
	}
}
