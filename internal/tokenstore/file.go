package tokenstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/ledger-mcp/internal/apierr"
	"github.com/fsnotify/fsnotify"
)

const (
	// tokenDirPerm is the permission mode for the state directory.
	tokenDirPerm = fs.FileMode(0o700)

	// tokenFilePerm is the permission mode for the token file.
	tokenFilePerm = fs.FileMode(0o600)
)

// FileStore persists credentials as an encrypted blob in a single file.
// Writes are atomic (write-temp-then-rename) so a crash mid-write never
// corrupts the previous valid store.
//
// Decrypted credentials are cached in memory because scrypt key
// derivation is deliberately slow; a filesystem watcher invalidates the
// cache when another process replaces the file (for example after
// re-authenticating in a second terminal).
type FileStore struct {
	path       string
	passphrase string
	logger     *slog.Logger

	mu     sync.Mutex
	cached *Credentials
	warm   bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileStore creates a file store at path. The parent directory is
// created if missing so the watcher has something to attach to.
func NewFileStore(path, passphrase string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), tokenDirPerm); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}

	s := &FileStore{
		path:       filepath.Clean(path),
		passphrase: passphrase,
		logger:     logger,
		done:       make(chan struct{}),
	}

	// Watch the directory, not the file: the file is replaced by rename
	// on every save and may not exist yet on first run.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating token file watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching token directory: %w", err)
	}

	s.watcher = watcher
	go s.watchLoop()

	return s, nil
}

// Close stops the file watcher.
func (s *FileStore) Close() error {
	close(s.done)

	return s.watcher.Close()
}

// watchLoop invalidates the in-memory cache when the token file changes
// on disk outside this store's own Save/Clear calls.
func (s *FileStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != s.path {
				continue
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			s.mu.Lock()
			s.cached = nil
			s.warm = false
			s.mu.Unlock()

			s.logger.Debug("token file changed on disk, cache invalidated",
				slog.String("op", ev.Op.String()),
			)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}

			s.logger.Warn("token file watcher error", slog.String("error", err.Error()))
		case <-s.done:
			return
		}
	}
}

// Load returns the stored credential set, (nil, nil) if the file does
// not exist, or a DecryptionError if the file is present but unreadable.
func (s *FileStore) Load() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warm {
		if s.cached == nil {
			return nil, nil
		}

		return s.cached.clone(), nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.warm = true
		s.cached = nil

		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, apierr.Decryption(fmt.Errorf("token file is not a valid envelope: %w", err))
	}

	plaintext, err := Decrypt(&blob, s.passphrase)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, apierr.Decryption(fmt.Errorf("decrypted payload is not a credential set: %w", err))
	}

	s.cached = &creds
	s.warm = true

	return creds.clone(), nil
}

// Save serializes, encrypts, and atomically replaces the token file.
func (s *FileStore) Save(creds *Credentials) error {
	if err := validateForSave(creds); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("serializing credentials: %w", err)
	}

	blob, err := Encrypt(plaintext, s.passphrase)
	if err != nil {
		return err
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("serializing envelope: %w", err)
	}

	// Write to a temp file in the same directory, then rename over the
	// target so a crash never leaves a half-written store.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp token file: %w", err)
	}

	tmpName := tmp.Name()

	if err := tmp.Chmod(tokenFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("setting token file permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing token file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("closing temp token file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("replacing token file: %w", err)
	}

	s.cached = creds.clone()
	s.warm = true

	return nil
}

// Clear removes the token file. Missing files are not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	s.warm = true

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing token file: %w", err)
	}

	return nil
}
