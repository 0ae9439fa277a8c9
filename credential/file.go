package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/oauth2"
)

// fileContents is the on-disk layout: one record per client id, so several
// clients can share a credential file.
type fileContents struct {
	Tokens map[string]*record `json:"tokens"`
}

// FileStore persists the credential of one client in a JSON file shared with
// other clients and processes. Writes go through a lock file and an atomic
// rename.
type FileStore struct {
	path     string
	clientID string

	// mu orders writers inside this process; the lock file orders processes.
	mu sync.Mutex
}

// NewFileStore returns a store keeping clientID's credential in path.
func NewFileStore(path, clientID string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credential file path is required")
	}
	if clientID == "" {
		return nil, errors.New("client id is required")
	}
	return &FileStore{path: path, clientID: clientID}, nil
}

// Path returns the credential file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(_ context.Context) (*oauth2.Token, error) {
	contents, err := readFileContents(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	r, ok := contents.Tokens[s.clientID]
	if !ok || r.AccessToken == "" {
		return nil, ErrNotFound
	}
	return r.token(), nil
}

func (s *FileStore) Save(_ context.Context, token *oauth2.Token) error {
	if err := validateToken(token); err != nil {
		return err
	}
	return s.update(func(c *fileContents) {
		c.Tokens[s.clientID] = newRecord(s.clientID, token)
	})
}

func (s *FileStore) Clear(_ context.Context) error {
	return s.update(func(c *fileContents) {
		delete(c.Tokens, s.clientID)
	})
}

// update applies fn to the file contents while holding both locks, keeping
// records that belong to other clients.
func (s *FileStore) update(fn func(c *fileContents)) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireFileLock(s.path)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			err = errors.Join(err, fmt.Errorf("release lock: %w", releaseErr))
		}
	}()

	contents, err := readFileContents(s.path)
	if err != nil {
		// A missing or corrupt file starts over with an empty map.
		contents = &fileContents{}
	}
	if contents.Tokens == nil {
		contents.Tokens = make(map[string]*record)
	}

	fn(contents)

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func readFileContents(path string) (*fileContents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return &contents, nil
}

var _ Store = (*FileStore)(nil)
