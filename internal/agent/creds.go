package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Credentials is the persisted state of an agent: at most a bearer token.
type Credentials struct {
	Token string `yaml:"token,omitempty"`
}

// CredentialStore loads and saves agent credentials. The store is an
// external collaborator: the connection layer only relies on this contract.
type CredentialStore interface {
	Load() (*Credentials, error)
	Save(*Credentials) error
}

// FileCredentialStore persists credentials to a YAML file.
type FileCredentialStore struct {
	path string
}

// NewFileCredentialStore creates a store backed by the given path.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

// Load reads credentials from disk. A missing file is not an error: it
// returns empty credentials, the "no token yet" state.
func (s *FileCredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	creds := &Credentials{}
	if err := yaml.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

// Save writes credentials to disk, creating the parent directory if needed.
// The file is written with owner-only permissions since it holds a token.
func (s *FileCredentialStore) Save(creds *Credentials) error {
	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
