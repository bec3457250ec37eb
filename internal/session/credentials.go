package session

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Credentials is the persisted session snapshot: the bearer token issued at
// login plus the user fields known at that time. It is the second link in
// the identity fallback chain.
type Credentials struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
	Email    string `toml:"email"`
}

// LoadCredentials reads the credentials snapshot for a session.
func LoadCredentials(name string) (*Credentials, error) {
	var creds Credentials
	_, err := toml.DecodeFile(CredentialsPath(name), &creds)
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveCredentials writes the credentials snapshot with 0600 permissions.
func SaveCredentials(name string, creds *Credentials) error {
	path := CredentialsPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(creds)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
