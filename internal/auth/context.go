package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credential is the session identity. Token may be empty; a missing
// token degrades outbound sends but does not block restoring history.
type Credential struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// Context reads and clears the stored credential. Credentials are
// written once at login by the login command; the session core only
// ever loads and clears them.
type Context struct {
	dir string
}

// NewContext creates a credential context rooted at dir (typically the
// chatbox user config directory).
func NewContext(dir string) *Context {
	return &Context{dir: dir}
}

// Path returns the absolute path of the credential file.
func (c *Context) Path() string {
	return filepath.Join(c.dir, "credential.json")
}

// Load reads the stored credential. A missing file means no session is
// logged in and returns (nil, nil).
func (c *Context) Load() (*Credential, error) {
	data, err := os.ReadFile(c.Path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}

	return &cred, nil
}

// Save writes the credential with owner-only permissions. Used by the
// login command, never by the session core.
func (c *Context) Save(cred *Credential) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if err := os.WriteFile(c.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}

	return nil
}

// Clear removes the stored credential. A missing file is already
// cleared and is not an error.
func (c *Context) Clear() error {
	if err := os.Remove(c.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}
