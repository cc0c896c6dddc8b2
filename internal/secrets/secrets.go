// Package secrets stores device passwords in a mode-0600 JSON file. It
// stands in for a desktop keychain on headless installs; the file path is
// overridable for tests.
package secrets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/oathkey/agent"
)

const (
	envSecretsPath     = "OATH_AGENT_SECRETS_PATH"
	defaultSecretsDir  = ".oath-agent"
	defaultSecretsFile = "secrets.json"
)

// FileStore implements agent.SecretStore on a single JSON file keyed by
// device id.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ agent.SecretStore = (*FileStore)(nil)

// Open resolves the secrets path (OATH_AGENT_SECRETS_PATH, falling back to
// ~/.oath-agent/secrets.json).
func Open() (*FileStore, error) {
	if custom := strings.TrimSpace(os.Getenv(envSecretsPath)); custom != "" {
		return OpenPath(custom)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "secrets: locate user home failed")
	}
	return OpenPath(filepath.Join(home, defaultSecretsDir, defaultSecretsFile))
}

// OpenPath uses an explicit file path, creating the parent directory.
func OpenPath(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, pkgerrors.Wrap(err, "secrets: create directory failed")
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) LoadPassword(deviceID string) (string, error) {
	if !agent.IsValidDeviceID(deviceID) {
		return "", pkgerrors.Errorf("secrets: invalid device id %q", deviceID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	passwords, err := f.read()
	if err != nil {
		return "", err
	}
	return passwords[deviceID], nil
}

func (f *FileStore) SavePassword(deviceID, password string) error {
	if !agent.IsValidDeviceID(deviceID) {
		return pkgerrors.Errorf("secrets: invalid device id %q", deviceID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	passwords, err := f.read()
	if err != nil {
		return err
	}
	passwords[deviceID] = password
	return f.write(passwords)
}

func (f *FileStore) RemovePassword(deviceID string) error {
	if !agent.IsValidDeviceID(deviceID) {
		return pkgerrors.Errorf("secrets: invalid device id %q", deviceID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	passwords, err := f.read()
	if err != nil {
		return err
	}
	if _, ok := passwords[deviceID]; !ok {
		return nil
	}
	delete(passwords, deviceID)
	return f.write(passwords)
}

func (f *FileStore) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "secrets: read file failed")
	}
	passwords := make(map[string]string)
	if len(raw) == 0 {
		return passwords, nil
	}
	if err := json.Unmarshal(raw, &passwords); err != nil {
		return nil, pkgerrors.Wrap(err, "secrets: decode file failed")
	}
	return passwords, nil
}

// write replaces the file atomically so a crash never leaves a torn secrets
// file behind.
func (f *FileStore) write(passwords map[string]string) error {
	raw, err := json.MarshalIndent(passwords, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "secrets: encode file failed")
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return pkgerrors.Wrap(err, "secrets: write temp file failed")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return pkgerrors.Wrap(err, "secrets: replace file failed")
	}
	return nil
}
