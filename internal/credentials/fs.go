package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fsTokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// FSStore keeps the token pair of one namespace in <dir>/<namespace>.json.
type FSStore struct {
	Path string

	mu sync.Mutex
}

func NewFSStore(dir, namespace string) *FSStore {
	return &FSStore{Path: filepath.Join(dir, namespace+".json")}
}

func (f *FSStore) GetAccessToken(context.Context) (string, error) {
	t, err := f.read()
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

func (f *FSStore) GetRefreshToken(context.Context) (string, error) {
	t, err := f.read()
	if err != nil {
		return "", err
	}
	return t.RefreshToken, nil
}

// SetTokens writes the pair to a temporary file and renames it over the
// previous one, so a concurrent reader sees either the old or the new pair.
func (f *FSStore) SetTokens(_ context.Context, pair TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := EnsureParentDir(f.Path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(fsTokens{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		UpdatedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary token file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set token file permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary token file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

func (f *FSStore) ClearTokens(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

func (f *FSStore) read() (fsTokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return fsTokens{}, nil
	}
	if err != nil {
		return fsTokens{}, fmt.Errorf("failed to read token file: %w", err)
	}

	var t fsTokens
	if err := json.Unmarshal(b, &t); err != nil {
		return fsTokens{}, fmt.Errorf("failed to parse token file %s: %w", f.Path, err)
	}
	return t, nil
}
