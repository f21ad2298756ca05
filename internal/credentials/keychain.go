package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

const keychainAccount = "koperasi"

// keychainItemNotFound is the exit status of `security` for a missing item.
const keychainItemNotFound = 44

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// KeychainStore keeps the token pair in the macOS login keychain as a generic
// password named "koperasi-<namespace>".
type KeychainStore struct {
	service string
	run     commandRunner

	mu sync.Mutex
}

func NewKeychainStore(namespace string) *KeychainStore {
	return &KeychainStore{
		service: "koperasi-" + namespace,
		run:     runCommand,
	}
}

func (k *KeychainStore) GetAccessToken(ctx context.Context) (string, error) {
	pair, err := k.load(ctx)
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

func (k *KeychainStore) GetRefreshToken(ctx context.Context) (string, error) {
	pair, err := k.load(ctx)
	if err != nil {
		return "", err
	}
	return pair.RefreshToken, nil
}

func (k *KeychainStore) SetTokens(ctx context.Context, pair TokenPair) error {
	if err := validatePair(pair); err != nil {
		return err
	}
	payload, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// -U updates the item in place when it already exists.
	if _, err := k.run(ctx, "security", "add-generic-password",
		"-s", k.service, "-a", keychainAccount, "-w", string(payload), "-U"); err != nil {
		return fmt.Errorf("failed to update keychain: %w", err)
	}
	return nil
}

func (k *KeychainStore) ClearTokens(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_, err := k.run(ctx, "security", "delete-generic-password", "-s", k.service)
	if err != nil && !isKeychainNotFound(err) {
		return fmt.Errorf("failed to delete keychain item: %w", err)
	}
	return nil
}

func (k *KeychainStore) load(ctx context.Context) (TokenPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	output, err := k.run(ctx, "security", "find-generic-password", "-s", k.service, "-w")
	if err != nil {
		if isKeychainNotFound(err) {
			return TokenPair{}, nil
		}
		return TokenPair{}, fmt.Errorf("failed to retrieve password from Keychain: %w", err)
	}

	var pair TokenPair
	if err := json.Unmarshal(output, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("failed to parse JSON from keychain: %w", err)
	}
	return pair, nil
}

func isKeychainNotFound(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == keychainItemNotFound
}
