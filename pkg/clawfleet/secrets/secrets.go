package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name used in the OS keyring.
const keyringService = "clawfleet"

// Resolution sources reported by Resolver.Resolve.
const (
	SourceEnv     = "env"
	SourceKeyring = "keyring"
	SourceVault   = "vault"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Returns an empty
// string when the key is absent or the keyring is unreachable.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks keyring access with a write+delete cycle.
func KeyringAvailable() bool {
	testKey := "__clawfleet_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// Resolver walks the token resolution chain: process environment, OS
// keyring, encrypted vault. The vault is opened at most once per
// resolver; unlock uses CLAWFLEET_VAULT_PASSWORD or, on a terminal, an
// interactive prompt.
type Resolver struct {
	vaultPath string
	logger    *slog.Logger

	vaultOnce sync.Once
	vault     *Vault
}

// NewResolver creates a resolver. An empty vaultPath selects the default
// vault file.
func NewResolver(vaultPath string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if vaultPath == "" {
		vaultPath = VaultFile
	}
	return &Resolver{
		vaultPath: vaultPath,
		logger:    logger.With("component", "secrets"),
	}
}

// Resolve returns the value for a declared token variable and which
// source supplied it. ok is false when every source comes up empty.
func (r *Resolver) Resolve(name string) (value, source string, ok bool) {
	if val := os.Getenv(name); val != "" {
		return val, SourceEnv, true
	}
	if val := GetKeyring(name); val != "" {
		return val, SourceKeyring, true
	}
	if vault := r.unlockedVault(); vault != nil {
		val, err := vault.Get(name)
		if err != nil {
			r.logger.Warn("vault lookup failed", "name", name, "error", err)
		} else if val != "" {
			return val, SourceVault, true
		}
	}
	return "", "", false
}

// unlockedVault opens and unlocks the vault once. A missing vault file,
// a failed unlock or a non-interactive session without the password env
// var all yield nil.
func (r *Resolver) unlockedVault() *Vault {
	r.vaultOnce.Do(func() {
		vault := NewVault(r.vaultPath)
		if !vault.Exists() {
			return
		}
		if pass := os.Getenv(VaultPasswordEnv); pass != "" {
			if err := vault.Unlock(pass); err != nil {
				r.logger.Warn("failed to unlock vault with "+VaultPasswordEnv, "error", err)
			} else {
				r.logger.Info("vault unlocked via " + VaultPasswordEnv)
			}
		}
		if !vault.IsUnlocked() {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				password, err := ReadPassword("Vault password: ")
				if err != nil {
					r.logger.Warn("failed to read vault password", "error", err)
				} else if err := vault.Unlock(password); err != nil {
					r.logger.Warn("failed to unlock vault", "error", err)
				}
			} else {
				r.logger.Info("vault exists but cannot be unlocked non-interactively; set " + VaultPasswordEnv)
			}
		}
		if vault.IsUnlocked() {
			r.vault = vault
		}
	})
	return r.vault
}

// ReadPassword reads a password without echo when stdin is a terminal,
// falling back to a plain read for piped input.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)

	fd := int(os.Stdin.Fd())
	password, err := term.ReadPassword(fd)
	if err != nil {
		var buf [1024]byte
		n, readErr := os.Stdin.Read(buf[:])
		if readErr != nil {
			return "", fmt.Errorf("reading password: %w", readErr)
		}
		password = buf[:n]
	}
	fmt.Println()

	s := string(password)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s, nil
}
