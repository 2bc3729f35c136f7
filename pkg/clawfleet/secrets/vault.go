// Package secrets resolves chat connector tokens and manages their
// storage. Resolution walks a fixed chain: the process environment, the
// OS keyring, then an encrypted file vault for headless hosts where no
// keyring daemon runs.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// VaultFile is the default vault file name, resolved relative to the
	// working directory unless an absolute path is given.
	VaultFile = ".clawfleet.vault"

	// VaultPasswordEnv unlocks the vault in non-interactive deployments
	// (systemd, Docker, CI).
	VaultPasswordEnv = "CLAWFLEET_VAULT_PASSWORD"

	// Argon2id parameters (OWASP recommended).
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256

	saltLen = 16

	// verifyEntry lets Unlock distinguish a wrong password from an empty
	// vault without decrypting real secrets.
	verifyEntry     = "__verify__"
	verifyPlaintext = "clawfleet-vault-ok"
)

// vaultEntry holds one encrypted secret.
type vaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// vaultData is the on-disk format of the vault.
type vaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	Entries map[string]vaultEntry `json:"entries"`
}

// Vault is encrypted secret storage backed by a single local file. The
// master password is never stored; a derived key lives in memory only
// while the vault is unlocked.
type Vault struct {
	path string

	mu         sync.RWMutex
	data       *vaultData
	derivedKey []byte
}

// NewVault points at a vault file. The vault is not yet unlocked; call
// Unlock or Create first.
func NewVault(path string) *Vault {
	if path == "" {
		path = VaultFile
	}
	return &Vault{path: path}
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file is on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether a derived key is loaded.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.derivedKey != nil
}

// Create initializes a new vault with the given master password. It
// refuses to overwrite an existing vault file.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.derivedKey = deriveKey(password, salt)
	v.data = &vaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]vaultEntry),
	}
	ve, err := encryptEntry(v.derivedKey, []byte(verifyPlaintext))
	if err != nil {
		return fmt.Errorf("sealing verification entry: %w", err)
	}
	v.data.Entries[verifyEntry] = ve

	return v.saveLocked()
}

// Unlock loads the vault and verifies the password against the
// verification entry.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}

	var data vaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	key := deriveKey(password, salt)
	if verify, ok := data.Entries[verifyEntry]; ok {
		if _, err := decryptEntry(key, verify); err != nil {
			return fmt.Errorf("wrong password")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.derivedKey = key
	v.data = &data
	return nil
}

// Lock zeroes the derived key and relocks the vault.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.derivedKey {
		v.derivedKey[i] = 0
	}
	v.derivedKey = nil
}

// Set stores one secret. The vault must be unlocked.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.derivedKey == nil {
		return fmt.Errorf("vault is locked")
	}

	entry, err := encryptEntry(v.derivedKey, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	return v.saveLocked()
}

// Get decrypts one secret. A missing name returns an empty string and no
// error. The vault must be unlocked.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.derivedKey == nil {
		return "", fmt.Errorf("vault is locked")
	}

	entry, ok := v.data.Entries[name]
	if !ok {
		return "", nil
	}
	plaintext, err := decryptEntry(v.derivedKey, entry)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Delete removes one secret. The vault must be unlocked.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.derivedKey == nil {
		return fmt.Errorf("vault is locked")
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Keys lists stored secret names, internal entries excluded. The vault
// must be unlocked.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.derivedKey == nil {
		return nil, fmt.Errorf("vault is locked")
	}
	var keys []string
	for k := range v.data.Entries {
		if k == verifyEntry {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ---------- Internal ----------

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encryptEntry(key, plaintext []byte) (vaultEntry, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return vaultEntry{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return vaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return vaultEntry{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return vaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func decryptEntry(key []byte, entry vaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password?)")
	}
	return plaintext, nil
}

// saveLocked writes the vault with owner-only permissions. Caller holds
// v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}
