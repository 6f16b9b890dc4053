// Package keystore keeps wallet secrets encrypted at rest.
// Only Argon2id + AES-256-GCM is supported.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/klingwallet/internal/errs"
)

// ErrNotFound is returned when no secret is stored for a wallet.
var ErrNotFound = errors.New("wallet secret not found")

// Params are the Argon2id cost parameters.
type Params struct {
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"` // KiB
	Parallelism uint8  `json:"parallelism"`
}

// DefaultParams follow the OWASP recommendation for password hashing.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Parallelism: 4}

const (
	keyLen   = 32 // AES-256
	saltLen  = 32
	fileExt  = ".seed"
	version1 = 1
)

// Secret is the plaintext a wallet is restored from.
type Secret struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Sealed is an encrypted Secret as written to disk.
type Sealed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// Seal encrypts a secret with a key derived from password.
func Seal(secret Secret, password string, params Params) (*Sealed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, errs.New(errs.ErrValidation, "keystore.Seal", err)
	}
	if !bip39.IsMnemonicValid(secret.Mnemonic) {
		return nil, errs.Validationf("keystore.Seal", "invalid mnemonic")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, key, err := newGCM(password, salt, params)
	if err != nil {
		return nil, err
	}
	defer SecureClear(key)

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	plaintext, err := json.Marshal(secret)
	if err != nil {
		return nil, err
	}
	defer SecureClear(plaintext)

	return &Sealed{
		Version:     version1,
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        params.Time,
		Memory:      params.Memory,
		Parallelism: params.Parallelism,
	}, nil
}

// Open decrypts a sealed secret. Missing cost parameters fall back to
// DefaultParams.
func Open(sealed *Sealed, password string) (*Secret, error) {
	params := Params{Time: sealed.Time, Memory: sealed.Memory, Parallelism: sealed.Parallelism}
	if params.Time == 0 {
		params.Time = DefaultParams.Time
	}
	if params.Memory == 0 {
		params.Memory = DefaultParams.Memory
	}
	if params.Parallelism == 0 {
		params.Parallelism = DefaultParams.Parallelism
	}

	gcm, key, err := newGCM(password, sealed.Salt, params)
	if err != nil {
		return nil, err
	}
	defer SecureClear(key)

	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, errs.New(errs.ErrValidation, "keystore.Open", fmt.Errorf("failed to decrypt (wrong password?): %w", err))
	}
	defer SecureClear(plaintext)

	var secret Secret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, fmt.Errorf("failed to decode secret: %w", err)
	}
	return &secret, nil
}

func newGCM(password string, salt []byte, params Params) (cipher.AEAD, []byte, error) {
	key := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Parallelism, keyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		SecureClear(key)
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		SecureClear(key)
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, key, nil
}

// Keystore stores one sealed secret per wallet id under a directory.
type Keystore struct {
	dir    string
	params Params
	mu     sync.Mutex
}

// New returns a keystore rooted at dir. The directory is created on first
// write.
func New(dir string, params Params) *Keystore {
	if params.Time == 0 {
		params = DefaultParams
	}
	return &Keystore{dir: dir, params: params}
}

// Save seals and writes the secret of a wallet, replacing any previous one.
func (k *Keystore) Save(walletID string, secret Secret, password string) error {
	path, err := k.path(walletID)
	if err != nil {
		return err
	}

	sealed, err := Seal(secret, password, k.params)
	if err != nil {
		return err
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.MkdirAll(k.dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads and opens the secret of a wallet.
func (k *Keystore) Load(walletID, password string) (*Secret, error) {
	path, err := k.path(walletID)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	data, err := os.ReadFile(path)
	k.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var sealed Sealed
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return Open(&sealed, password)
}

// Exists reports whether a secret is stored for walletID.
func (k *Keystore) Exists(walletID string) bool {
	path, err := k.path(walletID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete removes the secret of a wallet. Deleting a missing wallet is not an
// error.
func (k *Keystore) Delete(walletID string) error {
	path, err := k.path(walletID)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the ids of all stored wallets, sorted.
func (k *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(k.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (k *Keystore) path(walletID string) (string, error) {
	if err := ValidateWalletID(walletID); err != nil {
		return "", err
	}
	path := filepath.Join(k.dir, walletID+fileExt)
	if err := ValidateFilePath(path); err != nil {
		return "", err
	}
	return path, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Password validation constants
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword validates password strength.
// Requires at least 8 characters and 3 of 4 character types.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsNumber(char):
			hasNumber = true
		case unicode.IsPunct(char) || unicode.IsSymbol(char):
			hasSpecial = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasNumber, hasSpecial} {
		if ok {
			complexity++
		}
	}
	if complexity < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}

	return nil
}

// ValidateWalletID accepts ids made of letters, digits, '-' and '_'.
func ValidateWalletID(id string) error {
	if id == "" || len(id) > 64 {
		return errs.Validationf("keystore", "wallet id must be 1-64 characters")
	}
	for _, r := range id {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return errs.Validationf("keystore", "wallet id %q contains %q", id, r)
		}
	}
	return nil
}

// ValidateFilePath validates a file path for safety.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	clean := filepath.Clean(path)
	if clean != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}

	if !utf8.ValidString(path) {
		return fmt.Errorf("path contains invalid UTF-8")
	}

	return nil
}
