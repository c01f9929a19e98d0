// Package secrets seals account credentials and shared configuration with
// age X25519 encryption. Only base64 ciphertext reaches the store.
package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/seantiz/foundry/internal/redact"
	"github.com/seantiz/foundry/internal/store"
)

// ErrNotFound is returned when no secret is stored under a ref.
var ErrNotFound = errors.New("secret not found")

// ErrDecrypt is returned when stored ciphertext cannot be opened with the
// vault identity. Retrying does not help.
var ErrDecrypt = errors.New("secret decryption failed")

// Credentials is the token pair that scopes one execution account.
type Credentials struct {
	TokenID     string `json:"token_id"`
	TokenSecret string `json:"token_secret"`
}

// AccountRef returns the secret ref holding an account's credentials.
func AccountRef(accountID string) string {
	return "account/" + accountID
}

// SharedRef returns the secret ref of a named shared configuration value.
func SharedRef(name string) string {
	return "shared/" + name
}

// Vault encrypts to and decrypts with a single age identity. Every
// plaintext it handles is registered with the redactor.
type Vault struct {
	store    store.SecretStore
	identity *age.X25519Identity
	redactor *redact.Redactor
}

// NewVault creates a vault over s. redactor may be nil.
func NewVault(s store.SecretStore, identity *age.X25519Identity, redactor *redact.Redactor) *Vault {
	return &Vault{store: s, identity: identity, redactor: redactor}
}

// Put seals plaintext under ref, replacing any previous value.
func (v *Vault) Put(ctx context.Context, ref string, plaintext []byte) error {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, v.identity.Recipient())
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize encryption: %w", err)
	}

	if err := v.store.PutSecret(ctx, ref, base64.StdEncoding.EncodeToString(buf.Bytes())); err != nil {
		return fmt.Errorf("put secret %s: %w", ref, err)
	}
	v.register(plaintext)
	return nil
}

// Get opens the secret stored under ref.
func (v *Vault) Get(ctx context.Context, ref string) ([]byte, error) {
	ciphertext, err := v.store.GetSecret(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", ref, err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: decode base64: %v", ErrDecrypt, ref, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), v.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecrypt, ref, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read plaintext: %v", ErrDecrypt, ref, err)
	}
	v.register(plaintext)
	return plaintext, nil
}

// Delete removes the secret under ref.
func (v *Vault) Delete(ctx context.Context, ref string) error {
	if err := v.store.DeleteSecret(ctx, ref); err != nil {
		return fmt.Errorf("delete secret %s: %w", ref, err)
	}
	return nil
}

// PutCredentials seals an account's token pair.
func (v *Vault) PutCredentials(ctx context.Context, ref string, c Credentials) error {
	if c.TokenID == "" || c.TokenSecret == "" {
		return errors.New("put credentials: token_id and token_secret are required")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	v.register([]byte(c.TokenID), []byte(c.TokenSecret))
	return v.Put(ctx, ref, data)
}

// GetCredentials opens an account's token pair.
func (v *Vault) GetCredentials(ctx context.Context, ref string) (Credentials, error) {
	data, err := v.Get(ctx, ref)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("%w: %s: decode credentials: %v", ErrDecrypt, ref, err)
	}
	v.register([]byte(c.TokenID), []byte(c.TokenSecret))
	return c, nil
}

func (v *Vault) register(values ...[]byte) {
	if v.redactor == nil {
		return
	}
	for _, val := range values {
		v.redactor.Add(string(val))
	}
}

// LoadOrCreateIdentity reads the age identity at path, generating and
// writing a new one with mode 0600 if the file does not exist.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", path, err)
		}
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write identity %s: %w", path, err)
	}
	return identity, nil
}
