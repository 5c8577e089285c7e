// Package accountsigner manages the actor key registry: RSA-2048 keypairs
// persisted as PEM files, PKCS1v15/SHA-256 signing and verification.
//
// The registry is keyed by actor name. Only actors provisioned on this
// replica have private keys on disk; public keys are distributed by the
// external admin service. Verification always resolves the key by actor name
// from the local directory; the public_key hint inside a transaction is
// advisory and never consulted.
package accountsigner

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const (
	rsaKeyBits = 2048

	privateKeySuffix = "_private.pem"
	publicKeySuffix  = "_public.pem"

	privateKeyMode = os.FileMode(0600)
	publicKeyMode  = os.FileMode(0644)

	// cachedPublicKeys bounds the in-memory pubkey cache. Supply-chain
	// deployments have a handful of actors; the bound only matters when an
	// admin churns keys.
	cachedPublicKeys = 256
)

var (
	ErrNoPrivateKey  = errors.New("accountsigner: private key not found")
	ErrNoPublicKey   = errors.New("accountsigner: public key not found")
	ErrBadSignature  = errors.New("accountsigner: signature mismatch")
	ErrNotRSAKey     = errors.New("accountsigner: key is not RSA")
	errBadActorName  = errors.New("accountsigner: invalid actor name")
	errBadPEMEncoded = errors.New("accountsigner: malformed PEM data")
)

// Registry is a file-backed actor keypair registry rooted at a key directory.
// Reads are cached; mutations invalidate the cached entry.
type Registry struct {
	dir   string
	mu    sync.Mutex
	cache *lru.ARCCache // actor name -> *rsa.PublicKey
}

// NewRegistry opens (creating if needed) the key directory.
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("accountsigner: create key directory: %w", err)
	}
	cache, _ := lru.NewARC(cachedPublicKeys)
	return &Registry{dir: dir, cache: cache}, nil
}

// Dir returns the registry's key directory.
func (r *Registry) Dir() string {
	return r.dir
}

func checkActorName(actor string) error {
	if actor == "" || strings.ContainsAny(actor, "/\\") || strings.Contains(actor, "..") {
		return errBadActorName
	}
	return nil
}

func (r *Registry) privatePath(actor string) string {
	return filepath.Join(r.dir, actor+privateKeySuffix)
}

func (r *Registry) publicPath(actor string) string {
	return filepath.Join(r.dir, actor+publicKeySuffix)
}

// Generate creates and persists a fresh 2048-bit RSA keypair for the actor.
// If the actor already has a private key on disk the existing pair is kept
// (registration is idempotent).
func (r *Registry) Generate(actor string) error {
	if err := checkActorName(actor); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.privatePath(actor)); err == nil {
		return nil
	}
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("accountsigner: generate keypair: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("accountsigner: encode private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(r.privatePath(actor), privPEM, privateKeyMode); err != nil {
		return fmt.Errorf("accountsigner: write private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("accountsigner: encode public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(r.publicPath(actor), pubPEM, publicKeyMode); err != nil {
		return fmt.Errorf("accountsigner: write public key: %w", err)
	}
	r.cache.Remove(actor)
	return nil
}

// HasPrivateKey reports whether this replica holds the actor's private key.
func (r *Registry) HasPrivateKey(actor string) bool {
	if checkActorName(actor) != nil {
		return false
	}
	_, err := os.Stat(r.privatePath(actor))
	return err == nil
}

func (r *Registry) loadPrivateKey(actor string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(r.privatePath(actor))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, actor)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errBadPEMEncoded
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("accountsigner: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return key, nil
}

// PublicKey loads (and caches) the actor's public key from disk.
func (r *Registry) PublicKey(actor string) (*rsa.PublicKey, error) {
	if err := checkActorName(actor); err != nil {
		return nil, err
	}
	if cached, ok := r.cache.Get(actor); ok {
		return cached.(*rsa.PublicKey), nil
	}
	raw, err := os.ReadFile(r.publicPath(actor))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPublicKey, actor)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errBadPEMEncoded
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("accountsigner: parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	r.cache.Add(actor, key)
	return key, nil
}

// PublicKeyString returns the actor's PEM public key as a base64 string, the
// wire encoding of the advisory public_key transaction field.
func (r *Registry) PublicKeyString(actor string) (string, error) {
	if err := checkActorName(actor); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(r.publicPath(actor))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoPublicKey, actor)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Sign produces a base64 RSA-PKCS1v15 signature with SHA-256 over payload
// using the actor's private key.
func (r *Registry) Sign(actor string, payload []byte) (string, error) {
	if err := checkActorName(actor); err != nil {
		return "", err
	}
	key, err := r.loadPrivateKey(actor)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("accountsigner: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature against payload using the actor's on-disk
// public key. Returns ErrBadSignature on mismatch.
func (r *Registry) Verify(actor string, payload []byte, signature string) error {
	key, err := r.PublicKey(actor)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad base64", ErrBadSignature)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// ListActors returns the actors with a public key on disk, sorted by name.
func (r *Registry) ListActors() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("accountsigner: read key directory: %w", err)
	}
	var actors []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, publicKeySuffix) {
			actors = append(actors, strings.TrimSuffix(name, publicKeySuffix))
		}
	}
	sort.Strings(actors)
	return actors, nil
}
