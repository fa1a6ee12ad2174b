package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const groupKeyInfoPrefix = "teamforge/chat/group-key/v1:"

var (
	// ErrMissingGroupID indicates that a per-group key was requested without a group.
	ErrMissingGroupID = errors.New("codec: group id required")
	// ErrMissingKeyMaterial indicates that no master key was configured.
	ErrMissingKeyMaterial = errors.New("codec: key material required")
)

// KeyProvider resolves the symmetric key used for a group's messages.
type KeyProvider interface {
	KeyFor(groupID string) ([]byte, error)
}

// StaticKeyProvider hands the same pre-shared key to every group.
type StaticKeyProvider struct {
	key []byte
}

// NewStaticKeyProvider validates the key and returns a provider serving it.
func NewStaticKeyProvider(key []byte) (*StaticKeyProvider, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	return &StaticKeyProvider{key: append([]byte(nil), key...)}, nil
}

// KeyFor returns a copy of the pre-shared key.
func (p *StaticKeyProvider) KeyFor(string) ([]byte, error) {
	return append([]byte(nil), p.key...), nil
}

// GroupKeyProvider derives an independent key per group from a master key with HKDF-SHA256.
type GroupKeyProvider struct {
	master []byte
}

// NewGroupKeyProvider validates the master key and returns a deriving provider.
func NewGroupKeyProvider(master []byte) (*GroupKeyProvider, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(master), KeySize)
	}
	return &GroupKeyProvider{master: append([]byte(nil), master...)}, nil
}

// KeyFor derives the key for groupID.
func (p *GroupKeyProvider) KeyFor(groupID string) ([]byte, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, ErrMissingGroupID
	}
	reader := hkdf.New(sha256.New, p.master, nil, []byte(groupKeyInfoPrefix+groupID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("codec: derive group key: %w", err)
	}
	return key, nil
}

// ParseKey decodes a base64 key as produced by GenerateKey.
func ParseKey(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, ErrMissingKeyMaterial
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrInvalidKey)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	return key, nil
}

// GenerateKey reads a fresh key from random and returns it base64 encoded.
func GenerateKey(random io.Reader) (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(random, key); err != nil {
		return "", fmt.Errorf("codec: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
