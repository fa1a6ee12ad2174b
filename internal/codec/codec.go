// Package codec seals chat messages for storage and opens them for display.
//
// A sealed message carries an XChaCha20-Poly1305 ciphertext and a SHA-256 tag of
// the plaintext. Opening never fails outright: every record resolves to one of
// StatusVerified, StatusIntegrityWarning or StatusDecryptionFailed so that a
// single damaged record cannot take the conversation down with it.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the length in bytes of a message key.
	KeySize = chacha20poly1305.KeySize

	formatVersion       byte = 1
	associatedDataLabel      = "teamforge/chat/v1"
)

var payloadEncoding = base64.StdEncoding.Strict()

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(plaintext string, key []byte) (SealedMessage, error) {
	return sealWith(rand.Reader, plaintext, key, Binding{})
}

// SealBound is Seal with the message bound to a group and sender.
func SealBound(plaintext string, key []byte, binding Binding) (SealedMessage, error) {
	return sealWith(rand.Reader, plaintext, key, binding)
}

// Open decrypts and verifies a record sealed with Seal.
func Open(record SealedMessage, key []byte) OpenedMessage {
	return OpenBound(record, key, Binding{})
}

// OpenBound decrypts and verifies a record sealed with SealBound.
func OpenBound(record SealedMessage, key []byte, binding Binding) OpenedMessage {
	plaintext, ok := decrypt(record.Ciphertext, key, binding)
	if !ok {
		return OpenedMessage{Text: DecryptionFailedText, Status: StatusDecryptionFailed}
	}

	expected := IntegrityTag(plaintext)
	stored := strings.ToLower(strings.TrimSpace(record.IntegrityTag))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(stored)) != 1 {
		return OpenedMessage{Text: plaintext + IntegrityWarningSuffix, Status: StatusIntegrityWarning}
	}
	return OpenedMessage{Text: plaintext, Status: StatusVerified}
}

// IntegrityTag returns the hex SHA-256 digest stored next to a ciphertext.
func IntegrityTag(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func sealWith(random io.Reader, plaintext string, key []byte, binding Binding) (SealedMessage, error) {
	if strings.TrimSpace(plaintext) == "" {
		return SealedMessage{}, newEncodingError("empty_plaintext", ErrEmptyPlaintext)
	}
	if len(key) != KeySize {
		return SealedMessage{}, newEncodingError("invalid_key", ErrInvalidKey)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return SealedMessage{}, newEncodingError("cipher_init_failed", err)
	}

	// version || nonce || ciphertext+tag
	payload := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	payload[0] = formatVersion
	nonce := payload[1:]
	if _, err := io.ReadFull(random, nonce); err != nil {
		return SealedMessage{}, newEncodingError("nonce_generation_failed", err)
	}
	payload = aead.Seal(payload, nonce, []byte(plaintext), binding.associatedData())

	return SealedMessage{
		Ciphertext:   payloadEncoding.EncodeToString(payload),
		IntegrityTag: IntegrityTag(plaintext),
	}, nil
}

func decrypt(ciphertext string, key []byte, binding Binding) (string, bool) {
	if len(key) != KeySize {
		return "", false
	}
	payload, err := payloadEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", false
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", false
	}
	headerSize := 1 + aead.NonceSize()
	if len(payload) < headerSize+aead.Overhead() || payload[0] != formatVersion {
		return "", false
	}
	plaintext, err := aead.Open(nil, payload[1:headerSize], payload[headerSize:], binding.associatedData())
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}
