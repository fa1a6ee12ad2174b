package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Status reports the outcome of opening a sealed message.
type Status string

const (
	// StatusVerified means the message decrypted and its integrity tag matched.
	StatusVerified Status = "verified"
	// StatusIntegrityWarning means the message decrypted but its integrity tag did not match.
	StatusIntegrityWarning Status = "integrity_warning"
	// StatusDecryptionFailed means the ciphertext could not be decrypted with the supplied key.
	StatusDecryptionFailed Status = "decryption_failed"
)

const (
	// DecryptionFailedText is displayed in place of a message that could not be decrypted.
	DecryptionFailedText = "Error decrypting message"
	// IntegrityWarningSuffix is appended to the text of a message whose tag did not match.
	IntegrityWarningSuffix = " (INTEGRITY WARNING!)"
)

var (
	// ErrInvalidKey indicates that a key is not exactly KeySize bytes long.
	ErrInvalidKey = errors.New("codec: invalid key")
	// ErrEmptyPlaintext indicates that there was nothing to seal.
	ErrEmptyPlaintext = errors.New("codec: empty plaintext")
)

// SealedMessage is the storable form of a chat message. Both fields are text-safe.
type SealedMessage struct {
	Ciphertext   string
	IntegrityTag string
}

// OpenedMessage is the display-ready form of a sealed message.
type OpenedMessage struct {
	Text   string
	Status Status
}

// Verified reports whether the message passed both decryption and the integrity check.
func (m OpenedMessage) Verified() bool {
	return m.Status == StatusVerified
}

// Binding names the context a message is sealed for. It is authenticated alongside
// the ciphertext, so a record copied to another group or attributed to another
// sender no longer opens.
type Binding struct {
	GroupID string
	Sender  string
}

// associatedData is the label followed by each field with a 4-byte big-endian
// length prefix, so no two distinct bindings encode to the same bytes.
func (b Binding) associatedData() []byte {
	data := make([]byte, 0, len(associatedDataLabel)+len(b.GroupID)+len(b.Sender)+8)
	data = append(data, associatedDataLabel...)
	data = binary.BigEndian.AppendUint32(data, uint32(len(b.GroupID)))
	data = append(data, b.GroupID...)
	data = binary.BigEndian.AppendUint32(data, uint32(len(b.Sender)))
	data = append(data, b.Sender...)
	return data
}

// EncodingError reports a failure to seal a message. It is fatal to the send attempt.
type EncodingError struct {
	reason string
	err    error
}

func newEncodingError(reason string, cause error) *EncodingError {
	return &EncodingError{reason: reason, err: cause}
}

func (e *EncodingError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("codec: seal failed: %s", e.reason)
	}
	return fmt.Sprintf("codec: seal failed: %s: %v", e.reason, e.err)
}

func (e *EncodingError) Unwrap() error {
	return e.err
}

// Reason returns the short machine-readable cause of the failure.
func (e *EncodingError) Reason() string {
	return e.reason
}
