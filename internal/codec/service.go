package codec

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

const defaultOpenWorkers = 4

var errMissingKeyProvider = errors.New("codec: key provider required")

// Config describes the dependencies of a Codec.
type Config struct {
	Keys        KeyProvider
	Random      io.Reader
	OpenWorkers int
}

// Codec seals and opens messages using keys resolved per group. It holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	keys    KeyProvider
	random  io.Reader
	workers int
}

// New constructs a Codec.
func New(cfg Config) (*Codec, error) {
	if cfg.Keys == nil {
		return nil, errMissingKeyProvider
	}
	random := cfg.Random
	if random == nil {
		random = rand.Reader
	}
	workers := cfg.OpenWorkers
	if workers <= 0 {
		workers = defaultOpenWorkers
	}
	return &Codec{keys: cfg.Keys, random: random, workers: workers}, nil
}

// Record is a stored message together with the context it was sealed for.
type Record struct {
	Binding Binding
	Sealed  SealedMessage
}

// Seal seals plaintext for the binding's group.
func (c *Codec) Seal(binding Binding, plaintext string) (SealedMessage, error) {
	key, err := c.keys.KeyFor(binding.GroupID)
	if err != nil {
		return SealedMessage{}, newEncodingError("key_unavailable", err)
	}
	return sealWith(c.random, plaintext, key, binding)
}

// Open opens a single record. A key that cannot be resolved counts as a decryption failure.
func (c *Codec) Open(record Record) OpenedMessage {
	key, err := c.keys.KeyFor(record.Binding.GroupID)
	if err != nil {
		return OpenedMessage{Text: DecryptionFailedText, Status: StatusDecryptionFailed}
	}
	return OpenBound(record.Sealed, key, record.Binding)
}

// OpenAll opens records concurrently and returns results in input order.
func (c *Codec) OpenAll(records []Record) []OpenedMessage {
	results := make([]OpenedMessage, len(records))
	if len(records) == 0 {
		return results
	}

	var group errgroup.Group
	group.SetLimit(c.workers)
	for index := range records {
		group.Go(func() error {
			results[index] = c.Open(records[index])
			return nil
		})
	}
	_ = group.Wait()
	return results
}
