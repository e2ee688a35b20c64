// Package codec generates activation secrets and turns them into the only
// representations that are ever persisted: a salted Argon2id digest and a
// keyed BLAKE3 lookup key.
//
// Secrets are 12 symbols from a 31-symbol alphabet with the look-alike
// characters removed, about 59.4 bits of entropy. At the default limit of
// 10 completion attempts per hour per origin, searching half the space from
// one origin takes roughly 4*10^12 years.
package codec

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// Alphabet omits 0, O, 1, I and L.
	Alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	// Length is the number of symbols in a secret.
	Length = 12

	groupSize = 4
	pepperLen = 32
)

var (
	// ErrMalformed means the input cannot be a secret this codec issued.
	ErrMalformed = errors.New("codec: malformed secret")
	// ErrPepper means the lookup key material is not exactly 32 bytes.
	ErrPepper = errors.New("codec: pepper must be 32 bytes")
)

// Secret holds a normalized plaintext. Call Zero once it has been hashed or verified.
type Secret []byte

// Zero overwrites the plaintext in place.
func (s Secret) Zero() { zero(s) }

// Display renders the secret in groups of four for delivery to the user.
func (s Secret) Display() string {
	var b strings.Builder
	for i, c := range s {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Codec issues, hashes and verifies activation secrets.
type Codec struct {
	params   *Params
	pepper   []byte
	observer func(time.Duration)
}

// Option configures Codec.
type Option func(*Codec)

// WithParams overrides the Argon2id work factors.
func WithParams(p *Params) Option {
	return func(c *Codec) {
		if p != nil {
			c.params = p
		}
	}
}

// WithObserver receives the duration of every slow hash computation.
func WithObserver(fn func(time.Duration)) Option {
	return func(c *Codec) { c.observer = fn }
}

// New constructs a Codec. pepper keys the lookup hash and must be 32 bytes.
func New(pepper []byte, opts ...Option) (*Codec, error) {
	if len(pepper) != pepperLen {
		return nil, ErrPepper
	}
	c := &Codec{
		params: DefaultParams(),
		pepper: append([]byte(nil), pepper...),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EntropyBits is the entropy of one issued secret.
func EntropyBits() float64 {
	return float64(Length) * math.Log2(float64(len(Alphabet)))
}

// Issue draws a uniformly random secret from a cryptographically secure source.
func (c *Codec) Issue() (Secret, error) {
	max := big.NewInt(int64(len(Alphabet)))
	out := make(Secret, Length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			out.Zero()
			return nil, fmt.Errorf("codec: read random: %w", err)
		}
		out[i] = Alphabet[n.Int64()]
	}
	return out, nil
}

// Normalize strips separators and whitespace, folds case and checks the alphabet.
// The same normalization runs before hashing and before verification.
func (c *Codec) Normalize(raw string) (Secret, error) {
	out := make(Secret, 0, Length)
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case ch == '-' || ch == '_' || ch == ' ' || ch == '\t':
			continue
		case ch >= 'a' && ch <= 'z':
			ch -= 'a' - 'A'
		}
		if strings.IndexByte(Alphabet, ch) < 0 || len(out) == Length {
			out.Zero()
			return nil, ErrMalformed
		}
		out = append(out, ch)
	}
	if len(out) != Length {
		out.Zero()
		return nil, ErrMalformed
	}
	return out, nil
}

// Hash returns the salted Argon2id digest of s.
func (c *Codec) Hash(s Secret) (string, error) {
	if len(s) != Length {
		return "", ErrMalformed
	}
	start := time.Now()
	digest, err := encode(s, c.params)
	c.observe(time.Since(start))
	return digest, err
}

// Verify reports whether s hashes to digest. Expect tens to hundreds of
// milliseconds per call with production parameters.
func (c *Codec) Verify(s Secret, digest string) (bool, error) {
	if len(s) != Length {
		return false, ErrMalformed
	}
	start := time.Now()
	ok, err := compare(s, digest)
	c.observe(time.Since(start))
	return ok, err
}

// LookupKey is the deterministic index under which a credential is stored and
// rate limited. It is keyed, so a leaked table cannot be brute-forced offline
// without the pepper.
func (c *Codec) LookupKey(s Secret) string {
	h, err := blake3.NewKeyed(c.pepper)
	if err != nil {
		// pepper length is checked in New
		panic(err)
	}
	_, _ = h.Write(s)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Codec) observe(d time.Duration) {
	if c.observer != nil {
		c.observer(d)
	}
}
