// ABOUTME: Clock and random byte source collaborators used by every factor
// ABOUTME: System implementations plus helpers that map failures to the error taxonomy

package authn

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// Clock supplies wall-clock time. TOTP step computation requires alignment to
// the Unix epoch, so implementations must not return a monotonic-only value.
type Clock interface {
	Now() time.Time
}

// Random supplies cryptographically secure random bytes.
type Random interface {
	Bytes(n int) ([]byte, error)
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemRandom reads from crypto/rand.
type SystemRandom struct{}

// Bytes returns n bytes from crypto/rand.
func (SystemRandom) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Reader adapts a Random to io.Reader for libraries that take one.
func Reader(r Random) io.Reader {
	return randomReader{r: r}
}

type randomReader struct {
	r Random
}

func (rr randomReader) Read(p []byte) (int, error) {
	b, err := rr.r.Bytes(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// Now reads the clock, returning ErrClockUnavailable for a zero time.
func Now(c Clock) (time.Time, error) {
	if c == nil {
		return time.Time{}, ErrClockUnavailable
	}
	t := c.Now()
	if t.IsZero() {
		return time.Time{}, ErrClockUnavailable
	}
	return t, nil
}

// RandomBytes draws exactly n bytes from r. Short reads are errors.
func RandomBytes(r Random, n int) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("random source not configured")
	}
	b, err := r.Bytes(n)
	if err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("reading random bytes: short read (%d of %d)", len(b), n)
	}
	return b, nil
}

// RandomToken draws n random bytes and encodes them as unpadded base64url.
func RandomToken(r Random, n int) (string, error) {
	b, err := RandomBytes(r, n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
