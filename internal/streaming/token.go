// SPDX-License-Identifier:Apache-2.0

package streaming

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// The connection token hides the environment secret and the time of the
// request from casual inspection. It is an encoding, not a signature.

const tokenAlphabet = "QBWSCDEFGH"

const (
	posDigits = 3
	lenDigits = 2
	maxPos    = 999
)

func encodeNumber(n int64, width int) string {
	s := strconv.FormatInt(n, 10)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	var b strings.Builder
	for _, c := range s {
		b.WriteByte(tokenAlphabet[c-'0'])
	}
	return b.String()
}

func decodeNumber(s string) (int64, error) {
	var b strings.Builder
	for _, c := range s {
		i := strings.IndexRune(tokenAlphabet, c)
		if i < 0 {
			return 0, errors.Errorf("invalid token character %q", c)
		}
		b.WriteByte(byte('0' + i))
	}
	return strconv.ParseInt(b.String(), 10, 64)
}

// BuildToken encodes secret and the current time into a connection token.
func BuildToken(secret string, now time.Time) string {
	secret = strings.TrimRight(secret, "=")
	ms := now.UnixMilli()
	ts := encodeNumber(ms, 0)

	pos := 0
	if n := len(secret); n > 0 {
		if n > maxPos {
			n = maxPos
		}
		pos = int(ms % int64(n))
	}
	return encodeNumber(int64(pos), posDigits) + encodeNumber(int64(len(ts)), lenDigits) + secret[:pos] + ts + secret[pos:]
}

// ParseToken reverses BuildToken. The trailing '=' padding of the secret
// is not restored.
func ParseToken(token string) (secret string, at time.Time, err error) {
	if len(token) < posDigits+lenDigits {
		return "", time.Time{}, errors.New("token too short")
	}
	pos, err := decodeNumber(token[:posDigits])
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "decoding position")
	}
	n, err := decodeNumber(token[posDigits : posDigits+lenDigits])
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "decoding length")
	}
	rest := token[posDigits+lenDigits:]
	if int(pos+n) > len(rest) {
		return "", time.Time{}, errors.New("token truncated")
	}
	ms, err := decodeNumber(rest[pos : pos+n])
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "decoding timestamp")
	}
	return rest[:pos] + rest[pos+n:], time.UnixMilli(ms), nil
}
