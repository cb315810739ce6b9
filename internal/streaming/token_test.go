// SPDX-License-Identifier:Apache-2.0

package streaming

import (
	"strings"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	secrets := []string{
		"ZDMzLTY3NDEtNCUyMDIxMDUxOTA5NDI0NV9fMl9fMjJfXzExNl9fZGVmYXVsdF84NGQzYw==",
		"short",
		"x",
		strings.Repeat("s", 2000),
	}
	times := []time.Time{
		time.UnixMilli(1),
		time.UnixMilli(1621396964123),
		time.UnixMilli(1700000000999),
	}
	for _, secret := range secrets {
		for _, now := range times {
			tok := BuildToken(secret, now)
			if strings.ContainsAny(tok, "=") {
				t.Errorf("token %q contains padding", tok)
			}
			gotSecret, gotTime, err := ParseToken(tok)
			if err != nil {
				t.Fatalf("ParseToken(%q): %v", tok, err)
			}
			if want := strings.TrimRight(secret, "="); gotSecret != want {
				t.Errorf("secret = %q, want %q", gotSecret, want)
			}
			if !gotTime.Equal(now) {
				t.Errorf("time = %v, want %v", gotTime, now)
			}
		}
	}
}

func TestTokenHidesTimestamp(t *testing.T) {
	now := time.UnixMilli(1621396964123)
	tok := BuildToken("abcdefghij", now)
	if strings.Contains(tok, "1621396964123") {
		t.Errorf("token %q carries the timestamp in clear", tok)
	}
	if strings.ContainsAny(tok[:5], "0123456789") {
		t.Errorf("token header %q is not encoded", tok[:5])
	}
}

func TestParseTokenErrors(t *testing.T) {
	for _, tok := range []string{"", "QQ", "QQQQ9abc", "QQWQQ"} {
		if _, _, err := ParseToken(tok); err == nil {
			t.Errorf("ParseToken(%q) succeeded", tok)
		}
	}
}
