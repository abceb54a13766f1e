// Package cloak implements deterministic, keyed host cloaking: the visible
// host in outbound messages is replaced by a prefix plus three keyed-HMAC
// segments, one per configured key, so the mapping cannot be reversed
// without the server's keys while staying stable for a given real host.
package cloak

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

// Keys holds the three configured cloak keys and the display prefix, taken
// verbatim from the [cloack] config table (see config package for the
// historical "cloack" spelling).
type Keys struct {
	Key1, Key2, Key3 string
	Prefix           string
}

// Cloak computes the deterministic cloaked host for a real host/IP.
// Segment i is base32(HMAC-SHA256(keyI, host))[:8], lower-cased, joined with
// '.'; the original host is never recoverable from the result but repeated
// calls with the same host and keys always produce the same cloak.
func (k Keys) Cloak(host string) string {
	prefix := k.Prefix
	if prefix == "" {
		prefix = "cloak"
	}
	segs := []string{
		segment(k.Key1, host),
		segment(k.Key2, host),
		segment(k.Key3, host),
	}
	return prefix + "-" + strings.Join(segs, ".")
}

func segment(key, host string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(host))
	sum := mac.Sum(nil)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum)
	return strings.ToLower(enc[:8])
}
