// Package digest implements the nonce/MD5 challenge-response handshake
// primitive: hex32 nonce rendering and the password-response digest.
package digest

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// ResponseLen is the length in bytes of a password response. The wire
// protocol's PROXY_PASS_RES_LEN must equal this; proxyPassResLen below
// pins that agreement at compile time.
const ResponseLen = md5.Size

const proxyPassResLen = 16

// Statically enforce that the digest length and the protocol's expected
// response length agree, the way the original C source does with
// "#if PROXY_PASS_RES_LEN != DIGEST_LEN / #error".
var _ [ResponseLen]byte = [proxyPassResLen]byte{}

// Nonce draws a 32-bit challenge value from a cryptographic random source.
func Nonce() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// Hex32 renders a 32-bit nonce as 8 lowercase ASCII hex bytes, most
// significant nibble first, zero padded.
func Hex32(nonce uint32) string {
	return fmt.Sprintf("%08x", nonce)
}

// ParseHex32 parses the 8-byte output of Hex32 back into a nonce. It is
// the inverse used only by tests to assert the round-trip property.
func ParseHex32(s string) (uint32, error) {
	var n uint32
	_, err := fmt.Sscanf(s, "%08x", &n)
	return n, err
}

// uppercaseASCII upper-cases ASCII lowercase letters (a-z, 97..122) and
// leaves every other byte unchanged, matching the original's byte-wise
// password transform exactly (no locale-aware casing).
func uppercaseASCII(s string) []byte {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 32
		}
		out[i] = c
	}
	return out
}

// Response computes the password response: MD5 over the uppercased
// password concatenated with the lowercase hex32 rendering of nonce. The
// nonce suffix is never uppercased, regardless of password casing.
func Response(nonce uint32, password string) [ResponseLen]byte {
	m := append(uppercaseASCII(password), Hex32(nonce)...)
	return md5.Sum(m)
}
