// Package rpa resolves Bluetooth Resolvable Private Addresses against an
// Identity Resolving Key using the Core Specification ah() function
// (Vol 3, Part H, 2.2.2).
package rpa

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// IRKSize is the length of an Identity Resolving Key in bytes.
const IRKSize = 16

var (
	ErrIRKLength  = errors.New("IRK must be exactly 16 bytes (32 hex characters)")
	ErrPrandShape = errors.New("prand must be 3 bytes")
)

var (
	logger         atomic.Pointer[zerolog.Logger]
	cipherFailures atomic.Uint64
)

// SetLogger replaces the logger used to report cipher failures.
func SetLogger(l zerolog.Logger) {
	logger.Store(&l)
}

// CipherFailures counts resolutions that failed closed because the AES
// block cipher could not be constructed.
func CipherFailures() uint64 {
	return cipherFailures.Load()
}

// Normalize returns the address as six colon-separated upper-case octets.
// Raw 12-digit hex and hyphenated forms are accepted. Input that is not a
// strict MAC is returned cleaned (trimmed, upper-cased, '-' mapped to ':')
// so callers can still compare it exactly. Empty input returns "".
func Normalize(address string) string {
	text := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), "-", ":")
	if text == "" {
		return ""
	}

	if !strings.Contains(text, ":") {
		var raw strings.Builder
		for _, c := range text {
			if isHex(c) {
				raw.WriteRune(c)
			}
		}
		if raw.Len() == 12 {
			r := raw.String()
			text = strings.Join([]string{r[0:2], r[2:4], r[4:6], r[6:8], r[8:10], r[10:12]}, ":")
		}
	}
	return text
}

// IsResolvableAddress reports whether the address has the RPA shape: the
// two most significant bits of the first octet are 01.
func IsResolvableAddress(address string) bool {
	b, ok := addressBytes(address)
	if !ok {
		return false
	}
	return b[0]>>6 == 0b01
}

// Resolve reports whether address was generated from irk. Malformed input
// (wrong IRK length, address not six octets, address not RPA-shaped)
// resolves to false.
func Resolve(irk []byte, address string) bool {
	if len(irk) != IRKSize {
		return false
	}
	b, ok := addressBytes(address)
	if !ok || b[0]>>6 != 0b01 {
		return false
	}

	hash, err := Hash(irk, b[0:3])
	if err != nil {
		cipherFailures.Add(1)
		if l := logger.Load(); l != nil {
			l.Error().Err(err).Str("address", address).Msg("RPA resolution failed closed: AES unavailable")
		}
		return false
	}
	return bytes.Equal(hash[:], b[3:6])
}

// Hash computes ah(k, r) = e(k, r') mod 2^24 where r' is prand padded on
// the left with 13 zero bytes. Both irk and prand are most significant
// byte first.
func Hash(irk, prand []byte) ([3]byte, error) {
	var out [3]byte
	if len(irk) != IRKSize {
		return out, ErrIRKLength
	}
	if len(prand) != 3 {
		return out, ErrPrandShape
	}

	block, err := aes.NewCipher(irk)
	if err != nil {
		return out, fmt.Errorf("aes: %w", err)
	}

	var plaintext, ciphertext [aes.BlockSize]byte
	copy(plaintext[13:], prand)
	block.Encrypt(ciphertext[:], plaintext[:])
	copy(out[:], ciphertext[13:16])
	return out, nil
}

// Generate builds a resolvable private address for irk from the 3-byte
// prand. The two marker bits of prand are forced to 01.
func Generate(irk, prand []byte) (string, error) {
	if len(prand) != 3 {
		return "", ErrPrandShape
	}
	p := []byte{prand[0]&0x3F | 0x40, prand[1], prand[2]}
	hash, err := Hash(irk, p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", p[0], p[1], p[2], hash[0], hash[1], hash[2]), nil
}

// ParseIRK decodes a hex IRK. An optional 0x prefix and ':', '-' or space
// separators are tolerated.
func ParseIRK(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid IRK hex string: %w", err)
	}
	if len(b) != IRKSize {
		return nil, ErrIRKLength
	}
	return b, nil
}

func addressBytes(address string) ([]byte, bool) {
	n := Normalize(address)
	if n == "" {
		return nil, false
	}
	b, err := hex.DecodeString(strings.ReplaceAll(n, ":", ""))
	if err != nil || len(b) != 6 {
		return nil, false
	}
	return b, true
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}
