package toolbox

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// GenerateUUID returns a random RFC-4122 v4 identifier
func GenerateUUID() string {
	return uuid.NewString()
}

// ComputeMD5 returns the 32 lowercase hex chars of the MD5 of data
func ComputeMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// ComputeSHA1 formats the SHA-1 of s as five dash-separated groups of 8 hex chars
func ComputeSHA1(s string) string {
	sum := sha1.Sum([]byte(s))
	h := hex.EncodeToString(sum[:])
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:16], h[16:24], h[24:32], h[32:40])
}

// trimPadding drops a NUL terminator and at most two padding spaces on each side
func trimPadding(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		if strings.Trim(s[i:], "\x00") != "" {
			return s
		}
		s = s[:i]
	}
	for n := 0; n < 2 && strings.HasPrefix(s, " "); n++ {
		s = s[1:]
	}
	for n := 0; n < 2 && strings.HasSuffix(s, " "); n++ {
		s = s[:len(s)-1]
	}
	return s
}

// IsUUID reports whether s looks like a UUID, ignoring surrounding blanks and NULs
func IsUUID(s string) bool {
	s = trimPadding(s)
	if len(s) != 36 {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch i {
		case 8, 13, 18, 23:
			if s[i] != '-' {
				return false
			}
		default:
			if !isHex(s[i]) {
				return false
			}
		}
	}
	return true
}

// IsSHA1 reports whether s looks like a public resource id, ignoring surrounding blanks and NULs
func IsSHA1(s string) bool {
	s = trimPadding(s)
	if len(s) != 44 {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch i {
		case 8, 17, 26, 35:
			if s[i] != '-' {
				return false
			}
		default:
			if !isAlnum(s[i]) {
				return false
			}
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isAlnum(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// GenerateDicomUID returns a "2.25." UID built from a fresh UUID read as a big-endian integer
func GenerateDicomUID() string {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return "2.25." + n.String()
}
