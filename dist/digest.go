package dist

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"strconv"
)

// genChallenge creates a random 32-bit challenge
func genChallenge() (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// genDigest hashes the cookie with the decimal form of a challenge
func genDigest(challenge uint32, cookie string) [16]byte {
	return md5.Sum([]byte(cookie + strconv.FormatUint(uint64(challenge), 10)))
}

// checkDigest compares a received digest against the expected one
func checkDigest(digest []byte, challenge uint32, cookie string) bool {
	want := genDigest(challenge, cookie)
	return subtle.ConstantTimeCompare(digest, want[:]) == 1
}
