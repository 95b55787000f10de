package service

import (
	"crypto/rand"
	"io"
)

// codeAlphabet avoids characters that read alike (O/0, I/1).  Its length
// divides 256, so reducing a random byte modulo it is unbiased.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewActivationCode returns a random human-readable code in the form
// XXXX-XXXX-XXXX.
func NewActivationCode() (string, error) {
	const n = 12
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf[0:4]) + "-" + string(buf[4:8]) + "-" + string(buf[8:12]), nil
}
