// Package secret generates the database credentials handed to each instance.
package secret

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	lower  = "abcdefghijklmnopqrstuvwxyz"
	upper  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits = "0123456789"

	// MinLength is the shortest password Generate will produce.
	MinLength = 12
)

// Shell and SQL quoting characters are left out so rendered commands need no
// escaping.
var alphabet = lower + upper + digits

var ErrLength = fmt.Errorf("password length below minimum of %d", MinLength)

// Generate returns a random password of n characters holding at least one
// lowercase letter, one uppercase letter and one digit.
func Generate(n int) (string, error) {
	if n < MinLength {
		return "", fmt.Errorf("%w: %d", ErrLength, n)
	}

	buf := make([]byte, n)
	for {
		for i := range buf {
			c, err := pick(alphabet)
			if err != nil {
				return "", err
			}
			buf[i] = c
		}
		s := string(buf)
		if strings.ContainsAny(s, lower) && strings.ContainsAny(s, upper) && strings.ContainsAny(s, digits) {
			return s, nil
		}
	}
}

// Pair holds the two credentials generated per instance.
type Pair struct {
	Admin    string
	ReadOnly string
}

// GeneratePair returns two independent passwords of length n.
func GeneratePair(n int) (Pair, error) {
	admin, err := Generate(n)
	if err != nil {
		return Pair{}, err
	}
	readOnly, err := Generate(n)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Admin: admin, ReadOnly: readOnly}, nil
}

func pick(set string) (byte, error) {
	i, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("failed to read random source: %w", err)
	}
	return set[i.Int64()], nil
}
