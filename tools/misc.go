package tools

import (
	"errors"
	"math/rand"
	"net/mail"
	"strings"

	"github.com/modfin/henry/slicez"
)

func DomainOfEmail(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", errors.New("no domain was present in email address")
	}
	return slicez.Nth(parts, -1), nil
}

func LocalPartOfEmail(address string) string {
	local, _, _ := strings.Cut(address, "@")
	return local
}

// ValidEmail reports whether the address parses as a bare RFC 5322 address.
func ValidEmail(address string) bool {
	a, err := mail.ParseAddress(address)
	return err == nil && a.Address == address
}

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890")

func RandStringRunes(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}
