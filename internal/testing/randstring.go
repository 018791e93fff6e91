// Package testing holds small helpers shared by the package tests.
package testing

import (
	"math/rand"
	"strings"
)

// RandString generates a random 10-symbol string from the lower- and
// uppercase alphabet, handy for unique usernames in storage tests
func RandString() string {
	var out strings.Builder
	charSet := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	length := 10
	for i := 0; i < length; i++ {
		random := rand.Intn(len(charSet))
		out.WriteByte(charSet[random])
	}
	return out.String()
}
