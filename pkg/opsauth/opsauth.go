// Package opsauth provides operator-passphrase hashing and verification for
// the `rotate-key`/`backup-key` CLI commands. Everything else the teacher's
// security manager covered (JWT, CSRF, API keys, login-lockout, rate
// limiting) belongs to the Gateway collaborator, out of scope here.
package opsauth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 14

// ErrTooShort is returned when a passphrase is rejected for length.
var ErrTooShort = errors.New("passphrase must be at least 12 characters long")

// HashPassphrase bcrypt-hashes an operator passphrase for storage alongside
// a key backup's metadata.
func HashPassphrase(passphrase string) (string, error) {
	if len(passphrase) < 12 {
		return "", ErrTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassphrase reports whether passphrase matches hash.
func VerifyPassphrase(hash, passphrase string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passphrase)) == nil
}
