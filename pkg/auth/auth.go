// Package auth provides stateless request mutators that stamp credentials
// onto an outgoing request's Authorization header.
package auth

import (
	"encoding/base64"

	"golang.org/x/text/encoding/charmap"

	"github.com/httpcore-go/httpcore/pkg/errors"
	"github.com/httpcore-go/httpcore/pkg/message"
)

// Mutator rewrites headers on a request. Mutators are pure functions: they
// must not read any state other than their own fields and must be
// idempotent (applying the same mutator twice to the same request yields
// the same Authorization header).
type Mutator interface {
	Mutate(req *message.Request) error
}

// Basic implements RFC 7617 Basic authentication. Username and password
// are encoded to Latin-1 before being joined and Base64-encoded; a
// credential containing a character outside Latin-1 is a validation error
// rather than being silently mangled.
type Basic struct {
	Username string
	Password string
}

var latin1Encoder = charmap.ISO8859_1.NewEncoder()

// Mutate sets the Authorization header to "Basic <base64(latin1(user:pass))>".
func (b Basic) Mutate(req *message.Request) error {
	token, err := basicToken(b.Username, b.Password)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+token)
	return nil
}

func basicToken(username, password string) (string, error) {
	u, err := latin1Encoder.String(username)
	if err != nil {
		return "", errors.NewValidationError("basic auth username is not representable in Latin-1: " + err.Error())
	}
	p, err := latin1Encoder.String(password)
	if err != nil {
		return "", errors.NewValidationError("basic auth password is not representable in Latin-1: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString([]byte(u + ":" + p)), nil
}

// Bearer implements RFC 6750 Bearer authentication: the token is used
// verbatim, with no transformation.
type Bearer struct {
	Token string
}

// Mutate sets the Authorization header to "Bearer <token>".
func (b Bearer) Mutate(req *message.Request) error {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}
