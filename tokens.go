package main

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errTokenInvalid    = errors.New("invalid token")
	errTokenWrongParty = errors.New("token was issued for a different party")
	errTokenStaleParty = errors.New("token belongs to a destroyed party")
)

// partyClaims binds a token to exactly one (party, username) pairing. The
// nonce is minted per party instance, so a token dies with its party even
// if the 4-character id is later drawn again.
type partyClaims struct {
	Party string `json:"party"`
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

// tokenIssuer signs and verifies member credentials. One issuer is shared
// by all parties; the party id inside the claims keeps tokens from being
// replayed across parties.
type tokenIssuer struct {
	secret []byte
}

// newTokenIssuer uses the configured HMAC secret, or a random per-process
// one when none is set (tokens then die with the process, which is fine
// for parties that live in memory anyway).
func newTokenIssuer(secret string) *tokenIssuer {
	if secret != "" {
		return &tokenIssuer{secret: []byte(secret)}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}

	return &tokenIssuer{secret: buf}
}

// issue mints the credential returned to a member on join.
func (t *tokenIssuer) issue(partyID, nonce, username string) (string, error) {
	claims := &partyClaims{
		Party: partyID,
		Nonce: nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// verify returns the username bound to token, failing if the signature is
// bad or the token belongs to a different party instance.
func (t *tokenIssuer) verify(token, partyID, nonce string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &partyClaims{}, func(parsed *jwt.Token) (any, error) {
		if _, ok := parsed.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errTokenInvalid
		}

		return t.secret, nil
	})
	if err != nil {
		return "", errTokenInvalid
	}

	claims, ok := parsed.Claims.(*partyClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", errTokenInvalid
	}

	if claims.Party != partyID {
		return "", errTokenWrongParty
	}

	if claims.Nonce != nonce {
		return "", errTokenStaleParty
	}

	return claims.Subject, nil
}
