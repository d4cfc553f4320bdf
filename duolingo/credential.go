package duolingo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMalformedCredential indicates the bearer token could not be decoded or
// does not carry a numeric account id.
var ErrMalformedCredential = errors.New("duolingo: malformed credential")

// DecodeExternalID derives the numeric account id from a bearer credential.
// The credential is a signed JWT whose subject claim carries the id. Decoding
// is purely local and the signature is deliberately not verified here: the
// token is only ever replayed to the API that issued it, which performs its
// own verification.
func DecodeExternalID(credential string) (uint64, error) {
	trimmed := strings.TrimSpace(credential)
	if trimmed == "" {
		return 0, ErrMalformedCredential
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(trimmed, claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return 0, ErrMalformedCredential
	}
	id, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q is not a numeric id", ErrMalformedCredential, subject)
	}
	return id, nil
}
