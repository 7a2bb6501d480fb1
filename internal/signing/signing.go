// Package signing issues and checks HMAC-signed download links for export
// artifacts. A link carries the export id, an expiry and the signature.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Query parameter names of a signed link.
const (
	ParamExport    = "export"
	ParamExpires   = "expires"
	ParamSignature = "signature"
)

var (
	ErrMissingParams = errors.New("signed link is missing parameters")
	ErrExpired       = errors.New("signed link expired")
	ErrBadSignature  = errors.New("signed link signature mismatch")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature of an export id and expiry.
func (s *Signer) Sign(exportID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", exportID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one in
// constant time.
func (s *Signer) Validate(exportID, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(exportID, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Link returns the query of a link valid for ttl and its expiry.
func (s *Signer) Link(exportID string, ttl time.Duration) (url.Values, time.Time) {
	expiry := s.now().Add(ttl).Truncate(time.Second)
	q := url.Values{}
	q.Set(ParamExport, exportID)
	q.Set(ParamExpires, strconv.FormatInt(expiry.Unix(), 10))
	q.Set(ParamSignature, s.Sign(exportID, expiry.Unix()))
	return q, expiry
}

// Verify checks a link query and returns the export id it grants.
func (s *Signer) Verify(q url.Values) (string, error) {
	id, expires, sig := q.Get(ParamExport), q.Get(ParamExpires), q.Get(ParamSignature)
	if id == "" || expires == "" || sig == "" {
		return "", ErrMissingParams
	}
	if !s.Validate(id, expires, sig) {
		return "", ErrBadSignature
	}
	exp, _ := strconv.ParseInt(expires, 10, 64)
	if time.Unix(exp, 0).Before(s.now()) {
		return "", ErrExpired
	}
	return id, nil
}
