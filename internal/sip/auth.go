package sip

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/coralpbx/coralpbx/internal/registry"
)

const (
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Authenticator handles SIP digest authentication against the extension
// registry. It integrates with BruteForceGuard to automatically block
// source IPs that exceed the failed authentication threshold.
type Authenticator struct {
	realm      string
	extensions *registry.Registry
	logger     *slog.Logger
	nonces     sync.Map // map[string]time.Time of issued nonces
	guard      *BruteForceGuard
}

// NewAuthenticator creates a SIP digest authenticator with brute-force
// protection enabled.
func NewAuthenticator(realm string, extensions *registry.Registry, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		realm:      realm,
		extensions: extensions,
		logger:     logger.With("subsystem", "auth"),
		guard:      NewBruteForceGuard(logger),
	}
}

// Challenge sends a 401 Unauthorized with a fresh WWW-Authenticate nonce.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Opaque:    a.realm,
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header against the registry.
// Returns the matched extension on success, or nil if authentication is
// pending or failed; in that case the appropriate SIP response has
// already been sent.
//
// If the source IP is blocked by the BruteForceGuard, the request is
// rejected with 403 Forbidden without processing credentials.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) *registry.Extension {
	source := req.Source()

	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: ip blocked by brute-force guard",
			"source", source,
		)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	// Validate the nonce to prevent replay.
	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.logger.Debug("unknown nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return nil
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.logger.Debug("expired nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return nil
	}

	ext, err := a.extensions.Extension(cred.Username)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownExtension) {
			a.logger.Warn("unknown sip username",
				"username", cred.Username,
				"source", source,
			)
			a.guard.RecordFailure(source)
			a.respondError(req, tx, 403, "Forbidden")
			return nil
		}
		a.logger.Error("failed to look up extension",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}

	// Reconstruct the challenge to verify the digest response.
	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     cred.Nonce,
		Opaque:    a.realm,
		Algorithm: authAlgoMD5,
	}

	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: ext.Secret,
	})
	if err != nil {
		a.logger.Error("failed to compute digest",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}

	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.Challenge(req, tx)
		return nil
	}

	// Consume the nonce after successful auth.
	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth successful",
		"username", cred.Username,
	)
	return ext
}

// CleanExpiredNonces removes nonces older than the expiry window and runs
// brute-force guard cleanup.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

// BruteForceGuard returns the guard for admin visibility (listing blocked
// IPs, manual unblock).
func (a *Authenticator) BruteForceGuard() *BruteForceGuard {
	return a.guard
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
