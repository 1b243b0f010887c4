package sip

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/registry"
)

const (
	defaultExpiry      = 3600  // 1 hour default registration lease
	minExpiry          = 60    // 1 minute minimum
	maxExpiry          = 86400 // 24 hours maximum
	nonceCleanupPeriod = 30 * time.Second
)

// Registrar handles SIP REGISTER requests: authenticates the extension,
// records its contact binding in the registry and answers with the
// granted lease.
type Registrar struct {
	extensions *registry.Registry
	auth       *Authenticator
	logger     *slog.Logger
}

// NewRegistrar creates a new REGISTER handler.
func NewRegistrar(extensions *registry.Registry, auth *Authenticator, logger *slog.Logger) *Registrar {
	return &Registrar{
		extensions: extensions,
		auth:       auth,
		logger:     logger.With("subsystem", "registrar"),
	}
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	ext := r.auth.Authenticate(req, tx)
	if ext == nil {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"extension", ext.Number,
			"source", req.Source(),
		)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	expiry := parseExpiry(req)

	// Un-register: Expires: 0 or Contact: *.
	if expiry == 0 || contact.Address.Wildcard {
		r.extensions.Deregister(ext.Number)
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			r.logger.Error("failed to send unregister response", "error", err)
		}
		return
	}

	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	// Prefer the request's source address over the Contact host for the
	// signaling path; the phone may be behind NAT.
	sourceIP, sourcePort := parseSource(req)

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	binding := registry.Contact{
		Host:      sourceIP,
		Port:      sourcePort,
		Transport: parseTransport(req),
		URI:       contact.Address.String(),
		UserAgent: userAgent,
	}

	if err := r.extensions.Register(ext.Number, binding, time.Duration(expiry)*time.Second); err != nil {
		r.logger.Error("failed to store registration",
			"extension", ext.Number,
			"error", err,
		)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	r.logger.Info("extension registered",
		"extension", ext.Number,
		"contact", binding.URI,
		"transport", binding.Transport,
		"expires", expiry,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// RunNonceCleanup periodically expires stale auth nonces and brute-force
// blocks. Binding expiry itself is the registry reaper's job.
func (r *Registrar) RunNonceCleanup(ctx context.Context) {
	ticker := time.NewTicker(nonceCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.auth.CleanExpiredNonces()
		}
	}
}

// parseExpiry extracts the requested lease from the request: Contact
// expires parameter first, then the Expires header, then the default.
func parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultExpiry
}

// parseSource extracts the source IP and port from the request.
func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// parseTransport determines the transport protocol from the Via header.
func parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if t := strings.ToLower(via.Transport); t != "" {
			return t
		}
	}
	return "udp"
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}
