package trunk

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/coralpbx/coralpbx/internal/config"
)

// Status is the registration state of a trunk.
type Status string

const (
	StatusRegistered   Status = "registered"
	StatusRegistering  Status = "registering"
	StatusFailed       Status = "failed"
	StatusUnregistered Status = "unregistered"
)

const (
	defaultExpiry = 300

	// healthCheckInterval is how often OPTIONS pings are sent.
	healthCheckInterval = 30 * time.Second
	// healthCheckTimeout bounds the wait for an OPTIONS response.
	healthCheckTimeout = 5 * time.Second
)

// State is a snapshot of one trunk's runtime status.
type State struct {
	Name         string
	Domain       string
	Status       Status
	LastError    string
	RetryAttempt int
	RegisteredAt *time.Time
	ExpiresAt    *time.Time
	LastCheckAt  *time.Time
	Healthy      bool
}

// Target is a resolved signaling destination for a trunk.
type Target struct {
	Host      string
	Port      int
	Transport string
	// SRVResolved marks targets chosen through DNS SRV, whose
	// health feeds back into the resolver.
	SRVResolved bool
}

// Manager maintains outbound registrations and health checks for the
// configured trunks and resolves signaling targets for outbound calls.
type Manager struct {
	ua       *sipgo.UserAgent
	logger   *slog.Logger
	resolver *Resolver
	srvOn    bool

	mu      sync.RWMutex
	entries map[string]*trunkEntry
}

type trunkEntry struct {
	cfg    config.TrunkConfig
	state  State
	client *sipgo.Client
	cancel context.CancelFunc
	// lastHost is the most recently resolved signaling host, kept for
	// matching inbound requests back to their trunk.
	lastHost string
}

// NewManager creates a trunk manager. resolver may be nil when SRV
// failover is disabled; targets then come straight from the config.
func NewManager(ua *sipgo.UserAgent, trunks []config.TrunkConfig, resolver *Resolver, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		ua:       ua,
		logger:   logger.With("subsystem", "trunks"),
		resolver: resolver,
		srvOn:    resolver != nil,
		entries:  make(map[string]*trunkEntry),
	}
	for _, cfg := range trunks {
		client, err := sipgo.NewClient(ua,
			sipgo.WithClientLogger(m.logger.With("trunk", cfg.Name)),
		)
		if err != nil {
			return nil, fmt.Errorf("creating sip client for trunk %q: %w", cfg.Name, err)
		}
		m.entries[cfg.Name] = &trunkEntry{
			cfg:    cfg,
			client: client,
			state: State{
				Name:   cfg.Name,
				Domain: cfg.Domain,
				Status: StatusUnregistered,
			},
		}
	}
	return m, nil
}

// Start launches the registration and health check loops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.entries {
		loopCtx, cancel := context.WithCancel(context.Background())
		entry.cancel = cancel
		if entry.cfg.Register {
			entry.state.Status = StatusRegistering
			go m.registrationLoop(loopCtx, entry)
		}
		go m.healthCheckLoop(loopCtx, entry)
	}
}

// Stop cancels all loops and best-effort un-registers each registered
// trunk with a short timeout.
func (m *Manager) Stop() {
	m.mu.Lock()
	entries := make([]*trunkEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		if entry.cancel != nil {
			entry.cancel()
		}
		if entry.cfg.Register && m.status(entry.cfg.Name) == StatusRegistered {
			unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := m.sendRegister(unregCtx, entry, 0); err != nil {
				m.logger.Warn("failed to un-register trunk", "trunk", entry.cfg.Name, "error", err)
			}
			unregCancel()
		}
		entry.client.Close()
	}
	m.logger.Info("trunk manager stopped", "trunks", len(entries))
}

// Names returns the configured trunk names, for dial plan routing.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	return names
}

// States returns a snapshot of every trunk's runtime state.
func (m *Manager) States() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]State, 0, len(m.entries))
	for _, entry := range m.entries {
		states = append(states, entry.state)
	}
	return states
}

// StateOf returns the runtime state for one trunk.
func (m *Manager) StateOf(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[name]
	if !ok {
		return State{}, false
	}
	return entry.state, true
}

// ResolveTarget picks the signaling destination for an outbound call on
// the named trunk. With SRV failover enabled the resolver chooses the
// best available record; otherwise the configured domain and port are
// used directly.
func (m *Manager) ResolveTarget(ctx context.Context, name string) (Target, error) {
	m.mu.RLock()
	entry, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return Target{}, fmt.Errorf("unknown trunk %q", name)
	}
	cfg := entry.cfg

	if m.srvOn {
		host, port, err := m.resolver.Resolve(ctx, cfg.Transport, cfg.Domain)
		if err == nil {
			m.rememberHost(name, host)
			return Target{Host: host, Port: port, Transport: cfg.Transport, SRVResolved: true}, nil
		}
		m.logger.Debug("srv resolution failed, using configured address",
			"trunk", name, "error", err)
	}
	m.rememberHost(name, cfg.Domain)
	return Target{Host: cfg.Domain, Port: cfg.Port, Transport: cfg.Transport}, nil
}

func (m *Manager) rememberHost(name, host string) {
	m.mu.Lock()
	if entry, ok := m.entries[name]; ok {
		entry.lastHost = host
	}
	m.mu.Unlock()
}

// Config returns the static configuration for one trunk, used by the
// outbound call path for the Request-URI domain and digest credentials.
func (m *Manager) Config(name string) (config.TrunkConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[name]
	if !ok {
		return config.TrunkConfig{}, false
	}
	return entry.cfg, true
}

// MatchSource maps a request source host back to a trunk name. A host
// matches when it equals the trunk's configured domain or its most
// recently resolved signaling host. Used to classify inbound INVITEs.
func (m *Manager) MatchSource(host string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, entry := range m.entries {
		if host == entry.cfg.Domain || (entry.lastHost != "" && host == entry.lastHost) {
			return name, true
		}
	}
	return "", false
}

// ReportTargetOutcome feeds a call setup result for an SRV-resolved
// target back into the failover tracking.
func (m *Manager) ReportTargetOutcome(target Target, success bool) {
	if !target.SRVResolved || m.resolver == nil {
		return
	}
	if success {
		m.resolver.ReportSuccess(target.Host, target.Port)
	} else {
		m.resolver.ReportFailure(target.Host, target.Port)
	}
}

// registrationLoop keeps one trunk registered: initial REGISTER, then
// refresh at 80% of the server-granted expiry, with backoff on failure.
func (m *Manager) registrationLoop(ctx context.Context, entry *trunkEntry) {
	cfg := entry.cfg
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = defaultExpiry
	}

	m.logger.Info("starting trunk registration",
		"trunk", cfg.Name,
		"domain", cfg.Domain,
		"transport", cfg.Transport,
		"expiry", expiry,
	)

	backoff := newBackoff()

	for {
		granted, err := m.sendRegister(ctx, entry, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			m.logger.Error("trunk registration failed",
				"trunk", cfg.Name,
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)

			m.mu.Lock()
			entry.state.Status = StatusFailed
			entry.state.LastError = err.Error()
			entry.state.RetryAttempt = backoff.attempt
			m.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(granted) * time.Second)
		m.mu.Lock()
		entry.state.Status = StatusRegistered
		entry.state.LastError = ""
		entry.state.RetryAttempt = 0
		entry.state.RegisteredAt = &now
		entry.state.ExpiresAt = &expiresAt
		m.mu.Unlock()

		if granted != expiry {
			m.logger.Info("trunk registered (server adjusted expiry)",
				"trunk", cfg.Name,
				"requested_expiry", expiry,
				"granted_expiry", granted,
			)
		} else {
			m.logger.Info("trunk registered", "trunk", cfg.Name, "expires_in", granted)
		}

		// Refresh before expiry; 80% of the granted interval leaves
		// room for network delays.
		refresh := time.Duration(float64(granted)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			m.logger.Debug("re-registering trunk", "trunk", cfg.Name)
		}
	}
}

// sendRegister sends one REGISTER, handling a 401/407 digest challenge
// with a single authenticated retry. On success it returns the
// server-granted expiry.
func (m *Manager) sendRegister(ctx context.Context, entry *trunkEntry, expiry int) (int, error) {
	cfg := entry.cfg

	target, err := m.ResolveTarget(ctx, cfg.Name)
	if err != nil {
		return 0, err
	}

	recipientStr := fmt.Sprintf("sip:%s:%d", target.Host, target.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(cfg.Transport))

	// The AOR uses the configured domain, not the resolved SRV
	// target, so registration survives failover.
	aor := fmt.Sprintf("<sip:%s@%s>", cfg.Username, cfg.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", cfg.Username, m.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := entry.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		m.ReportTargetOutcome(target, false)
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		m.ReportTargetOutcome(target, false)
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = m.resendWithAuth(ctx, entry, req, res, recipientStr)
		if err != nil {
			m.ReportTargetOutcome(target, false)
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		m.ReportTargetOutcome(target, false)
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}
	m.ReportTargetOutcome(target, true)

	// Per RFC 3261 10.2.4 the registrar may shorten the requested
	// expiry. Contact expires param wins over the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// resendWithAuth answers a digest challenge and re-sends the request.
func (m *Manager) resendWithAuth(ctx context.Context, entry *trunkEntry, req *sip.Request, res *sip.Response, requestURI string) (*sip.Response, error) {
	challengeHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		challengeHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(challengeHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, challengeHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      requestURI,
		Username: entry.cfg.Username,
		Password: entry.cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := entry.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated register: %w", err)
	}
	defer tx.Terminate()

	authRes, err := getResponse(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated register response: %w", err)
	}
	return authRes, nil
}

// healthCheckLoop pings the trunk with OPTIONS every interval and
// updates the Healthy flag. A failed ping on an SRV-resolved target
// also counts toward failover.
func (m *Manager) healthCheckLoop(ctx context.Context, entry *trunkEntry) {
	cfg := entry.cfg

	// Let the initial registration settle before the first ping.
	select {
	case <-ctx.Done():
		return
	case <-time.After(healthCheckInterval):
	}

	for {
		err := m.sendOptions(ctx, entry)

		m.mu.Lock()
		now := time.Now()
		entry.state.LastCheckAt = &now
		if err == nil {
			entry.state.Healthy = true
			if !cfg.Register && entry.state.Status != StatusRegistered {
				entry.state.Status = StatusRegistered
				entry.state.LastError = ""
			}
		} else if ctx.Err() == nil {
			entry.state.Healthy = false
			if !cfg.Register {
				entry.state.Status = StatusFailed
				entry.state.LastError = err.Error()
			}
		}
		m.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			m.logger.Warn("health check failed", "trunk", cfg.Name, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(healthCheckInterval):
		}
	}
}

func (m *Manager) sendOptions(ctx context.Context, entry *trunkEntry) error {
	target, err := m.ResolveTarget(ctx, entry.cfg.Name)
	if err != nil {
		return err
	}

	recipientStr := fmt.Sprintf("sip:%s:%d", target.Host, target.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(entry.cfg.Transport))

	pingCtx, pingCancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer pingCancel()

	tx, err := entry.client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		m.ReportTargetOutcome(target, false)
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		m.ReportTargetOutcome(target, false)
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		m.ReportTargetOutcome(target, false)
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	m.ReportTargetOutcome(target, true)
	return nil
}

func (m *Manager) status(name string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.entries[name]; ok {
		return entry.state.Status
	}
	return StatusUnregistered
}

// getResponse waits for the first response on a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact
// header value such as <sip:user@host>;expires=3600.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.attempt++

	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
