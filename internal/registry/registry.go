// Package registry is the authoritative map of extension numbers to
// their current contact binding and registration lease. Extensions are
// provisioned from configuration; bindings are created by REGISTER and
// expire on lease timeout or an Expires: 0 deregistration. A reaper
// goroutine evicts expired leases and broadcasts events to subscribers
// (phone book sync, presence, metrics).
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrUnknownExtension is returned for numbers not provisioned.
	ErrUnknownExtension = errors.New("unknown extension")

	// ErrNotRegistered is returned when an extension exists but holds
	// no active binding.
	ErrNotRegistered = errors.New("extension not registered")

	// ErrBadCredential is returned when authentication fails.
	ErrBadCredential = errors.New("bad credential")
)

// reapInterval is how often the reaper scans for expired leases.
const reapInterval = 5 * time.Second

// Contact is the network address an extension is reachable at.
type Contact struct {
	Host      string
	Port      int
	Transport string
	URI       string
	UserAgent string
}

// Extension is a provisioned user endpoint.
type Extension struct {
	Number        string
	Name          string
	Secret        string
	VoicemailPIN  string
	Email         string
	AllowExternal bool
	IsAdmin       bool
	ADSynced      bool
}

// Binding is an active registration lease for an extension.
type Binding struct {
	Extension string
	Contact   Contact
	Expiry    time.Time
}

// EventType classifies registry events.
type EventType int

const (
	EventRegistered EventType = iota
	EventRefreshed
	EventDeregistered
	EventExpired
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventRefreshed:
		return "refreshed"
	case EventDeregistered:
		return "deregistered"
	case EventExpired:
		return "expired"
	}
	return "unknown"
}

// Event is broadcast to subscribers on binding changes.
type Event struct {
	Type      EventType
	Extension string
	Contact   Contact
}

// Registry holds all extensions and their bindings. Reads take the
// shared lock; REGISTER/deregister and the reaper take the exclusive
// lock.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	extensions map[string]*Extension
	bindings   map[string]*Binding
	subs       []chan Event

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a registry provisioned with the given extensions and
// starts the lease reaper.
func New(extensions []Extension, logger *slog.Logger) *Registry {
	r := &Registry{
		logger:     logger.With("component", "registry"),
		extensions: make(map[string]*Extension, len(extensions)),
		bindings:   make(map[string]*Binding),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for i := range extensions {
		ext := extensions[i]
		r.extensions[ext.Number] = &ext
	}
	go r.reapLoop()
	return r
}

// Close stops the reaper and closes all subscriber channels.
func (r *Registry) Close() {
	close(r.stopCh)
	<-r.doneCh

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
}

// Extension returns the provisioned extension for number.
func (r *Registry) Extension(number string) (*Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[number]
	if !ok {
		return nil, ErrUnknownExtension
	}
	cp := *ext
	return &cp, nil
}

// Secret returns the SIP digest secret for number. Used by the SIP
// authenticator to compute the expected digest response.
func (r *Registry) Secret(number string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[number]
	if !ok {
		return "", ErrUnknownExtension
	}
	return ext.Secret, nil
}

// Authenticate checks a plaintext credential against the stored secret.
func (r *Registry) Authenticate(number, credential string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.extensions[number]
	if !ok {
		return ErrUnknownExtension
	}
	if ext.Secret != credential {
		return ErrBadCredential
	}
	return nil
}

// Register creates or refreshes the binding for number with the given
// ttl. Re-REGISTER supersedes the previous contact; there is never a
// window with zero bindings during a refresh.
func (r *Registry) Register(number string, contact Contact, ttl time.Duration) error {
	r.mu.Lock()

	if _, ok := r.extensions[number]; !ok {
		r.mu.Unlock()
		return ErrUnknownExtension
	}

	_, refreshed := r.bindings[number]
	r.bindings[number] = &Binding{
		Extension: number,
		Contact:   contact,
		Expiry:    time.Now().Add(ttl),
	}

	evType := EventRegistered
	if refreshed {
		evType = EventRefreshed
	}
	r.broadcastLocked(Event{Type: evType, Extension: number, Contact: contact})
	r.mu.Unlock()

	r.logger.Info("extension bound",
		"extension", number,
		"contact", contact.URI,
		"ttl", ttl,
		"refresh", refreshed,
	)
	return nil
}

// Deregister removes the binding for number, used on Expires: 0. The
// binding is removed even if its lease had not expired.
func (r *Registry) Deregister(number string) {
	r.mu.Lock()
	b, ok := r.bindings[number]
	if ok {
		delete(r.bindings, number)
		r.broadcastLocked(Event{Type: EventDeregistered, Extension: number, Contact: b.Contact})
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("extension unbound", "extension", number)
	}
}

// Lookup returns the current contact for number.
func (r *Registry) Lookup(number string) (Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.extensions[number]; !ok {
		return Contact{}, ErrUnknownExtension
	}
	b, ok := r.bindings[number]
	if !ok || time.Now().After(b.Expiry) {
		return Contact{}, ErrNotRegistered
	}
	return b.Contact, nil
}

// IsRegistered reports whether number has a live binding.
func (r *Registry) IsRegistered(number string) bool {
	_, err := r.Lookup(number)
	return err == nil
}

// Enumerate returns all provisioned extensions with their binding
// status.
func (r *Registry) Enumerate() []ExtensionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	out := make([]ExtensionStatus, 0, len(r.extensions))
	for num, ext := range r.extensions {
		st := ExtensionStatus{
			Number:        num,
			Name:          ext.Name,
			Email:         ext.Email,
			AllowExternal: ext.AllowExternal,
			IsAdmin:       ext.IsAdmin,
		}
		if b, ok := r.bindings[num]; ok && b.Expiry.After(now) {
			st.Registered = true
			st.Contact = b.Contact
			st.Expiry = b.Expiry
		}
		out = append(out, st)
	}
	return out
}

// RegisteredCount returns the number of live bindings.
func (r *Registry) RegisteredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, b := range r.bindings {
		if b.Expiry.After(now) {
			n++
		}
	}
	return n
}

// ExtensionStatus is the enumeration view of an extension.
type ExtensionStatus struct {
	Number        string
	Name          string
	Email         string
	AllowExternal bool
	IsAdmin       bool
	Registered    bool
	Contact       Contact
	Expiry        time.Time
}

// Subscribe returns a channel receiving registry events. The channel is
// buffered; events are dropped for a subscriber that falls behind. The
// channel is closed by Close.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) broadcastLocked(ev Event) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// reapLoop evicts expired leases. A REGISTER arriving after eviction is
// a fresh lease, not a refresh.
func (r *Registry) reapLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.reap(now)
		}
	}
}

func (r *Registry) reap(now time.Time) {
	r.mu.Lock()
	var expired []Event
	for num, b := range r.bindings {
		if now.After(b.Expiry) {
			delete(r.bindings, num)
			expired = append(expired, Event{Type: EventExpired, Extension: num, Contact: b.Contact})
		}
	}
	for _, ev := range expired {
		r.broadcastLocked(ev)
	}
	r.mu.Unlock()

	for _, ev := range expired {
		r.logger.Info("registration lease expired", "extension", ev.Extension)
	}
}
