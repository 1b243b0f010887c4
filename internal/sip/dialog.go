package sip

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/control"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/trunk"
)

// dialogKind distinguishes bridged two-party calls from calls answered
// by a PBX-hosted endpoint (voicemail IVR direct access).
type dialogKind int

const (
	dialogBridged dialogKind = iota
	dialogLocal
)

// dialog is the SIP-side state for one call: the caller's INVITE server
// transaction, the outbound leg's client transaction, and the material
// needed to build in-dialog requests (ACK, BYE, CANCEL, REFER) for
// either side.
type dialog struct {
	callID string
	kind   dialogKind

	mu sync.Mutex

	callerTx      sip.ServerTransaction
	callerReq     *sip.Request
	callerFromTag string
	// localTag is the To tag this UAS puts on final responses to the
	// caller, and the From tag of requests it later sends to the caller.
	localTag string

	calleeTx  sip.ClientTransaction
	calleeReq *sip.Request
	calleeRes *sip.Response // final 2xx, set when the callee answers

	// relayPort and answerCodecs shape the SDP answer sent to the caller.
	relayPort    int
	answerCodecs []media.Codec
	sessionID    string

	// trunkName and target are set for outbound legs via a trunk.
	trunkName string
	target    trunk.Target

	// endpoint answers dialogLocal calls.
	endpoint control.MediaEndpoint

	// callerCSeq numbers in-dialog requests the PBX sends to the caller.
	callerCSeq uint32

	cancelPump context.CancelFunc
}

func (d *dialog) nextCallerCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callerCSeq++
	return d.callerCSeq
}

func (d *dialog) setCalleeLeg(tx sip.ClientTransaction, req *sip.Request) {
	d.mu.Lock()
	d.calleeTx = tx
	d.calleeReq = req
	d.mu.Unlock()
}

func (d *dialog) calleeLeg() (sip.ClientTransaction, *sip.Request, *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calleeTx, d.calleeReq, d.calleeRes
}

func (d *dialog) setCalleeAnswer(res *sip.Response) {
	d.mu.Lock()
	d.calleeRes = res
	d.mu.Unlock()
}

// dialogStore tracks the SIP dialogs for all in-flight calls, keyed by
// Call-ID.
type dialogStore struct {
	mu      sync.RWMutex
	dialogs map[string]*dialog
	logger  *slog.Logger
}

func newDialogStore(logger *slog.Logger) *dialogStore {
	return &dialogStore{
		dialogs: make(map[string]*dialog),
		logger:  logger.With("subsystem", "dialog"),
	}
}

func (ds *dialogStore) add(d *dialog) {
	ds.mu.Lock()
	ds.dialogs[d.callID] = d
	ds.mu.Unlock()
}

func (ds *dialogStore) get(callID string) (*dialog, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	d, ok := ds.dialogs[callID]
	return d, ok
}

// remove drops the dialog and tears down its outbound transaction state.
func (ds *dialogStore) remove(callID string) {
	ds.mu.Lock()
	d, ok := ds.dialogs[callID]
	if ok {
		delete(ds.dialogs, callID)
	}
	ds.mu.Unlock()
	if !ok {
		return
	}

	if d.cancelPump != nil {
		d.cancelPump()
	}
	tx, _, _ := d.calleeLeg()
	if tx != nil {
		tx.Terminate()
	}
	ds.logger.Debug("dialog removed", "call_id", callID)
}

func (ds *dialogStore) count() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return len(ds.dialogs)
}
