package call

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/mossy-p/call-signaling/internal/models"
)

const (
	defaultRingTimeout   = 45 * time.Second
	defaultAssignTimeout = 15 * time.Second
	defaultCloseGrace    = 2 * time.Second

	// maxInitiated bounds the initiates kept waiting for a call id.
	maxInitiated = 8
)

// Options configures a Manager. Sender is required; Media and Siblings may be
// nil when there is no media layer or no sibling tabs.
type Options struct {
	Identity    string
	DisplayName string
	Role        string

	RingTimeout   time.Duration
	AssignTimeout time.Duration

	// CloseGrace is how long a peer connection that closed on its own waits
	// for the peer's end of call before the call is ended locally.
	CloseGrace time.Duration

	Sender   Sender
	Media    Media
	Siblings Siblings
	Logger   *log.Logger
}

type attempt struct {
	Attempt

	timer     *time.Timer
	timerGen  uint64
	mediaHeld bool
	released  bool

	// closing is set once the peer connection closed on its own.
	closing bool
}

func (a *attempt) label() string {
	if a.CallID == "" {
		return "pending"
	}
	return a.CallID
}

// Manager owns the call attempts of one identity. At most one attempt is
// non-terminal at any time; every entry point goes through the same busy
// check. Side effects (media, sibling announcements, OnChange handlers) run
// outside the lock in the order the transitions happened.
type Manager struct {
	opts   Options
	logger *log.Logger

	mu       sync.Mutex
	cur      *attempt
	pending  []func()
	draining bool

	// initiated holds placed calls still waiting for their id, oldest
	// first. The server assigns ids in the order initiates reach it.
	initiated []*attempt

	handlersMu sync.RWMutex
	handlers   []func(Attempt)
}

// NewManager returns an idle Manager.
func NewManager(opts Options) *Manager {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = defaultRingTimeout
	}
	if opts.AssignTimeout <= 0 {
		opts.AssignTimeout = defaultAssignTimeout
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = defaultCloseGrace
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Manager{opts: opts, logger: opts.Logger}
}

// OnChange registers fn to receive a snapshot after every phase change.
func (m *Manager) OnChange(fn func(Attempt)) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, fn)
	m.handlersMu.Unlock()
}

// Current returns the latest attempt, terminal or not.
func (m *Manager) Current() (Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Attempt{}, false
	}
	return m.cur.Attempt, true
}

// Place rings targetID. The server assigns the call id later; if it does not
// within AssignTimeout the attempt fails.
func (m *Manager) Place(targetID, targetName string) (Attempt, error) {
	if targetID == "" {
		return Attempt{}, errors.New("call: empty target")
	}

	m.mu.Lock()
	if m.busy() {
		m.mu.Unlock()
		return Attempt{}, ErrBusy
	}
	msg := models.CallInitiate{
		Type:       models.TypeCallInitiate,
		CallerID:   m.opts.Identity,
		CallerName: m.opts.DisplayName,
		TargetID:   targetID,
		CallerRole: m.opts.Role,
		Timestamp:  models.NowMillis(),
	}
	if err := m.opts.Sender.Send(models.DestCallInitiate, msg); err != nil {
		m.mu.Unlock()
		return Attempt{}, fmt.Errorf("call: place: %w", err)
	}

	a := &attempt{Attempt: Attempt{
		LocalRole:       Caller,
		PeerID:          targetID,
		PeerDisplayName: targetName,
		StartedAt:       time.Now(),
	}}
	m.cur = a
	m.initiated = append(m.initiated, a)
	if len(m.initiated) > maxInitiated {
		m.initiated = m.initiated[1:]
	}
	m.transition(a, Ringing, "")
	m.arm(a, m.opts.AssignTimeout, m.assignExpired)
	snap := a.Attempt
	m.mu.Unlock()

	m.flush()
	return snap, nil
}

// Accept answers the ringing incoming call. It returns ErrHandledElsewhere
// when a sibling tab already answered or rejected it.
func (m *Manager) Accept() (Attempt, error) {
	return m.answer(models.StatusAccepted)
}

// Reject declines the ringing incoming call.
func (m *Manager) Reject() (Attempt, error) {
	return m.answer(models.StatusRejected)
}

func (m *Manager) answer(status models.CallStatus) (Attempt, error) {
	m.mu.Lock()
	a, err := m.ringingCallee()
	if err != nil {
		m.mu.Unlock()
		return Attempt{}, err
	}
	callID := a.CallID
	m.mu.Unlock()

	won := m.claim(callID)

	m.mu.Lock()
	if m.cur != a {
		m.mu.Unlock()
		return Attempt{}, ErrInvalidTransition
	}
	if _, err := m.ringingCallee(); err != nil {
		snap := a.Attempt
		m.mu.Unlock()
		return snap, err
	}
	if !won {
		m.mirror(a)
		snap := a.Attempt
		m.mu.Unlock()
		m.flush()
		return snap, ErrHandledElsewhere
	}

	resp := models.CallResponse{Type: models.TypeCallResponse, CallID: callID, Status: status}
	if status == models.StatusAccepted {
		resp.ParticipantMetadata = map[string]string{
			"displayName": m.opts.DisplayName,
			"role":        m.opts.Role,
		}
	} else {
		resp.Reason = string(ReasonDeclined)
	}
	if err := m.opts.Sender.Send(models.DestCallRespond, resp); err != nil {
		snap := a.Attempt
		m.mu.Unlock()
		return snap, fmt.Errorf("call: respond %s: %w", status, err)
	}

	if status == models.StatusAccepted {
		m.transition(a, Connecting, "")
	} else {
		m.transition(a, Rejected, ReasonDeclined)
	}
	snap := a.Attempt
	m.mu.Unlock()

	m.flush()
	return snap, nil
}

// ringingCallee returns the current attempt if it can be answered. Caller holds m.mu.
func (m *Manager) ringingCallee() (*attempt, error) {
	a := m.cur
	switch {
	case a == nil || a.Phase.Terminal():
		return nil, ErrNoCall
	case a.Mirrored:
		return nil, ErrHandledElsewhere
	case a.LocalRole != Callee || a.Phase != Ringing:
		return nil, ErrInvalidTransition
	}
	return a, nil
}

// Hangup ends the current call. A caller that hangs up while still ringing
// cancels the call; a callee that hangs up while ringing rejects it.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	a := m.cur
	switch {
	case a == nil || a.Phase.Terminal():
		m.mu.Unlock()
		return ErrNoCall
	case a.Mirrored:
		m.mu.Unlock()
		return ErrHandledElsewhere
	case a.LocalRole == Callee && a.Phase == Ringing:
		m.mu.Unlock()
		_, err := m.Reject()
		return err
	}

	reason := ReasonHangup
	if a.Phase == Ringing {
		reason = ReasonCancelled
	}
	if a.CallID != "" {
		m.sendEnded(a.CallID, reason)
	}
	m.end(a, reason)
	m.mu.Unlock()

	m.flush()
	return nil
}

// HandleIncoming processes an incoming-call notification. While another
// attempt is non-terminal the new call is rejected as busy and the current
// attempt is left untouched; a repeat of the current call id is ignored.
func (m *Manager) HandleIncoming(n models.IncomingCallNotification) {
	m.mu.Lock()
	if cur := m.cur; cur != nil && cur.CallID == n.CallID {
		m.mu.Unlock()
		return
	}
	if m.busy() {
		owner := !m.cur.Mirrored
		label := m.cur.label()
		m.mu.Unlock()

		m.logger.Printf("call [%s]: busy with %s, rejecting", n.CallID, label)
		if owner {
			m.rejectBusy(n.CallID)
		}
		return
	}

	a := &attempt{Attempt: Attempt{
		CallID:          n.CallID,
		LocalRole:       Callee,
		PeerID:          n.CallerID,
		PeerDisplayName: n.CallerName,
		StartedAt:       time.Now(),
	}}
	m.cur = a
	m.transition(a, Ringing, "")
	m.arm(a, m.opts.RingTimeout, m.ringExpired)
	m.mu.Unlock()

	m.flush()
}

func (m *Manager) rejectBusy(callID string) {
	if !m.claim(callID) {
		return
	}
	resp := models.CallResponse{
		Type:   models.TypeCallResponse,
		CallID: callID,
		Status: models.StatusRejected,
		Reason: string(ReasonBusy),
	}
	if err := m.opts.Sender.Send(models.DestCallRespond, resp); err != nil {
		m.logger.Printf("call [%s]: busy reject: %v", callID, err)
	}
	if s := m.opts.Siblings; s != nil {
		s.Announce(SiblingEvent{CallID: callID, Phase: Rejected, Reason: ReasonBusy})
	}
}

// HandleAssigned records the server-assigned id of the oldest call this tab
// placed that has none yet. A call that already finished gets its end sent
// to the callee instead.
func (m *Manager) HandleAssigned(msg models.CallAssigned) error {
	m.mu.Lock()
	defer m.flush()
	defer m.mu.Unlock()

	a := m.takeInitiated(msg.TargetID)
	if a == nil {
		return &ProtocolError{CallID: msg.CallID, Reason: "unexpected call assignment"}
	}
	a.CallID = msg.CallID

	if m.cur == a && a.Phase == Ringing {
		m.disarm(a)
		m.logger.Printf("call [%s]: assigned, ringing %s", a.CallID, a.PeerID)
		snap := a.Attempt
		m.queue(func() { m.notify(snap) })
		return nil
	}

	reason := a.EndReason
	if reason == "" {
		reason = ReasonCancelled
	}
	m.logger.Printf("call [%s]: assigned after %s, ending", a.CallID, a.Phase)
	m.sendEnded(a.CallID, reason)
	return nil
}

// takeInitiated pops the placed call an assignment for targetID belongs to.
// Finished calls to other targets ahead of it lost their assignment and are
// dropped. Caller holds m.mu.
func (m *Manager) takeInitiated(targetID string) *attempt {
	for len(m.initiated) > 0 {
		a := m.initiated[0]
		if targetID == "" || a.PeerID == targetID {
			m.initiated = m.initiated[1:]
			return a
		}
		if !a.Phase.Terminal() {
			return nil
		}
		m.initiated = m.initiated[1:]
	}
	return nil
}

// forgetInitiated drops a from the calls waiting for an id, once its
// assignment is taken to be lost. Caller holds m.mu.
func (m *Manager) forgetInitiated(a *attempt) {
	m.initiated = slices.DeleteFunc(m.initiated, func(b *attempt) bool { return b == a })
}

// HandleResponse applies a call-response for the current attempt.
func (m *Manager) HandleResponse(r models.CallResponse) error {
	m.mu.Lock()
	defer m.flush()
	defer m.mu.Unlock()

	a := m.cur
	if a == nil {
		return &ProtocolError{CallID: r.CallID, Reason: "no call in progress"}
	}
	if a.CallID == "" && a.LocalRole == Caller && a.Phase == Ringing &&
		len(m.initiated) > 0 && m.initiated[0] == a {
		// An answer implies the assignment we have not seen yet, as long as
		// no earlier call is still waiting for its own.
		m.initiated = m.initiated[1:]
		a.CallID = r.CallID
		m.disarm(a)
	}
	if a.CallID != r.CallID {
		return &ProtocolError{CallID: r.CallID, Reason: "unknown call"}
	}
	if a.Phase.Terminal() {
		return nil
	}

	switch r.Status {
	case models.StatusAccepted:
		if a.Phase != Ringing {
			return nil
		}
		if a.LocalRole == Callee {
			// Another tab of ours answered.
			m.mirror(a)
		}
		m.transition(a, Connecting, "")
	case models.StatusRejected:
		if a.Phase != Ringing {
			return &ProtocolError{CallID: r.CallID, Reason: "rejected after answer"}
		}
		reason := EndReason(r.Reason)
		if reason == "" {
			reason = ReasonDeclined
		}
		m.transition(a, Rejected, reason)
	case models.StatusEnded:
		m.end(a, ReasonRemoteEnded)
	default:
		return &ProtocolError{CallID: r.CallID, Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	return nil
}

// HandleSibling applies a phase change announced by another tab of the same
// user. A ringing attempt this tab has not answered becomes a mirror of the
// sibling's; attempts this tab owns are left alone.
func (m *Manager) HandleSibling(ev SiblingEvent) {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.CallID == "" || a.CallID != ev.CallID || a.Phase.Terminal() {
		m.mu.Unlock()
		return
	}
	if !a.Mirrored {
		if a.LocalRole != Callee || a.Phase != Ringing || ev.Phase == Ringing {
			m.mu.Unlock()
			return
		}
		m.mirror(a)
	}
	m.follow(a, ev.Phase, ev.Reason)
	m.mu.Unlock()

	m.flush()
}

// MediaConnected is reported by the media layer once the peer connection is up.
func (m *Manager) MediaConnected(callID string) {
	m.mu.Lock()
	if a := m.owned(callID); a != nil && a.Phase == Connecting {
		m.transition(a, Active, "")
	}
	m.mu.Unlock()
	m.flush()
}

// MediaClosed is reported when the peer connection closed on its own. A
// peer hanging up closes the connection too, so the call only ends here if
// the peer's end of call does not arrive within CloseGrace.
func (m *Manager) MediaClosed(callID string) {
	m.mu.Lock()
	if a := m.owned(callID); a != nil && (a.Phase == Connecting || a.Phase == Active) && !a.closing {
		a.closing = true
		m.logger.Printf("call [%s]: peer connection closed, waiting for end of call", callID)
		m.arm(a, m.opts.CloseGrace, m.closeExpired)
	}
	m.mu.Unlock()
}

// MediaFailed fails the call after a negotiation or media error.
func (m *Manager) MediaFailed(callID string, err error) {
	m.mu.Lock()
	if a := m.owned(callID); a != nil && !a.Phase.Terminal() {
		a.Err = &MediaError{CallID: callID, Err: err}
		m.sendEnded(callID, ReasonMediaFailed)
		m.transition(a, Failed, ReasonMediaFailed)
	}
	m.mu.Unlock()
	m.flush()
}

// TransportFailed fails the current attempt once the transport has given up
// reconnecting.
func (m *Manager) TransportFailed(err error) {
	m.mu.Lock()
	if a := m.cur; a != nil && !a.Phase.Terminal() {
		a.Err = err
		m.transition(a, Failed, ReasonTransportFailed)
	}
	// Initiates sent over the lost transport will not be answered.
	m.initiated = nil
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) busy() bool {
	return m.cur != nil && !m.cur.Phase.Terminal()
}

// owned returns the current attempt for callID unless it is mirrored.
func (m *Manager) owned(callID string) *attempt {
	a := m.cur
	if a == nil || a.CallID == "" || a.CallID != callID || a.Mirrored {
		return nil
	}
	return a
}

func (m *Manager) claim(callID string) bool {
	if m.opts.Siblings == nil {
		return true
	}
	return m.opts.Siblings.Claim(callID)
}

// sendEnded tells the peer the call is over. Failures are logged; the local
// attempt ends regardless. Caller holds m.mu.
func (m *Manager) sendEnded(callID string, reason EndReason) {
	resp := models.CallResponse{
		Type:   models.TypeCallResponse,
		CallID: callID,
		Status: models.StatusEnded,
		Reason: string(reason),
	}
	if err := m.opts.Sender.Send(models.DestCallRespond, resp); err != nil {
		m.logger.Printf("call [%s]: send end: %v", callID, err)
	}
}

// mirror hands a to a sibling tab: no timers, sends or media from here on.
func (m *Manager) mirror(a *attempt) {
	if a.Mirrored {
		return
	}
	a.Mirrored = true
	m.disarm(a)
	m.logger.Printf("call [%s]: handled in another tab", a.label())
	snap := a.Attempt
	m.queue(func() { m.notify(snap) })
}

func (m *Manager) end(a *attempt, reason EndReason) {
	m.transition(a, Ending, reason)
	m.transition(a, Ended, reason)
}

// follow moves a to target, passing through Connecting or Ending when the
// sibling skipped over them.
func (m *Manager) follow(a *attempt, target Phase, reason EndReason) {
	if a.Phase == target {
		return
	}
	if canTransition(a.Phase, target) {
		m.transition(a, target, reason)
		return
	}
	for _, via := range []Phase{Connecting, Ending} {
		if canTransition(a.Phase, via) && canTransition(via, target) {
			m.transition(a, via, reason)
			m.transition(a, target, reason)
			return
		}
	}
	m.logger.Printf("call [%s]: cannot follow sibling from %s to %s", a.label(), a.Phase, target)
}

// transition moves a to phase to and queues the side effects. Transitions
// outside the phase graph are logged and dropped. Caller holds m.mu.
func (m *Manager) transition(a *attempt, to Phase, reason EndReason) bool {
	from := a.Phase
	if !canTransition(from, to) {
		m.logger.Printf("call [%s]: ignoring %s -> %s", a.label(), from, to)
		return false
	}

	m.disarm(a)
	a.Phase = to
	now := time.Now()
	switch {
	case to == Connecting:
		a.AcceptedAt = &now
	case to.Terminal():
		a.EndedAt = &now
		a.EndReason = reason
	}
	if reason != "" {
		m.logger.Printf("call [%s]: %s -> %s (%s)", a.label(), from, to, reason)
	} else {
		m.logger.Printf("call [%s]: %s -> %s", a.label(), from, to)
	}

	media := m.opts.Media
	if to == Connecting && !a.Mirrored && media != nil {
		a.mediaHeld = true
		snap := a.Attempt
		m.queue(func() {
			if err := media.Begin(snap); err != nil {
				m.MediaFailed(snap.CallID, err)
			}
		})
	}
	if (to == Ending || to.Terminal()) && a.mediaHeld && !a.released {
		a.released = true
		callID := a.CallID
		m.queue(func() { media.Release(callID) })
	}
	if s := m.opts.Siblings; s != nil && !a.Mirrored && a.CallID != "" {
		ev := SiblingEvent{CallID: a.CallID, Phase: to, Reason: reason}
		m.queue(func() { s.Announce(ev) })
	}
	snap := a.Attempt
	m.queue(func() { m.notify(snap) })
	return true
}

// arm starts a timer for a's current phase. Any transition disarms it; a
// timer that fires after being superseded does nothing. Caller holds m.mu.
func (m *Manager) arm(a *attempt, d time.Duration, fire func(*attempt)) {
	m.disarm(a)
	gen := a.timerGen
	a.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		live := m.cur == a && a.timerGen == gen
		if live {
			a.timer = nil
		}
		m.mu.Unlock()
		if live {
			fire(a)
		}
	})
}

func (m *Manager) disarm(a *attempt) {
	a.timerGen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (m *Manager) closeExpired(a *attempt) {
	m.mu.Lock()
	if m.cur == a && (a.Phase == Connecting || a.Phase == Active) {
		m.sendEnded(a.CallID, ReasonMediaClosed)
		m.end(a, ReasonMediaClosed)
	}
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) assignExpired(a *attempt) {
	m.mu.Lock()
	if m.cur == a && a.Phase == Ringing && a.CallID == "" {
		a.Err = errors.New("call: no call id assigned")
		m.forgetInitiated(a)
		m.transition(a, Failed, ReasonUnassigned)
	}
	m.mu.Unlock()
	m.flush()
}

// ringExpired rejects an unanswered incoming call, unless a sibling tab
// claims it first.
func (m *Manager) ringExpired(a *attempt) {
	m.mu.Lock()
	if m.cur != a || a.Phase != Ringing || a.Mirrored {
		m.mu.Unlock()
		return
	}
	callID := a.CallID
	m.mu.Unlock()

	won := m.claim(callID)

	m.mu.Lock()
	if m.cur != a || a.Phase != Ringing || a.Mirrored {
		m.mu.Unlock()
		return
	}
	if won {
		resp := models.CallResponse{
			Type:   models.TypeCallResponse,
			CallID: callID,
			Status: models.StatusRejected,
			Reason: string(ReasonTimeout),
		}
		if err := m.opts.Sender.Send(models.DestCallRespond, resp); err != nil {
			m.logger.Printf("call [%s]: timeout reject: %v", callID, err)
		}
		m.transition(a, Rejected, ReasonTimeout)
	} else {
		m.mirror(a)
	}
	m.mu.Unlock()
	m.flush()
}

// queue defers fn until the lock is released. Caller holds m.mu.
func (m *Manager) queue(fn func()) {
	m.pending = append(m.pending, fn)
}

// flush runs queued effects in order. If another goroutine is already
// flushing, it picks up ours too. Must be called without m.mu.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.safeCall(fn)
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Manager) notify(a Attempt) {
	m.handlersMu.RLock()
	hs := slices.Clone(m.handlers)
	m.handlersMu.RUnlock()
	for _, fn := range hs {
		m.safeCall(func() { fn(a) })
	}
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("call: handler panicked: %v", r)
		}
	}()
	fn()
}
