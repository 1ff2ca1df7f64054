package watch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yosuke1980/mailwatch/pkg/email"
	"github.com/Yosuke1980/mailwatch/pkg/events"
	"github.com/Yosuke1980/mailwatch/pkg/reliability"
)

// State is the monitor's lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdling
	StateProcessing
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdling:
		return "idling"
	case StateProcessing:
		return "processing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// Parser turns a raw fetched message into its parsed form.
type Parser func(raw []byte, uid UID) (*email.Message, error)

// Relevance decides whether a parsed message warrants an alert, returning a
// short label for how it matched.
type Relevance func(m *email.Message) (string, bool)

// AlertEvent is the payload published with events.AlertEmail.
type AlertEvent struct {
	Message   *email.Message
	Match     string
	EmittedAt time.Time
}

// ErrorEvent is the payload published with events.Error.
type ErrorEvent struct {
	Kind ErrorKind
	Err  error
}

// DisconnectEvent is the payload published with events.Disconnected.
type DisconnectEvent struct {
	Reason string
}

// Config carries everything a Monitor needs to watch one folder.
type Config struct {
	Folder string

	// IdleTimeout bounds one idle wait before it is refreshed; servers drop
	// idle connections held much longer than half an hour.
	IdleTimeout time.Duration
	// PollInterval is how often the idle wait is interrupted to check for
	// queued notifications and a stop request.
	PollInterval time.Duration

	MaxReconnectAttempts       int
	ReconnectBaseDelay         time.Duration
	ReconnectBackoffMultiplier float64

	// StatusInterval spaces periodic health reports. Zero disables them.
	StatusInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Folder == "" {
		c.Folder = "INBOX"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollInterval > c.IdleTimeout {
		c.PollInterval = c.IdleTimeout
	}
}

// Monitor supervises one mailbox session end to end: connect, idle, detect,
// process, reconnect. It owns its MailStore and serializes all commands on it
// from a single goroutine, which is what keeps idle waits and fetches from
// colliding. Events go out through a queue drained by one dispatch goroutine,
// so a slow subscriber delays delivery, never detection.
type Monitor struct {
	cfg      Config
	store    MailStore
	bus      *events.Bus
	log      zerolog.Logger
	parse    Parser
	relevant Relevance

	tracker ExistsTracker
	ledger  *Ledger
	policy  *reliability.ReconnectPolicy

	mu               sync.Mutex
	state            State
	startedAt        time.Time
	lastWakeAt       time.Time
	wakes            uint64
	alerts           uint64
	reconnects       uint64
	lastProcessedUID UID

	eventQ     chan queuedEvent
	stopCh     chan struct{}
	stopOnce   sync.Once
	doneCh     chan struct{}
	statusDone sync.WaitGroup
}

type queuedEvent struct {
	name    string
	payload any
}

// NewMonitor wires a monitor around a mailbox session. parse and relevant may
// be nil, defaulting to the standard parser and accept-everything.
func NewMonitor(cfg Config, store MailStore, bus *events.Bus, parse Parser, relevant Relevance, log zerolog.Logger) *Monitor {
	cfg.applyDefaults()
	if parse == nil {
		parse = email.Parse
	}
	if relevant == nil {
		relevant = func(*email.Message) (string, bool) { return "all", true }
	}
	return &Monitor{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		log:      log.With().Str("component", "monitor").Str("folder", cfg.Folder).Logger(),
		parse:    parse,
		relevant: relevant,
		ledger:   NewLedger(),
		policy: reliability.NewReconnectPolicy(
			cfg.ReconnectBaseDelay,
			cfg.ReconnectBackoffMultiplier,
			cfg.MaxReconnectAttempts,
		),
		eventQ: make(chan queuedEvent, 64),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the monitor's goroutines and returns immediately. The
// monitor begins in the connecting state.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.state = StateConnecting
	m.startedAt = time.Now()
	m.mu.Unlock()

	go m.dispatchLoop()
	if m.cfg.StatusInterval > 0 {
		m.statusDone.Add(1)
		go m.statusLoop()
	}
	go m.run()
}

// Stop requests shutdown. It returns immediately; wait on Done for the
// monitor to finish draining.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Done is closed once the monitor has stopped and every queued event has been
// delivered.
func (m *Monitor) Done() <-chan struct{} {
	return m.doneCh
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) stopping() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Monitor) emit(name string, payload any) {
	m.eventQ <- queuedEvent{name: name, payload: payload}
}

// dispatchLoop delivers queued events to the bus in order, one at a time.
func (m *Monitor) dispatchLoop() {
	for ev := range m.eventQ {
		m.bus.Emit(ev.name, ev.payload)
	}
	close(m.doneCh)
}

// run is the single supervising loop. All mailbox commands happen on this
// goroutine.
func (m *Monitor) run() {
	for {
		if m.stopping() && m.currentState() != StateStopped {
			_ = m.store.Logout()
			m.emit(events.Disconnected, DisconnectEvent{Reason: "stop requested"})
			m.emit(events.Stopped, nil)
			m.setState(StateStopped)
		}
		switch m.currentState() {
		case StateConnecting:
			m.connect()
		case StateIdling:
			m.idleCycle()
		case StateReconnecting:
			m.waitReconnect()
		case StateStopped:
			// Stop is closed on every path into this state, so the status
			// loop is already winding down.
			m.Stop()
			m.statusDone.Wait()
			close(m.eventQ)
			return
		default:
			m.setState(StateConnecting)
		}
	}
}

// connect establishes a fresh session and primes the detection baseline.
func (m *Monitor) connect() {
	if err := m.store.Login(); err != nil {
		m.failSession("login", err)
		return
	}
	info, err := m.store.SelectFolder(m.cfg.Folder)
	if err != nil {
		m.failSession("select folder", err)
		return
	}
	m.tracker.Prime(info.ExistsCount)

	uids, err := m.store.SearchAll()
	if err != nil {
		m.failSession("prime baseline", err)
		return
	}
	var maxUID UID
	if len(uids) > 0 {
		maxUID = uids[len(uids)-1]
	}
	m.tracker.SetStartupMaxUID(maxUID)

	m.mu.Lock()
	if maxUID > m.lastProcessedUID {
		m.lastProcessedUID = maxUID
	}
	m.mu.Unlock()

	m.policy.Reset()
	m.log.Info().
		Uint32("exists", info.ExistsCount).
		Uint32("max_uid", uint32(maxUID)).
		Msg("Session established")
	m.emit(events.Connected, nil)
	m.setState(StateIdling)
}

// idleCycle runs one idle wait: begin, poll until a wake, a refresh deadline,
// or a stop request, then end. A wake with a folder count hands off to
// processing.
func (m *Monitor) idleCycle() {
	if err := m.store.BeginIdle(); err != nil {
		m.failSession("begin idle", err)
		return
	}
	m.emit(events.IdleStarted, nil)

	deadline := time.Now().Add(m.cfg.IdleTimeout)
	var count uint32
	var woke bool
	for {
		if m.stopping() {
			_ = m.store.EndIdle()
			return
		}
		notifs, err := m.store.PollIdle(m.cfg.PollInterval)
		if err != nil {
			_ = m.store.EndIdle()
			m.failSession("idle wait", err)
			return
		}
		if c, ok := ExtractCount(notifs); ok {
			count, woke = c, true
			break
		}
		if time.Now().After(deadline) {
			break
		}
	}

	if err := m.store.EndIdle(); err != nil {
		m.failSession("end idle", err)
		return
	}
	if !woke {
		// Quiet timeout; the run loop re-enters idle, refreshing the wait.
		m.log.Debug().Msg("Idle refresh")
		return
	}

	m.mu.Lock()
	m.wakes++
	m.lastWakeAt = time.Now()
	m.mu.Unlock()

	m.setState(StateProcessing)
	m.processCount(count)
	if m.currentState() == StateProcessing {
		m.setState(StateIdling)
	}
}

// processCount interprets a reported folder count and runs the per-message
// pipeline for real growth.
func (m *Monitor) processCount(count uint32) {
	switch m.tracker.Evaluate(count) {
	case GrowthNone:
		return
	case GrowthWithinBaseline:
		// Count replay at or below the session baseline; announcing it
		// would repeat mail that predates this session.
		m.log.Debug().
			Uint32("count", count).
			Uint32("baseline", m.tracker.Baseline()).
			Msg("Count within startup baseline, suppressed")
		m.tracker.Advance(count)
		return
	case GrowthShrunk:
		m.log.Info().
			Uint32("count", count).
			Uint32("snapshot", m.tracker.Snapshot()).
			Msg("Folder shrank, re-basing snapshot")
		m.tracker.Advance(count)
		return
	}

	prev := m.tracker.Snapshot()
	uids, err := m.resolveNewUIDs(prev, count)
	if err != nil {
		m.log.Error().Err(err).Msg("New-message detection failed")
		m.emit(events.Error, ErrorEvent{Kind: KindDetection, Err: err})
		// The count was observed even if we could not resolve it; moving
		// the snapshot keeps the next wake measured from here.
		m.tracker.Advance(count)
		return
	}
	m.processUIDs(uids)
	m.tracker.Advance(count)
}

// resolveNewUIDs finds the UIDs behind a count increase. The primary path
// maps the new sequence-number range directly. When that fails or comes back
// empty, fallback one searches for UIDs above the session's high-water mark;
// fallback two, the last resort, takes whatever is unread.
func (m *Monitor) resolveNewUIDs(prevCount, count uint32) ([]UID, error) {
	mapped, err := m.store.MapSequenceRange(prevCount+1, count)
	if err == nil && len(mapped) > 0 {
		if len(mapped) < int(count-prevCount) {
			var unresolved []uint32
			for seq := prevCount + 1; seq <= count; seq++ {
				if _, ok := mapped[seq]; !ok {
					unresolved = append(unresolved, seq)
				}
			}
			m.log.Warn().
				Uints32("seqnos", unresolved).
				Msg("Sequence numbers with no resolvable UID, skipped")
		}
		uids := make([]UID, 0, len(mapped))
		for _, uid := range mapped {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		return uids, nil
	}
	if err != nil {
		m.log.Warn().Err(err).
			Uint32("lo", prevCount+1).
			Uint32("hi", count).
			Msg("Sequence mapping failed, falling back to UID search")
	}

	uids, ferr := m.fallbackByUID()
	if ferr == nil {
		return uids, nil
	}
	m.log.Warn().Err(ferr).Msg("UID fallback failed, falling back to unread search")

	uids, ferr = m.fallbackUnread()
	if ferr != nil {
		return nil, classify(KindDetection, "all detection paths", ferr)
	}
	return uids, nil
}

// fallbackByUID returns UIDs above the session high-water mark. The floor is
// the larger of the startup max UID and the last UID already processed, so
// repeated fallbacks within a session do not rescan the same messages.
func (m *Monitor) fallbackByUID() ([]UID, error) {
	all, err := m.store.SearchAll()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	floor := m.lastProcessedUID
	m.mu.Unlock()
	if s := m.tracker.StartupMaxUID(); s > floor {
		floor = s
	}
	var out []UID
	for _, uid := range all {
		if uid > floor {
			out = append(out, uid)
		}
	}
	return out, nil
}

// fallbackUnread returns unread UIDs not yet in the ledger.
func (m *Monitor) fallbackUnread() ([]UID, error) {
	unread, err := m.store.SearchUnread()
	if err != nil {
		return nil, err
	}
	var out []UID
	for _, uid := range unread {
		if !m.ledger.Seen(uid) {
			out = append(out, uid)
		}
	}
	return out, nil
}

// processUIDs runs the pipeline over a batch. A failure on one message skips
// it and continues; the batch never aborts for a single bad message.
func (m *Monitor) processUIDs(uids []UID) {
	for _, uid := range uids {
		if m.stopping() {
			return
		}
		// High-water mark advances for every identifier seen, processed or
		// not, so fallback queries narrow over time.
		m.mu.Lock()
		if uid > m.lastProcessedUID {
			m.lastProcessedUID = uid
		}
		m.mu.Unlock()

		if m.ledger.Seen(uid) {
			continue
		}
		if err := m.processMessage(uid); err != nil {
			m.log.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("Message skipped")
			m.emit(events.Error, ErrorEvent{Kind: KindPerMessage, Err: err})
		}
	}
}

// processMessage fetches, parses, and evaluates one message, emitting an
// alert when it matches. Failing to mark the message read is logged but does
// not undo the alert.
func (m *Monitor) processMessage(uid UID) error {
	raw, err := m.store.FetchMessage(uid)
	if err != nil {
		return classify(KindPerMessage, "fetch", err)
	}
	msg, err := m.parse(raw, uid)
	if err != nil {
		return classify(KindPerMessage, "parse", err)
	}

	match, ok := m.relevant(msg)
	if !ok {
		m.log.Debug().Uint32("uid", uint32(uid)).Msg("Message not relevant")
		return nil
	}

	m.log.Info().
		Uint32("uid", uint32(uid)).
		Str("match", match).
		Msg("Alert email detected")
	m.emit(events.AlertEmail, AlertEvent{Message: msg, Match: match, EmittedAt: time.Now()})
	m.mu.Lock()
	m.ledger.Mark(uid)
	m.alerts++
	m.mu.Unlock()

	if err := m.store.MarkRead(uid); err != nil {
		m.log.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("Failed to mark message read")
	}
	return nil
}

// failSession tears the session down and schedules a reconnect. Every session
// failure, bad credentials included, goes through the backoff cycle; the
// attempt ceiling is what turns persistent failure terminal.
func (m *Monitor) failSession(op string, err error) {
	kind := KindConnection
	if reliability.CategorizeError(err) == reliability.ErrorPermanent && !reliability.IsHardNetworkError(err) {
		kind = KindProtocol
	}

	m.log.Error().Err(err).Str("op", op).Str("kind", kind.String()).Msg("Session failed")
	m.emit(events.Error, ErrorEvent{Kind: kind, Err: fmt.Errorf("%s: %w", op, err)})
	_ = m.store.Logout()
	m.emit(events.Disconnected, DisconnectEvent{Reason: op})
	m.setState(StateReconnecting)
}

// waitReconnect sleeps out the backoff delay for the next attempt, or gives
// up once the attempt ceiling is reached.
func (m *Monitor) waitReconnect() {
	delay, err := m.policy.Next()
	if err != nil {
		m.log.Error().
			Int("attempts", m.policy.Attempt()).
			Msg("Reconnect attempts exhausted")
		m.emit(events.Error, ErrorEvent{Kind: KindTerminal, Err: err})
		m.emit(events.MaxReconnectsReached, nil)
		m.emit(events.Stopped, nil)
		m.Stop()
		m.setState(StateStopped)
		return
	}

	m.mu.Lock()
	m.reconnects++
	m.mu.Unlock()

	m.log.Info().
		Int("attempt", m.policy.Attempt()).
		Dur("delay", delay).
		Msg("Reconnecting after delay")
	select {
	case <-time.After(delay):
		m.setState(StateConnecting)
	case <-m.stopCh:
	}
}
