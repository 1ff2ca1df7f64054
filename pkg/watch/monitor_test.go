package watch

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Yosuke1980/mailwatch/pkg/email"
	"github.com/Yosuke1980/mailwatch/pkg/events"
)

type searchResult struct {
	uids []UID
	err  error
}

// fakeStore is a scripted mailbox session. Wakes are injected through the
// wakes channel; everything the monitor does to the session is recorded.
type fakeStore struct {
	mu sync.Mutex

	exists       uint32
	searchScript []searchResult
	searchIdx    int
	unread       []UID
	unreadErr    error
	seqMap       map[uint32]UID
	mapErr       error
	msgs         map[UID][]byte
	loginErrs    []error

	wakes chan []Notification

	logins     int
	logouts    int
	mapCalls   int
	beginIdles int
	marked     []UID
}

func newFakeStore(exists uint32, uids []UID) *fakeStore {
	return &fakeStore{
		exists:       exists,
		searchScript: []searchResult{{uids: uids}},
		seqMap:       map[uint32]UID{},
		msgs:         map[UID][]byte{},
		wakes:        make(chan []Notification, 8),
	}
}

func (f *fakeStore) Login() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if len(f.loginErrs) > 0 {
		err := f.loginErrs[0]
		f.loginErrs = f.loginErrs[1:]
		return err
	}
	return nil
}

func (f *fakeStore) SelectFolder(string) (SelectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return SelectInfo{ExistsCount: f.exists}, nil
}

func (f *fakeStore) BeginIdle() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beginIdles++
	return nil
}

func (f *fakeStore) EndIdle() error { return nil }

func (f *fakeStore) PollIdle(timeout time.Duration) ([]Notification, error) {
	select {
	case n := <-f.wakes:
		return n, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

func (f *fakeStore) SearchAll() ([]UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.searchScript[f.searchIdx]
	if f.searchIdx < len(f.searchScript)-1 {
		f.searchIdx++
	}
	return res.uids, res.err
}

func (f *fakeStore) SearchUnread() ([]UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, f.unreadErr
}

func (f *fakeStore) MapSequenceRange(lo, hi uint32) (map[uint32]UID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapCalls++
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	out := map[uint32]UID{}
	for seq := lo; seq <= hi; seq++ {
		if uid, ok := f.seqMap[seq]; ok {
			out[seq] = uid
		}
	}
	return out, nil
}

func (f *fakeStore) FetchMessage(uid UID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.msgs[uid]
	if !ok {
		return nil, errors.New("no such message")
	}
	return raw, nil
}

func (f *fakeStore) MarkRead(uid UID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, uid)
	return nil
}

func (f *fakeStore) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeStore) markedUIDs() []UID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UID(nil), f.marked...)
}

func (f *fakeStore) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeStore) mapCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mapCalls
}

func (f *fakeStore) beginIdleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beginIdles
}

func stubParser(raw []byte, uid UID) (*email.Message, error) {
	return &email.Message{UID: uid, From: "sender@example.test", Subject: string(raw)}, nil
}

func testConfig() Config {
	return Config{
		Folder:               "INBOX",
		IdleTimeout:          time.Second,
		PollInterval:         5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
	}
}

type capturedEvents struct {
	alerts chan AlertEvent
	errors chan ErrorEvent
	named  chan string
}

func captureEvents(bus *events.Bus) *capturedEvents {
	c := &capturedEvents{
		alerts: make(chan AlertEvent, 16),
		errors: make(chan ErrorEvent, 16),
		named:  make(chan string, 64),
	}
	for _, name := range []string{
		events.Connected, events.Disconnected, events.IdleStarted,
		events.MaxReconnectsReached, events.Stopped,
	} {
		name := name
		bus.Register(name, func(any) { c.named <- name })
	}
	bus.Register(events.AlertEmail, func(v any) {
		if ev, ok := v.(AlertEvent); ok {
			c.alerts <- ev
		}
	})
	bus.Register(events.Error, func(v any) {
		if ev, ok := v.(ErrorEvent); ok {
			c.errors <- ev
		}
	})
	return c
}

func (c *capturedEvents) waitFor(t *testing.T, name string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-c.named:
			if got == name {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop in time")
	}
}

func startMonitor(t *testing.T, store *fakeStore, cfg Config) (*Monitor, *capturedEvents) {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	captured := captureEvents(bus)
	m := NewMonitor(cfg, store, bus, stubParser, nil, zerolog.Nop())
	m.Start()
	return m, captured
}

func TestMonitorEmitsAlertForNewMessage(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.seqMap[4] = 500
	store.msgs[500] = []byte("urgent alert")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 4}}

	select {
	case ev := <-captured.alerts:
		if ev.Message.UID != 500 {
			t.Errorf("alert UID = %d, want 500", ev.Message.UID)
		}
		if ev.Message.Subject != "urgent alert" {
			t.Errorf("alert subject = %q", ev.Message.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert emitted")
	}

	// The message is marked read after the alert.
	deadline := time.Now().Add(time.Second)
	for {
		marked := store.markedUIDs()
		if len(marked) == 1 && marked[0] == 500 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("marked = %v, want [500]", marked)
		}
		time.Sleep(time.Millisecond)
	}

	st := m.Status()
	if st.AlertCount != 1 {
		t.Errorf("alert count = %d, want 1", st.AlertCount)
	}
	if st.ProcessedCount != 1 {
		t.Errorf("processed count = %d, want 1", st.ProcessedCount)
	}
	if st.LastProcessed != 500 {
		t.Errorf("last processed UID = %d, want 500", st.LastProcessed)
	}
}

func TestMonitorLastExistsEntryWins(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.seqMap[4] = 500
	store.seqMap[5] = 501
	store.msgs[500] = []byte("first")
	store.msgs[501] = []byte("second")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	// A burst where the folder grew twice before we looked: only the final
	// count matters, and both new messages come out of one pass.
	store.wakes <- []Notification{
		{Kind: NotificationExists, Count: 4},
		{Kind: NotificationExists, Count: 5},
	}

	got := map[UID]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-captured.alerts:
			got[ev.Message.UID] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("alert %d never arrived", i+1)
		}
	}
	if !got[500] || !got[501] {
		t.Errorf("alert UIDs = %v, want 500 and 501", got)
	}
}

func TestMonitorSuppressesGrowthWithinBaseline(t *testing.T) {
	store := newFakeStore(5, []UID{10, 20, 30, 40, 50})

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	// Shrink below the baseline, then grow back up to it. The regrowth is
	// old mail as far as this session is concerned.
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 3}}
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 5}}

	select {
	case ev := <-captured.alerts:
		t.Fatalf("unexpected alert for UID %d", ev.Message.UID)
	case <-time.After(100 * time.Millisecond):
	}
	if n := store.mapCallCount(); n != 0 {
		t.Errorf("sequence mapping called %d times, want 0", n)
	}
}

func TestMonitorFallsBackToUIDSearch(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.mapErr = errors.New("unexpected eof")
	store.searchScript = []searchResult{
		{uids: []UID{100, 200, 300}},      // baseline prime
		{uids: []UID{100, 200, 300, 500}}, // fallback sees the new message
	}
	store.msgs[500] = []byte("found via uid search")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 4}}

	select {
	case ev := <-captured.alerts:
		if ev.Message.UID != 500 {
			t.Errorf("alert UID = %d, want 500", ev.Message.UID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fallback did not produce an alert")
	}
}

func TestMonitorFallsBackToUnreadSearch(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.mapErr = errors.New("unexpected eof")
	store.searchScript = []searchResult{
		{uids: []UID{100, 200, 300}},
		{err: errors.New("search failed")},
	}
	store.unread = []UID{500}
	store.msgs[500] = []byte("found via unread search")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 4}}

	select {
	case ev := <-captured.alerts:
		if ev.Message.UID != 500 {
			t.Errorf("alert UID = %d, want 500", ev.Message.UID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("last-resort fallback did not produce an alert")
	}
}

func TestMonitorDeduplicatesAcrossWakes(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.seqMap[4] = 500
	store.seqMap[5] = 500 // server re-announces the same message
	store.msgs[500] = []byte("dup")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 4}}

	select {
	case <-captured.alerts:
	case <-time.After(2 * time.Second):
		t.Fatal("first alert never arrived")
	}

	store.wakes <- []Notification{{Kind: NotificationExists, Count: 5}}
	select {
	case ev := <-captured.alerts:
		t.Fatalf("duplicate alert for UID %d", ev.Message.UID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorSkipsBadMessageAndContinues(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.seqMap[4] = 500 // no body scripted: fetch fails
	store.seqMap[5] = 501
	store.msgs[501] = []byte("good one")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 5}}

	select {
	case ev := <-captured.alerts:
		if ev.Message.UID != 501 {
			t.Errorf("alert UID = %d, want 501", ev.Message.UID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch aborted on the bad message")
	}

	select {
	case ev := <-captured.errors:
		if ev.Kind != KindPerMessage {
			t.Errorf("error kind = %v, want per-message", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no per-message error event")
	}
}

func TestMonitorGivesUpAfterMaxReconnects(t *testing.T) {
	store := newFakeStore(0, nil)
	// Every login fails; the initial attempt plus MaxReconnectAttempts
	// retries, then the monitor gives up.
	for i := 0; i < 10; i++ {
		store.loginErrs = append(store.loginErrs, errors.New("connection refused"))
	}

	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	m, captured := startMonitor(t, store, cfg)

	captured.waitFor(t, events.MaxReconnectsReached)
	waitDone(t, m)

	if n := store.loginCount(); n != 3 {
		t.Errorf("login attempts = %d, want 3 (initial + 2 reconnects)", n)
	}
	if st := m.Status(); st.State != StateStopped {
		t.Errorf("state = %v, want stopped", st.State)
	}
}

func TestMonitorRetriesAuthenticationFailure(t *testing.T) {
	// Rejected credentials go through the same backoff cycle as any other
	// connection failure; the attempt ceiling is the only thing terminal.
	store := newFakeStore(1, []UID{100})
	store.loginErrs = []error{errors.New("LOGIN authentication failed")}

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	if n := store.loginCount(); n != 2 {
		t.Errorf("login attempts = %d, want 2 (retry after auth failure)", n)
	}
	select {
	case ev := <-captured.errors:
		if ev.Kind != KindConnection {
			t.Errorf("error kind = %v, want connection", ev.Kind)
		}
	default:
		t.Error("no error event for the auth failure")
	}
}

func TestMonitorRecoversAfterTransientFailure(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.loginErrs = []error{errors.New("connection refused")}
	store.seqMap[4] = 500
	store.msgs[500] = []byte("after reconnect")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 4}}

	select {
	case ev := <-captured.alerts:
		if ev.Message.UID != 500 {
			t.Errorf("alert UID = %d, want 500", ev.Message.UID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert after reconnect")
	}
	if n := store.loginCount(); n != 2 {
		t.Errorf("login attempts = %d, want 2", n)
	}
}

func TestMonitorRefreshesQuietIdle(t *testing.T) {
	store := newFakeStore(1, []UID{100})

	cfg := testConfig()
	cfg.IdleTimeout = 20 * time.Millisecond
	m, captured := startMonitor(t, store, cfg)
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)

	// With no wakes at all, the idle wait times out and is cycled on the
	// same session: new idle waits keep starting, nothing reconnects.
	deadline := time.Now().Add(2 * time.Second)
	for store.beginIdleCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("begin-idle calls = %d, want at least 3", store.beginIdleCount())
		}
		time.Sleep(time.Millisecond)
	}
	if n := store.loginCount(); n != 1 {
		t.Errorf("login attempts = %d, want 1 (refresh must not reconnect)", n)
	}
	select {
	case ev := <-captured.errors:
		t.Fatalf("unexpected error event during quiet refresh: %v %v", ev.Kind, ev.Err)
	default:
	}
}

func TestMonitorAdvancesSnapshotWhenDetectionFails(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.mapErr = errors.New("unexpected eof")
	store.searchScript = []searchResult{
		{uids: []UID{100, 200, 300}},
		{err: errors.New("search failed")},
	}
	store.unreadErr = errors.New("unread search failed")

	m, captured := startMonitor(t, store, testConfig())
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 4}}

	select {
	case ev := <-captured.errors:
		if ev.Kind != KindDetection {
			t.Errorf("error kind = %v, want detection", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no detection error event")
	}
	select {
	case ev := <-captured.alerts:
		t.Fatalf("unexpected alert for UID %d", ev.Message.UID)
	default:
	}

	// The snapshot advanced despite the failure, so re-reporting the same
	// count must not re-run detection on the same delta.
	calls := store.mapCallCount()
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 4}}
	time.Sleep(50 * time.Millisecond)
	if n := store.mapCallCount(); n != calls {
		t.Errorf("mapping called again (%d -> %d) for an already-absorbed count", calls, n)
	}
}

func TestMonitorLogsUnresolvedSequenceNumbers(t *testing.T) {
	store := newFakeStore(3, []UID{100, 200, 300})
	store.seqMap[4] = 500 // sequence 5 stays unresolved
	store.msgs[500] = []byte("partial mapping")

	var buf logBuffer
	bus := events.NewBus(zerolog.Nop())
	captured := captureEvents(bus)
	m := NewMonitor(testConfig(), store, bus, stubParser, nil, zerolog.New(&buf))
	m.Start()
	defer func() { m.Stop(); waitDone(t, m) }()

	captured.waitFor(t, events.Connected)
	store.wakes <- []Notification{{Kind: NotificationExists, Count: 5}}

	select {
	case ev := <-captured.alerts:
		if ev.Message.UID != 500 {
			t.Errorf("alert UID = %d, want 500", ev.Message.UID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resolved message was not processed")
	}
	if !strings.Contains(buf.String(), "no resolvable UID") {
		t.Error("unresolved sequence numbers were not logged")
	}
}

type logBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestMonitorCleanStop(t *testing.T) {
	store := newFakeStore(1, []UID{100})

	m, captured := startMonitor(t, store, testConfig())
	captured.waitFor(t, events.Connected)

	m.Stop()
	captured.waitFor(t, events.Disconnected)
	captured.waitFor(t, events.Stopped)
	waitDone(t, m)

	store.mu.Lock()
	logouts := store.logouts
	store.mu.Unlock()
	if logouts == 0 {
		t.Error("stop did not log out of the session")
	}
}
