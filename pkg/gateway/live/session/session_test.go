package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-coach/pkg/gateway/journal"
	"github.com/vango-go/vai-coach/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-coach/pkg/gateway/live/relay"
	"github.com/vango-go/vai-coach/pkg/gateway/live/sessions"
)

type inboundMessage struct {
	messageType int
	data        []byte
}

// fakeConn feeds scripted client frames and exposes every server write on a
// channel.
type fakeConn struct {
	in        chan inboundMessage
	out       chan recordedWrite
	closed    chan struct{}
	closeOnce sync.Once
	readLimit atomic.Int64
	deadlines atomic.Int64
	pong      atomic.Pointer[func(string) error]
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inboundMessage, 16),
		out:    make(chan recordedWrite, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return m.messageType, m.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) SetReadLimit(limit int64)                 { c.readLimit.Store(limit) }
func (c *fakeConn) SetWriteDeadline(time.Time) error         { return nil }

func (c *fakeConn) SetReadDeadline(time.Time) error {
	c.deadlines.Add(1)
	return nil
}

func (c *fakeConn) SetPongHandler(h func(appData string) error) { c.pong.Store(&h) }

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.out <- recordedWrite{messageType: messageType, data: string(data)}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	return c.WriteMessage(messageType, data)
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendText(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	c.in <- inboundMessage{messageType: websocket.TextMessage, data: b}
}

// nextFrame returns the next JSON text frame written to the client.
func (c *fakeConn) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case w := <-c.out:
			if w.messageType != websocket.TextMessage {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal([]byte(w.data), &m); err != nil {
				t.Fatalf("server wrote non-json frame %q", w.data)
			}
			return m
		case <-timeout:
			t.Fatal("timed out waiting for server frame")
			return nil
		}
	}
}

type fakeRelay struct {
	calls  atomic.Int64
	inputs chan string
	run    func(ctx context.Context, emit relay.Emitter) relay.Result
}

func (f *fakeRelay) Run(ctx context.Context, channelID, input string, emit relay.Emitter) relay.Result {
	f.calls.Add(1)
	if f.inputs != nil {
		f.inputs <- input
	}
	res := f.run(ctx, emit)
	res.Started = time.Now()
	res.Finished = res.Started
	return res
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) snapshot() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

type harness struct {
	conn    *fakeConn
	guard   *sessions.Guard
	relay   *fakeRelay
	journal *memJournal
	session *Session
	done    chan error
}

func startSession(t *testing.T, r *fakeRelay) *harness {
	t.Helper()
	return startSessionWithConfig(t, r, Config{MaxMessageBytes: 4096, PingInterval: time.Hour, WriteTimeout: time.Second})
}

func startSessionWithConfig(t *testing.T, r *fakeRelay, cfg Config) *harness {
	t.Helper()
	return startSessionWithJournal(t, r, cfg, nil)
}

// startSessionWithJournal uses rec in place of the harness's memJournal when
// rec is non-nil.
func startSessionWithJournal(t *testing.T, r *fakeRelay, cfg Config, rec journal.Recorder) *harness {
	t.Helper()
	h := &harness{
		conn:    newFakeConn(),
		guard:   sessions.NewGuard(),
		relay:   r,
		journal: &memJournal{},
		done:    make(chan error, 1),
	}
	var recorder journal.Recorder = h.journal
	if rec != nil {
		recorder = rec
	}
	s, err := New(Dependencies{
		Conn:      h.conn,
		Guard:     h.guard,
		Relay:     r,
		Journal:   recorder,
		ChannelID: "A",
		RequestID: "req_test",
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.session = s
	go func() { h.done <- s.Run() }()

	first := h.conn.nextFrame(t)
	if first["type"] != protocol.TypeSession || first["channel_id"] != "A" {
		t.Fatalf("first frame=%v, want session frame", first)
	}
	t.Cleanup(func() {
		s.Cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Errorf("session did not stop")
		}
	})
	return h
}

func (h *harness) waitGuardFree(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.guard.Busy("A") {
		if time.Now().After(deadline) {
			t.Fatal("guard still busy")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	conn := newFakeConn()
	r := &fakeRelay{}
	g := sessions.NewGuard()
	cases := []Dependencies{
		{Guard: g, Relay: r, ChannelID: "A"},
		{Conn: conn, Relay: r, ChannelID: "A"},
		{Conn: conn, Guard: g, ChannelID: "A"},
		{Conn: conn, Guard: g, Relay: r},
	}
	for i, deps := range cases {
		if _, err := New(deps); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestSession_RelaysAudioAndFreesGuard(t *testing.T) {
	r := &fakeRelay{
		inputs: make(chan string, 4),
		run: func(ctx context.Context, emit relay.Emitter) relay.Result {
			if err := emit(protocol.NewAudioOutput("QUJD")); err != nil {
				return relay.Result{Outcome: relay.OutcomeCanceled, Err: err}
			}
			return relay.Result{Outcome: relay.OutcomeCompleted, AudioChunks: 1}
		},
	}
	h := startSession(t, r)
	if h.conn.readLimit.Load() != 4096 {
		t.Fatalf("read limit=%d", h.conn.readLimit.Load())
	}

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "How do I sleep better?"})
	if got := <-r.inputs; got != "How do I sleep better?" {
		t.Fatalf("relay input=%q", got)
	}
	frame := h.conn.nextFrame(t)
	if frame["type"] != protocol.TypeAudioOutput || frame["data"] != "QUJD" {
		t.Fatalf("frame=%v", frame)
	}
	h.waitGuardFree(t)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "And stress?"})
	if got := <-r.inputs; got != "And stress?" {
		t.Fatalf("relay input=%q", got)
	}
	h.conn.nextFrame(t)
	h.waitGuardFree(t)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.journal.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("journal entries=%d, want 2", len(h.journal.snapshot()))
		}
		time.Sleep(2 * time.Millisecond)
	}
	e := h.journal.snapshot()[0]
	if e.ChannelID != "A" || e.Outcome != string(relay.OutcomeCompleted) || e.AudioChunks != 1 || e.InputChars != len("How do I sleep better?") {
		t.Fatalf("entry=%+v", e)
	}
	if e.RequestID == "" || e.RequestID == h.journal.snapshot()[1].RequestID {
		t.Fatalf("request ids not unique: %+v", h.journal.snapshot())
	}
}

func TestSession_BusyRejectsWithoutContactingRemote(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRelay{
		inputs: make(chan string, 4),
		run: func(ctx context.Context, emit relay.Emitter) relay.Result {
			select {
			case <-release:
			case <-ctx.Done():
				return relay.Result{Outcome: relay.OutcomeCanceled, Err: ctx.Err()}
			}
			return relay.Result{Outcome: relay.OutcomeCompleted}
		},
	}
	h := startSession(t, r)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "How do I sleep better?"})
	<-r.inputs

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "Ignore me"})
	frame := h.conn.nextFrame(t)
	if frame["type"] != protocol.TypeError || frame["message"] != "Please wait for the current conversation to finish before sending a new message." {
		t.Fatalf("frame=%v", frame)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("relay calls=%d, want 1", r.calls.Load())
	}

	close(release)
	h.waitGuardFree(t)
	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "Now?"})
	if got := <-r.inputs; got != "Now?" {
		t.Fatalf("relay input=%q", got)
	}
	if r.calls.Load() != 2 {
		t.Fatalf("relay calls=%d, want 2", r.calls.Load())
	}
}

func TestSession_FailureFreesGuard(t *testing.T) {
	var n atomic.Int64
	r := &fakeRelay{
		inputs: make(chan string, 4),
		run: func(ctx context.Context, emit relay.Emitter) relay.Result {
			if n.Add(1) == 1 {
				_ = emit(protocol.FailedError())
				return relay.Result{Outcome: relay.OutcomeFailed, Err: errors.New("handshake failed")}
			}
			return relay.Result{Outcome: relay.OutcomeCompleted}
		},
	}
	h := startSession(t, r)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "first"})
	<-r.inputs
	frame := h.conn.nextFrame(t)
	if frame["type"] != protocol.TypeError || frame["message"] != protocol.MessageFailed {
		t.Fatalf("frame=%v", frame)
	}
	h.waitGuardFree(t)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "second"})
	if got := <-r.inputs; got != "second" {
		t.Fatalf("relay input=%q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.journal.snapshot()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("no journal entry")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if e := h.journal.snapshot()[0]; e.Outcome != string(relay.OutcomeFailed) || e.Error != "handshake failed" {
		t.Fatalf("entry=%+v", e)
	}
}

func TestSession_RejectsBadFrames(t *testing.T) {
	r := &fakeRelay{run: func(context.Context, relay.Emitter) relay.Result {
		return relay.Result{Outcome: relay.OutcomeCompleted}
	}}
	h := startSession(t, r)

	cases := []struct {
		name    string
		msg     inboundMessage
		message string
	}{
		{name: "not json", msg: inboundMessage{websocket.TextMessage, []byte(`nope`)}, message: protocol.MessageInvalidFrame},
		{name: "unknown type", msg: inboundMessage{websocket.TextMessage, []byte(`{"type":"hello"}`)}, message: protocol.MessageInvalidFrame},
		{name: "empty text", msg: inboundMessage{websocket.TextMessage, []byte(`{"type":"userInput","text":""}`)}, message: protocol.MessageEmptyInput},
		{name: "missing text", msg: inboundMessage{websocket.TextMessage, []byte(`{"type":"userInput"}`)}, message: protocol.MessageEmptyInput},
		{name: "binary", msg: inboundMessage{websocket.BinaryMessage, []byte{1, 2}}, message: protocol.MessageInvalidFrame},
	}
	for _, tc := range cases {
		h.conn.in <- tc.msg
		frame := h.conn.nextFrame(t)
		if frame["type"] != protocol.TypeError || frame["code"] != protocol.CodeBadRequest || frame["message"] != tc.message {
			t.Fatalf("%s: frame=%v", tc.name, frame)
		}
	}
	if r.calls.Load() != 0 {
		t.Fatalf("relay calls=%d, want 0", r.calls.Load())
	}
}

// blockingJournal holds every Record call until release is closed or the
// write times out.
type blockingJournal struct {
	entered chan struct{}
	release chan struct{}
}

func (j *blockingJournal) Record(ctx context.Context, _ journal.Entry) error {
	j.entered <- struct{}{}
	select {
	case <-j.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSession_SlowJournalDoesNotHoldChannel(t *testing.T) {
	rec := &blockingJournal{entered: make(chan struct{}, 4), release: make(chan struct{})}
	defer close(rec.release)
	r := &fakeRelay{
		inputs: make(chan string, 4),
		run: func(context.Context, relay.Emitter) relay.Result {
			return relay.Result{Outcome: relay.OutcomeCompleted}
		},
	}
	h := startSessionWithJournal(t, r, Config{MaxMessageBytes: 4096, PingInterval: time.Hour, WriteTimeout: time.Second}, rec)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "first"})
	<-r.inputs
	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("journal write never started")
	}
	h.waitGuardFree(t)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "second"})
	select {
	case got := <-r.inputs:
		if got != "second" {
			t.Fatalf("relay input=%q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second input never reached the relay")
	}
	if r.calls.Load() != 2 {
		t.Fatalf("relay calls=%d, want 2", r.calls.Load())
	}
}

func TestSession_WhitespaceInputIsRelayed(t *testing.T) {
	r := &fakeRelay{
		inputs: make(chan string, 1),
		run: func(context.Context, relay.Emitter) relay.Result {
			return relay.Result{Outcome: relay.OutcomeCompleted}
		},
	}
	h := startSession(t, r)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "  "})
	select {
	case got := <-r.inputs:
		if got != "  " {
			t.Fatalf("relay input=%q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("whitespace input never reached the relay")
	}
}

func TestSession_ReadTimeoutInstallsPongHandler(t *testing.T) {
	r := &fakeRelay{run: func(context.Context, relay.Emitter) relay.Result {
		return relay.Result{Outcome: relay.OutcomeCompleted}
	}}
	h := startSessionWithConfig(t, r, Config{
		MaxMessageBytes: 4096,
		PingInterval:    time.Hour,
		WriteTimeout:    time.Second,
		ReadTimeout:     time.Minute,
	})
	pong := h.conn.pong.Load()
	if pong == nil {
		t.Fatal("pong handler not installed")
	}
	before := h.conn.deadlines.Load()
	if before == 0 {
		t.Fatal("read deadline not set")
	}
	if err := (*pong)(""); err != nil {
		t.Fatalf("pong handler: %v", err)
	}
	if h.conn.deadlines.Load() <= before {
		t.Fatal("pong did not extend the read deadline")
	}
}

func TestSession_RateLimitsClientFrames(t *testing.T) {
	r := &fakeRelay{run: func(context.Context, relay.Emitter) relay.Result {
		return relay.Result{Outcome: relay.OutcomeCompleted}
	}}
	h := startSessionWithConfig(t, r, Config{
		PingInterval:       time.Hour,
		WriteTimeout:       time.Second,
		MaxFramesPerSecond: 1,
		FrameBurstSeconds:  2,
	})

	wantCodes := []string{protocol.CodeBadRequest, protocol.CodeBadRequest, protocol.CodeRateLimited}
	for i, want := range wantCodes {
		h.conn.in <- inboundMessage{websocket.TextMessage, []byte(`nope`)}
		frame := h.conn.nextFrame(t)
		if frame["type"] != protocol.TypeError || frame["code"] != want {
			t.Fatalf("frame %d=%v, want code %s", i, frame, want)
		}
	}
	if r.calls.Load() != 0 {
		t.Fatalf("relay calls=%d, want 0", r.calls.Load())
	}
}

func TestSession_ClientCloseCancelsConversation(t *testing.T) {
	canceled := make(chan struct{})
	r := &fakeRelay{
		inputs: make(chan string, 1),
		run: func(ctx context.Context, emit relay.Emitter) relay.Result {
			<-ctx.Done()
			close(canceled)
			return relay.Result{Outcome: relay.OutcomeCanceled, Err: ctx.Err()}
		},
	}
	h := startSession(t, r)

	h.conn.sendText(t, protocol.ClientUserInput{Type: protocol.TypeUserInput, Text: "hi"})
	<-r.inputs
	close(h.conn.in)

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after client close")
	}
	select {
	case <-canceled:
	default:
		t.Fatal("relay context not canceled before Run returned")
	}
	if h.guard.Busy("A") {
		t.Fatal("guard still busy after session end")
	}
}

func TestSession_WarningAndCancel(t *testing.T) {
	r := &fakeRelay{run: func(context.Context, relay.Emitter) relay.Result {
		return relay.Result{Outcome: relay.OutcomeCompleted}
	}}
	h := startSession(t, r)

	if err := h.session.SendWarning(protocol.CodeDraining, protocol.MessageDraining); err != nil {
		t.Fatalf("SendWarning() error = %v", err)
	}
	frame := h.conn.nextFrame(t)
	if frame["type"] != protocol.TypeWarning || frame["code"] != protocol.CodeDraining {
		t.Fatalf("frame=%v", frame)
	}

	h.session.Cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestSession_NilSafe(t *testing.T) {
	var s *Session
	s.Cancel()
	if err := s.SendWarning("x", "y"); err != nil {
		t.Fatalf("SendWarning on nil = %v", err)
	}
	if s.ChannelID() != "" {
		t.Fatal("nil ChannelID not empty")
	}
}
