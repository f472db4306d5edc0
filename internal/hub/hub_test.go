package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"huddle/internal/integration"
	"huddle/internal/message"
	"huddle/internal/metrics"
	"huddle/internal/presence"
	"huddle/internal/router"
	"huddle/internal/session"
	"huddle/internal/signaling"
	"huddle/internal/store"
	"huddle/internal/websocket"
	"huddle/pkg/interfaces"
	"huddle/pkg/types"
)

const passcode = "letmein"

type testHub struct {
	*Hub
	t        *testing.T
	registry *websocket.Registry
	store    *store.SQLiteStore
	metrics  *metrics.Metrics
}

func newTestHub(t *testing.T, opts router.Options) *testHub {
	t.Helper()
	log := zap.NewNop()
	registry := websocket.NewRegistry()
	s := integration.OpenTestStore(t)
	m := metrics.New()
	r := router.NewRouter(registry, s, opts, log)

	h := NewHub(Deps{
		Registry: registry,
		Gate:     session.NewGate(passcode),
		Router:   r,
		Messages: message.NewManager(s, r, nil, m, message.Options{}, log),
		Presence: presence.NewTracker(r, nil, m, log),
		Relay:    signaling.New(r),
		Metrics:  m,
		Logger:   log,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return &testHub{Hub: h, t: t, registry: registry, store: s, metrics: m}
}

func (h *testHub) connect(id string) (*websocket.Connection, *integration.FakeSocket) {
	h.t.Helper()
	conn, sock := integration.Connect(h.t, h.registry, id)
	h.HandleConnect(conn)
	return conn, sock
}

func (h *testHub) send(conn *websocket.Connection, event string, payload interface{}) error {
	h.t.Helper()
	env := types.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.t.Fatalf("Marshal failed: %v", err)
		}
		env.Data = data
	}
	return h.HandleEvent(context.Background(), conn, env)
}

// login joins and consumes auth-success, load-history and presence-update.
func (h *testHub) login(conn *websocket.Connection, sock *integration.FakeSocket, identity string) []*types.Message {
	h.t.Helper()
	if err := h.send(conn, types.EventJoin, types.JoinRequest{Code: passcode, Username: identity}); err != nil {
		h.t.Fatalf("Join failed: %v", err)
	}
	sock.Expect(h.t, types.EventAuthSuccess, nil)
	var history []*types.Message
	sock.Expect(h.t, types.EventLoadHistory, &history)
	sock.Expect(h.t, types.EventPresenceUpdate, nil)
	return history
}

func TestHub_StartStop(t *testing.T) {
	h := newTestHub(t, router.Options{})
	conn, sock := h.connect("c1")

	if err := h.Start(context.Background()); !errors.Is(err, ErrHubAlreadyRunning) {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.Stop(); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("Expected ErrHubNotRunning on second stop, got %v", err)
	}
	if err := h.send(conn, types.EventJoin, types.JoinRequest{Code: passcode, Username: "alice"}); !errors.Is(err, ErrHubNotRunning) {
		t.Errorf("Expected ErrHubNotRunning after stop, got %v", err)
	}
	if !sock.Closed() {
		t.Error("Stop should close open connections")
	}
}

func TestHub_StopsWithContext(t *testing.T) {
	h := newTestHub(t, router.Options{})
	_ = h.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for h.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("Hub should stop when its context ends")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_JoinRejected(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	h.login(alice, aliceSock, "alice")
	mallory, mallorySock := h.connect("m")

	err := h.send(mallory, types.EventJoin, types.JoinRequest{Code: "guess", Username: "mallory"})
	if !errors.Is(err, session.ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	mallorySock.Expect(t, types.EventAuthFail, nil)
	mallorySock.ExpectNone(t, 50*time.Millisecond)
	aliceSock.ExpectNone(t, 10*time.Millisecond)

	if mallory.Session().IsAuthenticated() {
		t.Error("Rejected join must leave the session unauthenticated")
	}
	if _, ok := h.registry.RoomOf("m"); ok {
		t.Error("Rejected join must not assign a room")
	}

	err = h.send(mallory, types.EventJoin, types.JoinRequest{Code: passcode, Username: "bad.name"})
	if !errors.Is(err, types.ErrInvalidIdentity) {
		t.Errorf("Expected ErrInvalidIdentity, got %v", err)
	}
	mallorySock.Expect(t, types.EventAuthFail, nil)
}

func TestHub_JoinSuccessSequence(t *testing.T) {
	h := newTestHub(t, router.Options{})
	seed := &types.Message{Username: "old", Text: "earlier", Type: types.KindText}
	if err := h.store.Insert(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	alice, sock := h.connect("a")
	if err := h.send(alice, types.EventJoin, types.JoinRequest{Code: passcode, Username: "alice"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	sock.Expect(t, types.EventAuthSuccess, nil)
	var history []*types.Message
	sock.Expect(t, types.EventLoadHistory, &history)
	if len(history) != 1 || history[0].Text != "earlier" {
		t.Errorf("Expected permanent history, got %+v", history)
	}
	var online []string
	sock.Expect(t, types.EventPresenceUpdate, &online)
	if !reflect.DeepEqual(online, []string{"alice"}) {
		t.Errorf("Expected [alice], got %v", online)
	}

	if room, _ := h.registry.RoomOf("a"); room != types.RoomPermanent {
		t.Errorf("Expected default room, got %s", room)
	}

	err := h.send(alice, types.EventJoin, types.JoinRequest{Code: passcode, Username: "alice2"})
	if !errors.Is(err, session.ErrAlreadyAuthenticated) {
		t.Errorf("Expected ErrAlreadyAuthenticated on re-join, got %v", err)
	}
	sock.ExpectNone(t, 50*time.Millisecond)
	if alice.Session().Identity() != "alice" {
		t.Error("Re-join must not rebind the identity")
	}
}

func TestHub_UnauthenticatedEventsAreNoOps(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	h.login(alice, aliceSock, "alice")
	anon, anonSock := h.connect("x")

	events := []struct {
		name    string
		payload interface{}
	}{
		{types.EventChatMessage, types.ChatRequest{Text: "sneaky"}},
		{types.EventSwitchMode, types.SwitchModeRequest{Mode: "ephemeral"}},
		{types.EventTyping, nil},
		{types.EventStopTyping, nil},
		{types.EventReact, types.ReactRequest{MessageID: "m", Reaction: "👍"}},
		{types.EventEditMessage, types.EditRequest{MessageID: "m", NewText: "x"}},
		{types.EventUnsendMessage, types.UnsendRequest{MessageID: "m"}},
		{types.EventCallOffer, types.CallOfferRequest{Offer: json.RawMessage(`{}`)}},
		{types.EventCallAnswer, types.CallAnswerRequest{To: "a", Answer: json.RawMessage(`{}`)}},
		{types.EventIceCandidate, types.IceCandidateRequest{To: "a", Candidate: json.RawMessage(`{}`)}},
		{types.EventHangUp, nil},
	}
	for _, ev := range events {
		if err := h.send(anon, ev.name, ev.payload); !errors.Is(err, session.ErrNotAuthenticated) {
			t.Errorf("%s: expected ErrNotAuthenticated, got %v", ev.name, err)
		}
	}

	anonSock.ExpectNone(t, 50*time.Millisecond)
	aliceSock.ExpectNone(t, 10*time.Millisecond)

	history, _ := h.store.History(context.Background(), interfaces.HistoryQuery{Room: types.RoomPermanent, Limit: 10})
	if len(history) != 0 {
		t.Errorf("Unauthenticated send must not persist, got %d", len(history))
	}
}

func TestHub_AliceBobEditScenario(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	bob, bobSock := h.connect("b")
	h.login(alice, aliceSock, "alice")
	h.login(bob, bobSock, "bob")
	aliceSock.Expect(t, types.EventPresenceUpdate, nil) // bob joined

	if err := h.send(alice, types.EventChatMessage, types.ChatRequest{Text: "hi"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	var fromAlice, fromBob types.Message
	aliceSock.Expect(t, types.EventChatMessage, &fromAlice)
	bobSock.Expect(t, types.EventChatMessage, &fromBob)
	if fromBob.ID == "" || fromBob.Text != "hi" || fromBob.ID != fromAlice.ID {
		t.Fatalf("Both peers should get the stored record, got %+v / %+v", fromAlice, fromBob)
	}

	err := h.send(bob, types.EventEditMessage, types.EditRequest{MessageID: fromBob.ID, NewText: "hi!"})
	if !errors.Is(err, interfaces.ErrNotFound) {
		t.Fatalf("Expected bob's edit to be refused, got %v", err)
	}
	aliceSock.ExpectNone(t, 50*time.Millisecond)
	bobSock.ExpectNone(t, 10*time.Millisecond)

	if err := h.send(alice, types.EventEditMessage, types.EditRequest{MessageID: fromBob.ID, NewText: "hi!"}); err != nil {
		t.Fatalf("Alice edit failed: %v", err)
	}
	for _, sock := range []*integration.FakeSocket{aliceSock, bobSock} {
		var edit types.MessageEdit
		sock.Expect(t, types.EventMessageEdited, &edit)
		if edit.MessageID != fromBob.ID || edit.NewText != "hi!" {
			t.Errorf("Unexpected edit payload %+v", edit)
		}
	}
}

func TestHub_PresenceMultiDevice(t *testing.T) {
	h := newTestHub(t, router.Options{})
	bob, bobSock := h.connect("b")
	h.login(bob, bobSock, "bob")

	phone, phoneSock := h.connect("a-phone")
	laptop, laptopSock := h.connect("a-laptop")
	h.login(phone, phoneSock, "alice")
	h.login(laptop, laptopSock, "alice")

	var online []string
	bobSock.Expect(t, types.EventPresenceUpdate, &online)
	bobSock.Expect(t, types.EventPresenceUpdate, &online)
	if !reflect.DeepEqual(online, []string{"alice", "bob"}) {
		t.Fatalf("Expected alice once, got %v", online)
	}

	h.registry.Remove(phone)
	h.HandleDisconnect(phone)
	bobSock.Expect(t, types.EventPresenceUpdate, &online)
	if !reflect.DeepEqual(online, []string{"alice", "bob"}) {
		t.Errorf("Alice is still on her laptop, got %v", online)
	}

	h.registry.Remove(laptop)
	h.HandleDisconnect(laptop)
	bobSock.Expect(t, types.EventPresenceUpdate, &online)
	if !reflect.DeepEqual(online, []string{"bob"}) {
		t.Errorf("Expected alice gone, got %v", online)
	}
}

func TestHub_EphemeralRoundTrip(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	bob, bobSock := h.connect("b")
	h.login(alice, aliceSock, "alice")
	h.login(bob, bobSock, "bob")
	aliceSock.Drain()

	if err := h.send(bob, types.EventSwitchMode, types.SwitchModeRequest{Mode: "ephemeral"}); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	bobSock.Expect(t, types.EventLoadHistory, nil)

	if err := h.send(alice, types.EventChatMessage, types.ChatRequest{Text: "secret", IsTemp: true}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	var got types.Message
	bobSock.Expect(t, types.EventChatMessage, &got)
	if got.ExpiresAt == nil {
		t.Error("Ephemeral message should carry expiresAt")
	}
	// Alice is still in the permanent room and must not see the body.
	aliceSock.ExpectNone(t, 50*time.Millisecond)

	if err := h.send(alice, types.EventSwitchMode, types.SwitchModeRequest{Mode: "ephemeral"}); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	var history []*types.Message
	aliceSock.Expect(t, types.EventLoadHistory, &history)
	if len(history) != 1 || history[0].Text != "secret" {
		t.Errorf("Expected ephemeral history, got %+v", history)
	}

	if err := h.send(alice, types.EventSwitchMode, types.SwitchModeRequest{Mode: "permanent"}); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	aliceSock.Expect(t, types.EventLoadHistory, &history)
	if len(history) != 0 {
		t.Errorf("Ephemeral message leaked into permanent history: %+v", history)
	}

	if err := h.send(alice, types.EventSwitchMode, types.SwitchModeRequest{Mode: "lobby"}); !errors.Is(err, types.ErrInvalidRoom) {
		t.Errorf("Expected ErrInvalidRoom, got %v", err)
	}
}

func TestHub_ReactionToggle(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	bob, bobSock := h.connect("b")
	h.login(alice, aliceSock, "alice")
	h.login(bob, bobSock, "bob")
	aliceSock.Drain()

	_ = h.send(alice, types.EventChatMessage, types.ChatRequest{Text: "vote"})
	var msg types.Message
	aliceSock.Expect(t, types.EventChatMessage, &msg)
	bobSock.Expect(t, types.EventChatMessage, nil)

	react := func(conn *websocket.Connection, symbol string) types.ReactionUpdate {
		t.Helper()
		if err := h.send(conn, types.EventReact, types.ReactRequest{MessageID: msg.ID, Reaction: symbol}); err != nil {
			t.Fatalf("React failed: %v", err)
		}
		var update types.ReactionUpdate
		aliceSock.Expect(t, types.EventUpdateReaction, &update)
		bobSock.Expect(t, types.EventUpdateReaction, nil)
		return update
	}

	react(alice, "👍")
	update := react(bob, "🎉")
	if len(update.Reactions) != 2 {
		t.Errorf("Both reactions should be kept, got %v", update.Reactions)
	}
	update = react(bob, "🎉")
	if _, ok := update.Reactions["bob"]; ok || update.Reactions["alice"] != "👍" {
		t.Errorf("Bob's second tap should remove only his reaction, got %v", update.Reactions)
	}
}

func TestHub_UnsendBroadcastsOnce(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	h.login(alice, aliceSock, "alice")

	_ = h.send(alice, types.EventChatMessage, types.ChatRequest{Text: "oops"})
	var msg types.Message
	aliceSock.Expect(t, types.EventChatMessage, &msg)

	if err := h.send(alice, types.EventUnsendMessage, types.UnsendRequest{MessageID: msg.ID}); err != nil {
		t.Fatalf("Unsend failed: %v", err)
	}
	var unsent types.MessageUnsent
	aliceSock.Expect(t, types.EventMessageUnsent, &unsent)
	if unsent.MessageID != msg.ID {
		t.Errorf("Expected %s, got %s", msg.ID, unsent.MessageID)
	}

	if err := h.send(alice, types.EventUnsendMessage, types.UnsendRequest{MessageID: msg.ID}); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("Expected silent not-found, got %v", err)
	}
	aliceSock.ExpectNone(t, 50*time.Millisecond)
}

func TestHub_TypingReachesEveryoneElse(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	bob, bobSock := h.connect("b")
	_, anonSock := h.connect("x")
	h.login(alice, aliceSock, "alice")
	h.login(bob, bobSock, "bob")
	aliceSock.Drain()

	// Bob sits in the other room; typing is not room scoped.
	_ = h.send(bob, types.EventSwitchMode, types.SwitchModeRequest{Mode: "ephemeral"})
	bobSock.Expect(t, types.EventLoadHistory, nil)

	if err := h.send(alice, types.EventTyping, nil); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
	var notice types.TypingNotice
	bobSock.Expect(t, types.EventDisplayTyping, &notice)
	if notice.Username != "alice" {
		t.Errorf("Expected alice typing, got %q", notice.Username)
	}

	if err := h.send(alice, types.EventStopTyping, nil); err != nil {
		t.Fatalf("Stop typing failed: %v", err)
	}
	env := bobSock.Expect(t, types.EventHideTyping, nil)
	if string(env.Data) != "null" {
		t.Errorf("hide-typing carries no payload, got %s", env.Data)
	}

	aliceSock.ExpectNone(t, 50*time.Millisecond)
	anonSock.ExpectNone(t, 10*time.Millisecond)
}

func TestHub_SignalingRelay(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	bob, bobSock := h.connect("b")
	h.login(alice, aliceSock, "alice")
	h.login(bob, bobSock, "bob")
	aliceSock.Drain()

	_ = h.send(alice, types.EventCallOffer, types.CallOfferRequest{Offer: json.RawMessage(`{"sdp":"offer"}`)})
	var made types.CallMade
	bobSock.Expect(t, types.EventCallMade, &made)
	if made.From != "a" || string(made.Offer) != `{"sdp":"offer"}` {
		t.Errorf("Unexpected call-made %+v", made)
	}
	aliceSock.ExpectNone(t, 30*time.Millisecond)

	_ = h.send(bob, types.EventCallAnswer, types.CallAnswerRequest{To: made.From, Answer: json.RawMessage(`{"sdp":"answer"}`)})
	var answer types.AnswerMade
	aliceSock.Expect(t, types.EventAnswerMade, &answer)
	if answer.From != "b" || string(answer.Answer) != `{"sdp":"answer"}` {
		t.Errorf("Unexpected answer-made %+v", answer)
	}

	_ = h.send(bob, types.EventIceCandidate, types.IceCandidateRequest{To: "a", Candidate: json.RawMessage(`{"candidate":"c"}`)})
	var ice types.IceCandidateRelay
	aliceSock.Expect(t, types.EventIceCandidate, &ice)
	if ice.From != "b" {
		t.Errorf("Expected candidate from b, got %q", ice.From)
	}

	_ = h.send(alice, types.EventHangUp, nil)
	var ended types.CallEnded
	bobSock.Expect(t, types.EventCallEnded, &ended)
	if ended.From != "a" {
		t.Errorf("Expected call-ended from a, got %q", ended.From)
	}
	aliceSock.ExpectNone(t, 30*time.Millisecond)
}

func TestHub_RateLimit(t *testing.T) {
	h := newTestHub(t, router.Options{EventsPerSecond: 0.001, Burst: 3})
	alice, aliceSock := h.connect("a")
	h.login(alice, aliceSock, "alice") // join takes one token

	for i := 0; i < 2; i++ {
		if err := h.send(alice, types.EventTyping, nil); err != nil {
			t.Fatalf("Event %d within burst failed: %v", i, err)
		}
	}
	if err := h.send(alice, types.EventChatMessage, types.ChatRequest{Text: "spam"}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}
	if err := h.send(alice, types.EventHangUp, nil); err != nil {
		t.Errorf("Signaling is exempt from the limit, got %v", err)
	}
}

func TestHub_RateLimitedJoinAnswersAuthFail(t *testing.T) {
	h := newTestHub(t, router.Options{EventsPerSecond: 0.001, Burst: 1})
	mallory, sock := h.connect("m")

	if err := h.send(mallory, types.EventJoin, types.JoinRequest{Code: "guess", Username: "mallory"}); !errors.Is(err, session.ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	sock.Expect(t, types.EventAuthFail, nil)

	err := h.send(mallory, types.EventJoin, types.JoinRequest{Code: passcode, Username: "mallory"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	sock.Expect(t, types.EventAuthFail, nil)
	if mallory.Session().IsAuthenticated() {
		t.Error("A rate-limited join must not authenticate")
	}
}

func TestHub_JunkEventNamesShareOneSeries(t *testing.T) {
	h := newTestHub(t, router.Options{})
	anon, sock := h.connect("x")

	for i := 0; i < 200; i++ {
		if err := h.send(anon, fmt.Sprintf("junk-%d", i), nil); !errors.Is(err, ErrUnknownEvent) {
			t.Fatalf("Expected ErrUnknownEvent, got %v", err)
		}
	}
	sock.ExpectNone(t, 20*time.Millisecond)

	if n := testutil.CollectAndCount(h.metrics.Registry(), "huddle_events_dropped_total"); n != 1 {
		t.Errorf("Expected one dropped-event series, got %d", n)
	}
	if n := testutil.CollectAndCount(h.metrics.Registry(), "huddle_events_total"); n != 0 {
		t.Errorf("Junk events must not count as handled, got %d series", n)
	}
}

func TestMetricLabel(t *testing.T) {
	for event, want := range map[string]string{
		types.EventJoin:        types.EventJoin,
		types.EventChatMessage: types.EventChatMessage,
		types.EventHangUp:      types.EventHangUp,
		"junk-1":               unknownEventLabel,
		"":                     unknownEventLabel,
	} {
		if got := metricLabel(event); got != want {
			t.Errorf("metricLabel(%q) = %q, want %q", event, got, want)
		}
	}
}

func TestHub_UnknownAndMalformedEvents(t *testing.T) {
	h := newTestHub(t, router.Options{})
	alice, aliceSock := h.connect("a")
	h.login(alice, aliceSock, "alice")

	if err := h.send(alice, "shout", nil); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Expected ErrUnknownEvent, got %v", err)
	}

	env := types.Envelope{Event: types.EventChatMessage, Data: json.RawMessage(`"not an object"`)}
	if err := h.HandleEvent(context.Background(), alice, env); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload, got %v", err)
	}
	aliceSock.ExpectNone(t, 30*time.Millisecond)
}

func TestDropReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{session.ErrNotAuthenticated, metrics.ReasonUnauthenticated},
		{session.ErrAlreadyAuthenticated, metrics.ReasonAlreadyJoined},
		{router.ErrNotAuthenticated, metrics.ReasonUnauthenticated},
		{ErrRateLimited, metrics.ReasonRateLimited},
		{ErrUnknownEvent, metrics.ReasonUnknownEvent},
		{interfaces.ErrNotFound, metrics.ReasonNotAuthorized},
		{interfaces.ErrStoreUnavailable, metrics.ReasonStoreError},
		{types.ErrEmptyMessage, metrics.ReasonValidation},
	}
	for _, tt := range tests {
		if got := dropReason(tt.err); got != tt.want {
			t.Errorf("dropReason(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
