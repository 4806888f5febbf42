package main

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/commonground/session"
)

func testConfig() *Config {
	return &Config{
		port:           8080,
		gracePeriod:    25 * time.Millisecond,
		sessionTimeout: time.Minute,
	}
}

func newTestClient(id string) *Client {
	return &Client{
		send:          make(chan any, 32),
		participantID: id,
	}
}

// waitForState reads from a client's send channel until a session_state
// matching ok arrives.
func waitForState(t *testing.T, c *Client, ok func(session.Session) bool) session.Session {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if state, isState := msg.(SessionStateMessage); isState && ok(state.Session) {
				return state.Session
			}
		case <-deadline:
			t.Fatal("timed out waiting for session_state")
		}
	}
}

func waitForError(t *testing.T, c *Client) ErrorMessage {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.send:
			if errMsg, isErr := msg.(ErrorMessage); isErr {
				return errMsg
			}
		case <-deadline:
			t.Fatal("timed out waiting for error message")
		}
	}
}

func TestHub_ConnectSendsIdentityAndSnapshot(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("identity", store)
	go h.run(testConfig())

	c := newTestClient(uuid.NewString())
	h.register <- c

	msg := <-c.send
	info, isInfo := msg.(SessionInfoMessage)
	req.True(isInfo)
	req.Equal(c.participantID, info.ParticipantID)

	sess := waitForState(t, c, func(s session.Session) bool { return true })
	req.Empty(sess.Statements)
	req.Equal(session.NoLiveStatement, sess.Live)
}

func TestHub_StatementLifecycle(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("lifecycle", store)
	go h.run(testConfig())

	a := newTestClient(uuid.NewString())
	b := newTestClient(uuid.NewString())
	h.register <- a
	h.register <- b

	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "add_statement", Text: "we ship on fridays"}}

	sess := waitForState(t, b, func(s session.Session) bool { return len(s.Statements) == 1 })
	req.Equal(0, sess.Live)
	req.Equal(map[string]bool{a.participantID: true}, sess.Statements[0].Responses)
	req.ElementsMatch([]string{a.participantID, b.participantID}, sess.Statements[0].Present)

	idx := 0
	agree := true
	h.actions <- actionRequest{client: b, msg: ClientMessage{Type: "vote_response", StatementIndex: &idx, Agree: &agree}}

	sess = waitForState(t, a, func(s session.Session) bool { return s.Live == session.NoLiveStatement && len(s.Statements) == 1 })
	req.Len(session.AgreedStatements(sess), 1)
	req.Equal("we ship on fridays", session.AgreedStatements(sess)[0].Text)

	stored, found := store.Get("lifecycle")
	req.True(found)
	req.True(stored.Equal(sess))
}

func TestHub_EmptyStatementRejected(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("empty", store)
	go h.run(testConfig())

	a := newTestClient(uuid.NewString())
	h.register <- a

	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "add_statement", Text: "   "}}

	errMsg := waitForError(t, a)
	req.Contains(errMsg.Message, "empty")

	stored, _ := store.Get("empty")
	req.Empty(stored.Statements)
}

func TestHub_VoteValidationErrorsAreUnicast(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("validation", store)
	go h.run(testConfig())

	a := newTestClient(uuid.NewString())
	h.register <- a

	// Sole participant, so the author's auto-agree resolves it immediately.
	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "add_statement", Text: "lunch at noon"}}
	waitForState(t, a, func(s session.Session) bool { return len(s.Statements) == 1 })

	// Out-of-range index.
	idx := 5
	agree := true
	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "vote_response", StatementIndex: &idx, Agree: &agree}}
	req.Contains(waitForError(t, a).Message, "no such statement")

	// A late joiner owes nothing on the resolved statement, so their vote on
	// it is a vote from outside its present set.
	b := newTestClient(uuid.NewString())
	h.register <- b
	waitForState(t, b, func(s session.Session) bool { return len(s.Statements) == 1 })

	idx = 0
	h.actions <- actionRequest{client: b, msg: ClientMessage{Type: "vote_response", StatementIndex: &idx, Agree: &agree}}
	req.Contains(waitForError(t, b).Message, "not present")

	// Neither rejection may leave a trace.
	stored, _ := store.Get("validation")
	req.Len(stored.Statements, 1)
	req.Equal(map[string]bool{a.participantID: true}, stored.Statements[0].Responses)
}

func TestHub_DepartureAfterGracePeriod(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("departure", store)
	go h.run(testConfig())

	a := newTestClient(uuid.NewString())
	b := newTestClient(uuid.NewString())
	h.register <- a
	h.register <- b

	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "add_statement", Text: "cameras on"}}
	waitForState(t, a, func(s session.Session) bool { return len(s.Statements) == 1 })

	h.unreg <- b

	// Once the grace window lapses, b's obligation disappears and the
	// author's auto-agree leaves the statement vacuously agreed.
	req.Eventually(func() bool {
		stored, found := store.Get("departure")
		return found && len(stored.Statements) == 1 &&
			len(stored.Statements[0].Present) == 1 &&
			stored.Statements[0].Agreed()
	}, time.Second, 10*time.Millisecond)
}

func TestHub_ReconnectCancelsDeparture(t *testing.T) {
	req := require.New(t)

	cfg := testConfig()
	store := NewSessionStore()
	h := newHub("reconnect", store)
	go h.run(cfg)

	a := newTestClient(uuid.NewString())
	b := newTestClient(uuid.NewString())
	h.register <- a
	h.register <- b

	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "add_statement", Text: "standup at ten"}}
	waitForState(t, a, func(s session.Session) bool { return len(s.Statements) == 1 })

	h.unreg <- b

	// Same participant ID on a fresh connection, inside the grace window.
	b2 := newTestClient(b.participantID)
	h.register <- b2

	time.Sleep(4 * cfg.gracePeriod)

	stored, found := store.Get("reconnect")
	req.True(found)
	req.ElementsMatch([]string{a.participantID, b.participantID}, stored.Statements[0].Present)
	req.False(stored.Statements[0].Resolved())
}

func TestHub_LateJoinerOwesOpenStatementsOnly(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("latejoin", store)
	go h.run(testConfig())

	a := newTestClient(uuid.NewString())
	h.register <- a

	// Sole participant: the author's auto-agree resolves it immediately.
	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "add_statement", Text: "solo thought"}}
	waitForState(t, a, func(s session.Session) bool { return len(s.Statements) == 1 })

	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "add_statement", Text: "second thought"}}
	waitForState(t, a, func(s session.Session) bool { return len(s.Statements) == 2 })

	// Both statements are already resolved when c joins, so c owes nothing.
	c := newTestClient(uuid.NewString())
	h.register <- c

	sess := waitForState(t, c, func(s session.Session) bool { return len(s.Statements) == 2 })
	req.ElementsMatch([]string{a.participantID}, sess.Statements[0].Present)
	req.ElementsMatch([]string{a.participantID}, sess.Statements[1].Present)
	req.Equal(session.NoLiveStatement, sess.Live)
}

func TestHub_GetSessionReturnsSnapshot(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("snapshot", store)
	go h.run(testConfig())

	a := newTestClient(uuid.NewString())
	h.register <- a
	waitForState(t, a, func(s session.Session) bool { return true })

	h.actions <- actionRequest{client: a, msg: ClientMessage{Type: "get_session"}}

	sess := waitForState(t, a, func(s session.Session) bool { return true })
	req.Empty(sess.Statements)
}

func TestHub_SlowReaderIsDroppedWithoutCrash(t *testing.T) {
	req := require.New(t)

	store := NewSessionStore()
	h := newHub("slowreader", store)
	go h.run(testConfig())

	// Room for session_info only: the snapshot that follows in the same
	// register pass finds the buffer full and drops the client.
	slow := &Client{
		send:          make(chan any, 1),
		participantID: uuid.NewString(),
	}
	h.register <- slow

	// The dropped client's readPump can still deliver actions; replies to it
	// must be discarded, not sent on its closed channel.
	h.actions <- actionRequest{client: slow, msg: ClientMessage{Type: "get_session"}}

	// The hub must survive and keep serving everyone else.
	other := newTestClient(uuid.NewString())
	h.register <- other
	waitForState(t, other, func(s session.Session) bool { return true })

	msg := <-slow.send
	_, isInfo := msg.(SessionInfoMessage)
	req.True(isInfo)

	_, open := <-slow.send
	req.False(open)
}

func TestHub_RegisterAfterReapDoesNotBlock(t *testing.T) {
	req := require.New(t)

	h := newHub("reaped", NewSessionStore())
	close(h.done)

	req.False(h.registerClient(newTestClient(uuid.NewString())))
	req.False(h.alive())
}

func TestRoomManager_ReapedHubIsReplaced(t *testing.T) {
	req := require.New(t)

	cfg := testConfig()
	store := NewSessionStore()
	rm := newRoomManager(store, 0)

	first := rm.getHub(cfg, "ephemeral")
	close(first.done)

	second := rm.getHub(cfg, "ephemeral")
	req.NotSame(first, second)
	req.True(second.alive())

	c := newTestClient(uuid.NewString())
	req.True(second.registerClient(c))
	waitForState(t, c, func(s session.Session) bool { return true })
}

func TestRoomManager_NewRoomID(t *testing.T) {
	req := require.New(t)

	rm := newRoomManager(NewSessionStore(), 0)

	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := rm.newRoomID()
		req.Len(id, 8)
		req.False(seen[id])
		seen[id] = true

		for _, r := range id {
			req.True(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z')
		}
	}
}

func TestGetOrSetParticipantID(t *testing.T) {
	req := require.New(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/room/abc", nil)

	id := getOrSetParticipantID(w, r)
	req.Len(id, 32)

	cookies := w.Result().Cookies()
	req.Len(cookies, 1)
	req.Equal(participantCookieName, cookies[0].Name)
	req.Equal(id, cookies[0].Value)

	// A request that already carries the cookie keeps its identity.
	r2 := httptest.NewRequest("GET", "/room/abc", nil)
	r2.AddCookie(cookies[0])
	req.Equal(id, getOrSetParticipantID(httptest.NewRecorder(), r2))
}
