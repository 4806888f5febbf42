// Commonground Rooms
//
// Anonymous participants join a room, submit short statements, and vote
// Agree/Disagree on one statement at a time. Statements everyone agreed on
// become the room's shared narrative.
//
// Features:
// - WebSockets per room ID: /room/:roomid and /room/:roomid/ws
// - Participants identified by cookie (participantID), no accounts
// - One live statement at a time, chosen so no author monopolizes attention
// - Joining mid-session adds you to every still-open statement
// - Disconnects get a grace window before outstanding votes are released
// - Full session snapshot broadcast after every accepted change, skipped
//   when nothing changed
// - Rooms auto-reaped after configurable idle timeout
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the current room, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/commonground/session"
)

// Messages coming from clients
type ClientMessage struct {
	Type           string   `json:"type"`                     // "get_session", "add_statement", "vote_response"
	Text           string   `json:"text,omitempty"`           // add_statement
	CreatedBy      string   `json:"createdBy,omitempty"`      // add_statement (advisory; cookie wins)
	Present        []string `json:"present,omitempty"`        // add_statement (advisory; registry wins)
	StatementIndex *int     `json:"statementIndex,omitempty"` // vote_response
	UserID         string   `json:"userId,omitempty"`         // vote_response (advisory; cookie wins)
	Agree          *bool    `json:"agree,omitempty"`          // vote_response
}

// SessionStateMessage carries a full snapshot: broadcast to everyone after
// any accepted mutation, and sent individually on connect or on get_session.
type SessionStateMessage struct {
	Type    string          `json:"type"` // "session_state"
	Session session.Session `json:"session"`
}

// SessionInfoMessage is sent immediately on connect so the client knows
// which participant ID its cookie maps to.
type SessionInfoMessage struct {
	Type          string `json:"type"` // "session_info"
	ParticipantID string `json:"participantId"`
}

// ErrorMessage is sent only to the offending client when a vote is rejected.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type Client struct {
	conn          *websocket.Conn
	send          chan any
	participantID string
}

type actionRequest struct {
	client *Client
	msg    ClientMessage
}

// Hub owns one room. All session mutations flow through its run loop, so a
// room only ever applies one transition at a time; separate rooms share
// nothing and run fully in parallel.
type Hub struct {
	id      string
	clients map[*Client]bool

	session session.Session
	store   *SessionStore

	register   chan *Client
	unreg      chan *Client
	actions    chan actionRequest
	departures chan string
	done       chan struct{}

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	// pending maps participant ID to its scheduled departure. At most one
	// timer per participant: a repeat disconnect replaces it, a reconnect
	// cancels it.
	pending map[string]*time.Timer
}

func newHub(roomID string, store *SessionStore) *Hub {
	sess, ok := store.Get(roomID)
	if !ok {
		sess = session.New()
		store.Put(roomID, sess)
	}

	now := time.Now()
	return &Hub{
		id:         roomID,
		clients:    make(map[*Client]bool),
		session:    sess,
		store:      store,
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		actions:    make(chan actionRequest),
		departures: make(chan string),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
		pending:    make(map[string]*time.Timer),
	}
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

func (h *Hub) run(cfg *Config) {
	for {
		select {
		case c := <-h.register:
			h.touch()
			h.clients[c] = true

			// A reconnect within the grace window keeps the participant's
			// outstanding obligations and votes untouched.
			if t, ok := h.pending[c.participantID]; ok {
				t.Stop()
				delete(h.pending, c.participantID)
			}

			h.sendTo(c, SessionInfoMessage{
				Type:          "session_info",
				ParticipantID: c.participantID,
			})

			changed, _ := h.apply(session.UpdatePresence{
				UserID: c.participantID,
				Op:     session.PresenceAdd,
			})
			if !changed {
				// Nothing to broadcast, but the newcomer still needs a snapshot.
				h.sendTo(c, SessionStateMessage{Type: "session_state", Session: h.session})
			}

		case c := <-h.unreg:
			h.touch()

			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			if c.participantID == "" || h.connected(c.participantID) {
				continue
			}
			h.scheduleDeparture(cfg, c.participantID)

		case id := <-h.departures:
			h.touch()
			delete(h.pending, id)

			// Reconnected just as the timer fired.
			if h.connected(id) {
				continue
			}

			if changed, _ := h.apply(session.UpdatePresence{
				UserID: id,
				Op:     session.PresenceRemove,
			}); changed {
				logf(cfg, "ROOMS: Participant %s departed %s", id, h.id)
			}

		case ar := <-h.actions:
			h.handleAction(cfg, ar)

		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			for id, t := range h.pending {
				t.Stop()
				delete(h.pending, id)
			}
			return
		}
	}
}

// apply runs one transition and, when the session actually changed, writes
// it through to the store and broadcasts the new snapshot.
func (h *Hub) apply(action session.Action) (bool, error) {
	next, err := session.Apply(h.session, action)
	if err != nil {
		return false, err
	}
	if next.Equal(h.session) {
		return false, nil
	}

	h.session = next
	h.store.Put(h.id, next)
	h.broadcastSessionState()

	return true, nil
}

func (h *Hub) handleAction(cfg *Config, ar actionRequest) {
	h.touch()

	c := ar.client
	msg := ar.msg

	switch msg.Type {
	case "get_session":
		h.sendTo(c, SessionStateMessage{Type: "session_state", Session: h.session})

	case "add_statement":
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			h.sendTo(c, ErrorMessage{Type: "error", Message: "Statements cannot be empty."})
			return
		}

		// Author and present set come from the connection registry, not the
		// payload: an anonymous participant is whoever their cookie says.
		changed, _ := h.apply(session.AddStatement{
			Text:      text,
			CreatedBy: c.participantID,
			Present:   h.connectedIDs(),
		})
		if changed {
			logf(cfg, "ROOMS: Statement added to %s (%d statements, %d in narrative)",
				h.id,
				len(h.session.Statements),
				len(session.AgreedStatements(h.session)),
			)
		}

	case "vote_response":
		if msg.StatementIndex == nil || msg.Agree == nil {
			h.sendTo(c, ErrorMessage{Type: "error", Message: "Votes need a statement index and an agree value."})
			return
		}

		changed, err := h.apply(session.Respond{
			Statement: *msg.StatementIndex,
			UserID:    c.participantID,
			Agree:     *msg.Agree,
		})
		if err != nil {
			h.sendTo(c, ErrorMessage{Type: "error", Message: err.Error()})
			return
		}
		if changed {
			logf(cfg, "ROOMS: Vote recorded on statement %d in %s (%d in narrative)",
				*msg.StatementIndex,
				h.id,
				len(session.AgreedStatements(h.session)),
			)
		}
	}
}

// registerClient hands a new connection to the run loop. Returns false if
// the room has already been reaped, in which case the caller owns cleanup.
func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// alive reports whether the room has not been reaped yet.
func (h *Hub) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// scheduleDeparture arms the grace-period timer for a disconnected
// participant, replacing any timer already pending for the same ID.
func (h *Hub) scheduleDeparture(cfg *Config, id string) {
	if t, ok := h.pending[id]; ok {
		t.Stop()
	}
	h.pending[id] = time.AfterFunc(cfg.gracePeriod, func() {
		select {
		case h.departures <- id:
		case <-h.done:
		}
	})
}

func (h *Hub) connected(id string) bool {
	for c := range h.clients {
		if c.participantID == id {
			return true
		}
	}
	return false
}

func (h *Hub) connectedIDs() []string {
	ids := make([]string, 0, len(h.clients))
	for c := range h.clients {
		ids = append(ids, c.participantID)
	}
	return lo.Uniq(ids)
}

// sendTo unicasts to a client still in the room, dropping the client if its
// buffer is full. Once dropped, its send channel is closed, so traffic for a
// departed client (whose readPump may still be delivering actions) must be
// discarded here rather than sent.
func (h *Hub) sendTo(c *Client, msg any) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastSessionState() {
	msg := SessionStateMessage{Type: "session_state", Session: h.session}

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const participantCookieName = "commonground_id"

func getOrSetParticipantID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(participantCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     participantCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// RoomManager holds a set of hubs keyed by room ID, so each /room/:roomid
// is its own isolated session.
type RoomManager struct {
	mu          sync.Mutex
	hubs        map[string]*Hub
	store       *SessionStore
	idleTimeout time.Duration
}

func newRoomManager(store *SessionStore, idleTimeout time.Duration) *RoomManager {
	rm := &RoomManager{
		hubs:        make(map[string]*Hub),
		store:       store,
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *RoomManager) getHub(cfg *Config, roomID string) *Hub {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	// A hub can idle out between a lookup and its first use; never hand a
	// reaped hub to a new connection.
	if hub, ok := rm.hubs[roomID]; ok && hub.alive() {
		return hub
	}

	hub := newHub(roomID, rm.store)
	rm.hubs[roomID] = hub
	go hub.run(cfg)
	return hub
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms.
func (rm *RoomManager) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		rm.mu.Lock()
		_, exists := rm.hubs[id]
		rm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

// reaperLoop periodically ends rooms that have been idle longer than
// idleTimeout, dropping their session snapshot with them.
func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-rm.idleTimeout)

		rm.mu.Lock()
		for id, hub := range rm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				delete(rm.hubs, id)
				rm.store.Delete(id)
				close(hub.done)
			}
		}
		rm.mu.Unlock()
	}
}

// WebSocket handler that picks the hub based on :roomid
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("roomid")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		participantID := getOrSetParticipantID(w, r)
		if participantID == "" {
			http.Error(w, "unable to assign participant id", http.StatusInternalServerError)
			return
		}

		hub := rm.getHub(cfg, roomID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:          conn,
			send:          make(chan any, 8),
			participantID: participantID,
		}

		if !hub.registerClient(client) {
			// Reaped between getHub and registration; the client reconnects
			// into a fresh hub.
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "get_session", "add_statement", "vote_response":
			select {
			case h.actions <- actionRequest{client: c, msg: msg}:
			case <-h.done:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed room/index.html
var indexHTML []byte

//go:embed room/app.css
var roomCSS []byte

//go:embed room/app.js
var roomJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_ = getOrSetParticipantID(w, r)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(roomCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(roomJS)
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:roomid.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := rm.newRoomID()
		logf(cfg, "ROOMS: Created room %s/%s", path, roomID)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerConsensusRooms sets up routes so that:
//   - $path                  → redirects to new random room (8-char ID)
//   - $path/:roomid          → HTML client
//   - $path/:roomid/ws       → WebSocket for that room
//   - $path/:roomid/qr       → PNG QR code for that room URL
func registerConsensusRooms(cfg *Config, path string, mux *httprouter.Router) {
	store := NewSessionStore()
	rm := newRoomManager(store, cfg.sessionTimeout)

	// Root path → redirect to new random room
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, rm))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/room/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/room/app.js", getJsHandler(cfg))

	// Per-room websocket
	mux.GET(cfg.prefix+path+"/:roomid/ws", serveWSForManager(cfg, rm))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)
}
