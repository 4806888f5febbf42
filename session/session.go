// Package session holds the pure state machine behind a commonground room.
//
// A Session is an immutable value: Apply never mutates its input, it returns
// a fresh Session (sharing unchanged statements) so callers can detect
// "nothing changed" with Equal and skip persistence and broadcast.
package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/samber/lo"
)

// NoLiveStatement is the Live value of a session with nothing left to vote on.
const NoLiveStatement = -1

// Statement is a single submitted statement and its vote record.
// Present holds the participants obligated to vote on it, in the order they
// were added; Responses maps participant ID to their vote (true = agree).
// Responses keys are always a subset of Present.
type Statement struct {
	Text      string          `json:"text"`
	CreatedBy string          `json:"createdBy"`
	Present   []string        `json:"present"`
	Responses map[string]bool `json:"responses"`
}

// Resolved reports whether every participant in Present has voted.
// A statement with an empty Present set is vacuously resolved; this happens
// when everyone who owed a vote departed for good before casting one.
func (st Statement) Resolved() bool {
	return lo.EveryBy(st.Present, func(id string) bool {
		_, ok := st.Responses[id]
		return ok
	})
}

// Agreed reports whether the statement is resolved with every vote in favor.
func (st Statement) Agreed() bool {
	if !st.Resolved() {
		return false
	}
	for _, agree := range st.Responses {
		if !agree {
			return false
		}
	}
	return true
}

func (st Statement) clone() Statement {
	st.Present = slices.Clone(st.Present)
	st.Responses = maps.Clone(st.Responses)
	return st
}

// Session is the full logical state of one room. Statements is append-only:
// an index, once assigned, never changes meaning. Live is the index of the
// statement currently up for voting, or NoLiveStatement.
type Session struct {
	Statements []Statement `json:"statements"`
	Live       int         `json:"liveStatementIndex"`
}

// New returns an empty session with no live statement.
func New() Session {
	return Session{Live: NoLiveStatement}
}

// Equal reports whether two sessions are structurally identical.
func (s Session) Equal(other Session) bool {
	if s.Live != other.Live || len(s.Statements) != len(other.Statements) {
		return false
	}
	for i, st := range s.Statements {
		o := other.Statements[i]
		if st.Text != o.Text || st.CreatedBy != o.CreatedBy {
			return false
		}
		if !slices.Equal(st.Present, o.Present) || !maps.Equal(st.Responses, o.Responses) {
			return false
		}
	}
	return true
}

// NextLive picks which statement should be live: among unresolved statements,
// the one whose author has the fewest resolved statements, ties broken by
// creation order. Returns NoLiveStatement when everything is resolved.
// Recomputed from scratch after every mutation rather than maintained
// incrementally, so it can never drift from the ledger.
func NextLive(statements []Statement) int {
	resolved := make(map[string]int)
	for _, st := range statements {
		if st.Resolved() {
			resolved[st.CreatedBy]++
		}
	}

	next := NoLiveStatement
	best := 0
	for i, st := range statements {
		if st.Resolved() {
			continue
		}
		if count := resolved[st.CreatedBy]; next == NoLiveStatement || count < best {
			next, best = i, count
		}
	}

	return next
}

// AgreedStatements returns the statements everyone agreed on, in creation
// order. Derived fresh on every call; a departure can retroactively flip an
// unresolved statement to agreed, so caching here would go stale.
func AgreedStatements(s Session) []Statement {
	return lo.Filter(s.Statements, func(st Statement, _ int) bool {
		return st.Agreed()
	})
}

// PresenceOp selects the UpdatePresence branch.
type PresenceOp string

const (
	PresenceAdd    PresenceOp = "add"
	PresenceRemove PresenceOp = "remove"
)

// Action is one room mutation. Apply is total over all Action values: kinds
// it does not recognize leave the session unchanged.
type Action interface {
	isAction()
}

// AddStatement appends a new statement with Present seeded from the current
// connections. The author always starts with an agree vote that cannot be
// revoked, and is normalized into Present even if the caller left them out.
type AddStatement struct {
	Text      string
	CreatedBy string
	Present   []string
}

// Respond casts or replaces UserID's vote on the statement at index
// Statement. Re-voting simply overwrites the prior value.
type Respond struct {
	Statement int
	UserID    string
	Agree     bool
}

// UpdatePresence adds a joining participant to, or removes a departed
// participant from, every currently unresolved statement. Resolved
// statements are never touched: a late joiner owes no vote on finished
// statements, and a departure never rewrites a finished vote record.
type UpdatePresence struct {
	UserID string
	Op     PresenceOp
}

func (AddStatement) isAction()   {}
func (Respond) isAction()        {}
func (UpdatePresence) isAction() {}

var (
	// ErrNoSuchStatement rejects a vote on a statement index outside the ledger.
	ErrNoSuchStatement = errors.New("no such statement")

	// ErrNotPresent rejects a vote from a participant not in the statement's
	// present set. Recording it anyway would break the Responses ⊆ Present
	// invariant.
	ErrNotPresent = errors.New("voter not present on statement")
)

// Apply is the single transition function over a session. It never mutates
// s; on error the returned session is s unchanged. Only Respond can fail,
// and only on the two index/membership validations above. Every other
// input, including unrecognized actions, is absorbed as a no-op.
func Apply(s Session, action Action) (Session, error) {
	switch a := action.(type) {
	case AddStatement:
		return s.addStatement(a), nil
	case Respond:
		return s.respond(a)
	case UpdatePresence:
		return s.updatePresence(a), nil
	default:
		return s, nil
	}
}

func (s Session) addStatement(a AddStatement) Session {
	if a.Text == "" || a.CreatedBy == "" {
		return s
	}

	present := slices.Clone(a.Present)
	if !slices.Contains(present, a.CreatedBy) {
		present = append(present, a.CreatedBy)
	}

	statements := make([]Statement, len(s.Statements), len(s.Statements)+1)
	copy(statements, s.Statements)
	statements = append(statements, Statement{
		Text:      a.Text,
		CreatedBy: a.CreatedBy,
		Present:   present,
		Responses: map[string]bool{a.CreatedBy: true},
	})

	// The selector runs over the whole ledger every time: a fresh statement
	// can outrank the current live one under the fairness rule.
	return Session{Statements: statements, Live: NextLive(statements)}
}

func (s Session) respond(a Respond) (Session, error) {
	if a.Statement < 0 || a.Statement >= len(s.Statements) {
		return s, fmt.Errorf("%w: index %d", ErrNoSuchStatement, a.Statement)
	}

	st := s.Statements[a.Statement]
	if !slices.Contains(st.Present, a.UserID) {
		return s, fmt.Errorf("%w: %q on statement %d", ErrNotPresent, a.UserID, a.Statement)
	}

	st = st.clone()
	st.Responses[a.UserID] = a.Agree

	statements := slices.Clone(s.Statements)
	statements[a.Statement] = st

	return Session{Statements: statements, Live: NextLive(statements)}, nil
}

func (s Session) updatePresence(a UpdatePresence) Session {
	if a.UserID == "" {
		return s
	}
	if a.Op != PresenceAdd && a.Op != PresenceRemove {
		return s
	}

	var statements []Statement

	for i, st := range s.Statements {
		if st.Resolved() {
			continue
		}

		var next Statement

		switch a.Op {
		case PresenceAdd:
			if slices.Contains(st.Present, a.UserID) {
				continue
			}
			next = st.clone()
			next.Present = append(next.Present, a.UserID)

		case PresenceRemove:
			if _, voted := st.Responses[a.UserID]; !voted && !slices.Contains(st.Present, a.UserID) {
				continue
			}
			next = st.clone()
			next.Present = slices.DeleteFunc(next.Present, func(id string) bool {
				return id == a.UserID
			})
			delete(next.Responses, a.UserID)
		}

		if statements == nil {
			statements = slices.Clone(s.Statements)
		}
		statements[i] = next
	}

	if statements == nil {
		return s
	}

	return Session{Statements: statements, Live: NextLive(statements)}
}
