package auth

import (
	"log/slog"
	"testing"

	"basket-core/internal/model"
)

func newTestSession() (*Session, *ManualProvider) {
	p := NewManualProvider()
	return NewSession(p, slog.New(slog.DiscardHandler)), p
}

func TestSession_StartsAsGuest(t *testing.T) {
	s, _ := newTestSession()
	defer s.Close()

	if !s.Current().IsGuest() {
		t.Errorf("Current() = %v, want guest", s.Current())
	}
}

func TestSession_TransitionsOnSignInAndOut(t *testing.T) {
	s, p := newTestSession()
	defer s.Close()

	var transitions [][2]model.Owner
	cancel := s.OnTransition(func(from, to model.Owner) {
		transitions = append(transitions, [2]model.Owner{from, to})
	})
	defer cancel()

	p.SignIn(Identity{ID: "u1"})
	p.SignOut()

	if len(transitions) != 2 {
		t.Fatalf("transitions = %d, want 2", len(transitions))
	}
	if transitions[0] != [2]model.Owner{model.Guest(), model.User("u1")} {
		t.Errorf("first transition = %v", transitions[0])
	}
	if transitions[1] != [2]model.Owner{model.User("u1"), model.Guest()} {
		t.Errorf("second transition = %v", transitions[1])
	}
	if !s.Current().IsGuest() {
		t.Errorf("Current() after sign-out = %v, want guest", s.Current())
	}
}

func TestSession_SwallowsTokenRefresh(t *testing.T) {
	s, p := newTestSession()
	defer s.Close()

	fired := 0
	cancel := s.OnTransition(func(from, to model.Owner) { fired++ })
	defer cancel()

	p.SignIn(Identity{ID: "u1"})
	// Providers re-notify every listener on token refresh; the owner did
	// not change, so no transition may fire.
	p.Refresh()
	p.Refresh()
	p.SignIn(Identity{ID: "u1"})

	if fired != 1 {
		t.Errorf("transitions fired = %d, want 1", fired)
	}
}

func TestSession_UserToUserSwitch(t *testing.T) {
	s, p := newTestSession()
	defer s.Close()

	var last [2]model.Owner
	cancel := s.OnTransition(func(from, to model.Owner) { last = [2]model.Owner{from, to} })
	defer cancel()

	p.SignIn(Identity{ID: "u1"})
	p.SignIn(Identity{ID: "u2"})

	if last != [2]model.Owner{model.User("u1"), model.User("u2")} {
		t.Errorf("last transition = %v, want u1→u2", last)
	}
}

func TestSession_CanceledListenerDoesNotFire(t *testing.T) {
	s, p := newTestSession()
	defer s.Close()

	fired := 0
	cancel := s.OnTransition(func(from, to model.Owner) { fired++ })
	cancel()

	p.SignIn(Identity{ID: "u1"})
	if fired != 0 {
		t.Errorf("canceled listener fired %d times", fired)
	}
}
