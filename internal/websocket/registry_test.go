package websocket

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"huddle/internal/session"
	"huddle/pkg/types"
)

func newTestConn(t *testing.T, id string) *Connection {
	t.Helper()
	conn := NewConnection(id, newFakeSocket(), 0)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func authenticate(t *testing.T, conn *Connection, identity string) {
	t.Helper()
	if err := session.NewGate("pw").Authenticate(conn.Session(), "pw", identity); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
}

func TestRegistry_AddValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}

	conn := newTestConn(t, "c1")
	if err := r.Add(conn); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add(newTestConn(t, "c1")); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
	if got, ok := r.Get("c1"); !ok || got != conn {
		t.Error("Expected Get to return the registered connection")
	}
}

func TestRegistry_MoveToKeepsExactlyOneRoom(t *testing.T) {
	r := NewRegistry()
	conn := newTestConn(t, "c1")
	_ = r.Add(conn)

	if _, ok := r.RoomOf("c1"); ok {
		t.Error("A new connection should be in no room")
	}

	if err := r.MoveTo(conn, types.RoomPermanent); err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}
	if err := r.MoveTo(conn, types.RoomEphemeral); err != nil {
		t.Fatalf("MoveTo failed: %v", err)
	}

	if n := len(r.RoomConnections(types.RoomPermanent)); n != 0 {
		t.Errorf("Expected permanent room empty after switch, got %d", n)
	}
	if n := len(r.RoomConnections(types.RoomEphemeral)); n != 1 {
		t.Errorf("Expected one member in ephemeral room, got %d", n)
	}
	if room, _ := r.RoomOf("c1"); room != types.RoomEphemeral {
		t.Errorf("Expected RoomOf ephemeral, got %s", room)
	}

	if err := r.MoveTo(conn, "lobby"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("Expected ErrUnknownRoom, got %v", err)
	}
	if err := r.MoveTo(newTestConn(t, "ghost"), types.RoomPermanent); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed for unregistered connection, got %v", err)
	}
}

func TestRegistry_RemoveIsIdempotentAndReplacementSafe(t *testing.T) {
	r := NewRegistry()
	conn := newTestConn(t, "c1")
	_ = r.Add(conn)
	_ = r.MoveTo(conn, types.RoomPermanent)

	r.Remove(conn)
	r.Remove(conn)
	r.Remove(nil)

	if _, ok := r.Get("c1"); ok {
		t.Error("Connection should be gone")
	}
	if n := len(r.RoomConnections(types.RoomPermanent)); n != 0 {
		t.Errorf("Room should be empty, got %d", n)
	}

	replacement := newTestConn(t, "c1")
	_ = r.Add(replacement)
	r.Remove(conn)
	if got, ok := r.Get("c1"); !ok || got != replacement {
		t.Error("Removing a stale connection must not evict its replacement")
	}
}

func TestRegistry_AuthenticatedAndStats(t *testing.T) {
	r := NewRegistry()
	a := newTestConn(t, "a")
	b := newTestConn(t, "b")
	anon := newTestConn(t, "anon")
	for _, c := range []*Connection{a, b, anon} {
		_ = r.Add(c)
	}
	authenticate(t, a, "alice")
	authenticate(t, b, "bob")
	_ = r.MoveTo(a, types.RoomPermanent)
	_ = r.MoveTo(b, types.RoomEphemeral)

	if n := len(r.Authenticated()); n != 2 {
		t.Errorf("Expected 2 authenticated connections, got %d", n)
	}

	stats := r.Stats()
	want := map[string]int{
		"total_connections":         3,
		"authenticated_connections": 2,
		"room_permanent":            1,
		"room_ephemeral":            1,
	}
	for k, v := range want {
		if stats[k] != v {
			t.Errorf("Stats[%s]: expected %d, got %d", k, v, stats[k])
		}
	}
}

func TestRegistry_ConcurrentAddMoveRemove(t *testing.T) {
	r := NewRegistry()
	const n = 50

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			conn := NewConnection(fmt.Sprintf("c%d", i), newFakeSocket(), 0)
			defer conn.Close()
			_ = r.Add(conn)
			_ = r.MoveTo(conn, types.RoomPermanent)
			_ = r.RoomConnections(types.RoomPermanent)
			_ = r.MoveTo(conn, types.RoomEphemeral)
			r.Remove(conn)
		}(i)
	}
	wg.Wait()

	if stats := r.Stats(); stats["total_connections"] != 0 || stats["room_ephemeral"] != 0 {
		t.Errorf("Expected empty registry, got %v", stats)
	}
}
