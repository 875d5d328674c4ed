package chat

import (
	"sort"
	"testing"
)

const (
	alice = "10.0.0.1:5000#17"
	bob   = "10.0.0.2:5000#42"
)

func TestJoinLeaveMembership(t *testing.T) {
	reg := NewRegistry()

	reg.Join("general", alice)
	reg.Join("general", bob)
	reg.Join("random", alice)

	if !reg.IsMember("general", alice) || !reg.IsMember("general", bob) {
		t.Error("joined members not reported")
	}
	if reg.IsMember("random", bob) {
		t.Error("member reported in a room it never joined")
	}

	members := reg.Members("general")
	sort.Strings(members)
	if len(members) != 2 || members[0] != alice || members[1] != bob {
		t.Errorf("general members = %v, want [%s %s]", members, alice, bob)
	}

	if wasMember := reg.Leave("general", alice); !wasMember {
		t.Error("Leave did not report prior membership")
	}
	if reg.IsMember("general", alice) {
		t.Error("member still present after leave")
	}
	if wasMember := reg.Leave("general", alice); wasMember {
		t.Error("second leave reported membership")
	}
	if wasMember := reg.Leave("nosuchroom", alice); wasMember {
		t.Error("leave on an unknown room reported membership")
	}
}

func TestNames(t *testing.T) {
	reg := NewRegistry()

	if got := reg.Name(alice, "10.0.0.1:5000"); got != "10.0.0.1:5000" {
		t.Errorf("unset name = %q, want the fallback", got)
	}

	reg.SetName(alice, "alice")
	if got := reg.Name(alice, "10.0.0.1:5000"); got != "alice" {
		t.Errorf("name = %q, want alice", got)
	}
}

func TestDropRemovesEverywhere(t *testing.T) {
	reg := NewRegistry()

	reg.Join("general", alice)
	reg.Join("random", alice)
	reg.SetName(alice, "alice")

	reg.Drop(alice)

	if reg.IsMember("general", alice) || reg.IsMember("random", alice) {
		t.Error("dropped connection still in a room")
	}
	if got := reg.Name(alice, "fallback"); got != "fallback" {
		t.Errorf("dropped connection kept its name %q", got)
	}
}
