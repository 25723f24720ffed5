package session

import (
	"errors"
	"testing"
)

func TestRoleUpgradeIsOneWay(t *testing.T) {
	r := NewRegistry()
	r.Connect("c1")

	if err := r.BecomeUser("c1", "+1555"); err != nil {
		t.Fatalf("BecomeUser: %v", err)
	}
	if err := r.BecomeAgent("c1", "agent-1", Agent); !errors.Is(err, ErrRoleFixed) {
		t.Errorf("second upgrade = %v, want ErrRoleFixed", err)
	}

	s := r.Get("c1")
	if s.Role != User || s.ConversationKey != "+1555" {
		t.Errorf("session mutated by rejected upgrade: %+v", s)
	}
}

func TestBecomeAgentRejectsNonAgentRole(t *testing.T) {
	r := NewRegistry()
	r.Connect("c1")

	if err := r.BecomeAgent("c1", "agent-1", User); err == nil {
		t.Error("expected error for non-agent role")
	}
}

func TestMonitoringRequiresAgent(t *testing.T) {
	r := NewRegistry()
	r.Connect("u")
	r.Connect("a")
	_ = r.BecomeUser("u", "+1555")
	_ = r.BecomeAgent("a", "agent-1", Agent)

	if err := r.SetMonitoring("u", "+1555"); err == nil {
		t.Error("user session allowed to monitor")
	}
	if err := r.SetMonitoring("a", "+1555"); err != nil {
		t.Errorf("SetMonitoring: %v", err)
	}
	if got := r.Get("a").Monitoring; got != "+1555" {
		t.Errorf("Monitoring = %q, want +1555", got)
	}
}

func TestDisconnectRemovesEntry(t *testing.T) {
	r := NewRegistry()
	r.Connect("c1")
	_ = r.BecomeAgent("c1", "agent-1", Agent)

	removed := r.Disconnect("c1")
	if removed == nil || removed.AgentID != "agent-1" {
		t.Fatalf("Disconnect returned %+v", removed)
	}
	if r.Get("c1") != nil {
		t.Error("session still present after disconnect")
	}
	if r.Disconnect("c1") != nil {
		t.Error("second disconnect returned an entry")
	}
}

func TestCanModerate(t *testing.T) {
	cases := []struct {
		role Role
		want bool
	}{
		{Anonymous, false},
		{User, false},
		{Agent, false},
		{Admin, true},
		{SuperAdmin, true},
	}
	for _, tc := range cases {
		if got := tc.role.CanModerate(); got != tc.want {
			t.Errorf("%s.CanModerate() = %v, want %v", tc.role, got, tc.want)
		}
	}
}

func TestCanDeleteMessage(t *testing.T) {
	agent := &Session{Role: Agent, AgentID: "agent-1"}
	other := &Session{Role: Agent, AgentID: "agent-2"}
	admin := &Session{Role: Admin}

	if !CanDeleteMessage(agent, "agent-1", false) {
		t.Error("agent cannot delete own message")
	}
	if CanDeleteMessage(other, "agent-1", false) {
		t.Error("agent deleted another agent's message")
	}
	if CanDeleteMessage(agent, "agent-2", true) {
		t.Error("agent granted itself deleteForAll")
	}
	if !CanDeleteMessage(admin, "agent-1", true) {
		t.Error("admin denied deleteForAll")
	}
}
