package service

import (
	"testing"

	"github.com/sentinelSCA/sentinel/internal/domain/policy"
)

func TestStats_SnapshotAndTopN(t *testing.T) {
	t.Parallel()

	s := NewStats()
	s.Record("a1", "ls", policy.Allow)
	s.Record("a1", "rm -rf /", policy.Deny)
	s.Record("a1", "rm -rf /", policy.Deny)
	s.Record("a2", "mkfs /dev/sda", policy.Deny)
	s.Record("a3", "apt install jq", policy.Review)

	snap := s.Snapshot(2)
	if snap.Total != 5 || snap.Allowed != 1 || snap.Reviewed != 1 || snap.Denied != 3 {
		t.Errorf("snapshot totals = %+v", snap)
	}
	if snap.AgentsSeen != 3 {
		t.Errorf("agents_seen = %d, want 3", snap.AgentsSeen)
	}

	if len(snap.TopDeniedAgents) != 2 || snap.TopDeniedAgents[0].Key != "a1" || snap.TopDeniedAgents[0].Count != 2 {
		t.Errorf("top denied agents = %+v", snap.TopDeniedAgents)
	}
	if snap.TopDeniedCommands[0].Key != "rm -rf /" {
		t.Errorf("top denied commands = %+v", snap.TopDeniedCommands)
	}

	agent := s.Agent("a1")
	if agent.Allowed != 1 || agent.Denied != 2 {
		t.Errorf("Agent(a1) = %+v", agent)
	}
	if got := s.Agent("unknown"); got != (agentCounters{}) {
		t.Errorf("Agent(unknown) = %+v", got)
	}
}
