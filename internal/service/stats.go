package service

import (
	"sort"
	"sync"

	"github.com/sentinelSCA/sentinel/internal/domain/policy"
)

// agentCounters tracks one agent's decision history.
type agentCounters struct {
	Allowed  int `json:"allowed"`
	Reviewed int `json:"reviewed"`
	Denied   int `json:"denied"`
}

// StatsEntry is one row of a top-offender table.
type StatsEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// StatsSnapshot is the /stats response body.
type StatsSnapshot struct {
	Total             int          `json:"total"`
	Allowed           int          `json:"allowed"`
	Reviewed          int          `json:"reviewed"`
	Denied            int          `json:"denied"`
	AgentsSeen        int          `json:"agents_seen"`
	TopDeniedAgents   []StatsEntry `json:"top_denied_agents"`
	TopDeniedCommands []StatsEntry `json:"top_denied_commands"`
}

// Stats keeps in-memory decision counters for /stats. Counters reset on
// restart; durable history lives in the audit chain.
type Stats struct {
	mu             sync.Mutex
	total          int
	byDecision     map[policy.Decision]int
	byAgent        map[string]*agentCounters
	deniedCommands map[string]int
}

// NewStats builds an empty collector.
func NewStats() *Stats {
	return &Stats{
		byDecision:     make(map[policy.Decision]int),
		byAgent:        make(map[string]*agentCounters),
		deniedCommands: make(map[string]int),
	}
}

// Record counts one decision.
func (s *Stats) Record(agent, command string, d policy.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.byDecision[d]++

	c, ok := s.byAgent[agent]
	if !ok {
		c = &agentCounters{}
		s.byAgent[agent] = c
	}
	switch d {
	case policy.Allow:
		c.Allowed++
	case policy.Review:
		c.Reviewed++
	case policy.Deny:
		c.Denied++
		s.deniedCommands[command]++
	}
}

// Agent returns one agent's counters.
func (s *Stats) Agent(agent string) agentCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byAgent[agent]; ok {
		return *c
	}
	return agentCounters{}
}

// Snapshot renders the collector with top-n offender tables.
func (s *Stats) Snapshot(n int) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Total:      s.total,
		Allowed:    s.byDecision[policy.Allow],
		Reviewed:   s.byDecision[policy.Review],
		Denied:     s.byDecision[policy.Deny],
		AgentsSeen: len(s.byAgent),
	}

	deniedAgents := make(map[string]int, len(s.byAgent))
	for agent, c := range s.byAgent {
		if c.Denied > 0 {
			deniedAgents[agent] = c.Denied
		}
	}
	snap.TopDeniedAgents = topN(deniedAgents, n)
	snap.TopDeniedCommands = topN(s.deniedCommands, n)
	return snap
}

// topN sorts a counter map descending by count, key ascending on ties.
func topN(counts map[string]int, n int) []StatsEntry {
	entries := make([]StatsEntry, 0, len(counts))
	for k, v := range counts {
		entries = append(entries, StatsEntry{Key: k, Count: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
