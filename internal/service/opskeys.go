package service

// Queue names for the ops control pipeline. Incident-side queues carry full
// JSON documents (optionally enveloped); action-side queues carry bare
// action ids bound to their records by digest.
const (
	QueueIncidents = "ops:incidents"
	QueueTriaged   = "ops:incidents:triaged"
	QueueDecisions = "ops:manager:decisions"

	QueueProposed         = "ops:actions:proposed"
	QueueProposedInflight = "ops:actions:proposed:inflight"
	QueueApproved         = "ops:actions:approved"
	QueueApprovedInflight = "ops:actions:approved:inflight"
	QueueExecuted         = "ops:actions:executed"
	QueueRejected         = "ops:actions:rejected"
	QueueQuarantine       = "ops:actions:quarantine"
)

// Gate and bookkeeping keys.
const (
	KeyBudgetActions   = "ops:budget:actions"
	KeyReaperHeartbeat = "ops:reaper:heartbeat"
)

func keyDedupe(fp string) string            { return "ops:dedupe:" + fp }
func keyRateLimit(fp string) string         { return "ops:ratelimit:" + fp }
func keyProposedFP(fp string) string        { return "ops:proposed:fp:" + fp }
func keyCooldown(typ, target string) string { return "ops:cooldown:" + typ + ":" + target }
func keyExecDone(id string) string          { return "ops:exec:done:" + id }
func keyRequeueCount(origin, id string) string {
	return "ops:requeue_count:" + origin + ":" + id
}
func keyProbeState(svc string) string     { return "ops:probe:state:" + svc }
func keyProbeFailCount(svc string) string { return "ops:probe:failcount:" + svc }
