package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
)

// Version is the default policy version advertised in decisions.
const Version = "v2"

// maxExpressionLength bounds operator-supplied CEL expressions.
const maxExpressionLength = 1024

// denyPattern pairs a compiled regex with the reason attached on match.
type denyPattern struct {
	re     *regexp.Regexp
	reason string
}

// denyPatterns are the built-in hard denies, first match wins.
// Word-boundary aware and case-insensitive.
var denyPatterns = []denyPattern{
	// dd wipe pattern (destructive write)
	{regexp.MustCompile(`(?i)\bdd\b.*\bif=/dev/zero\b.*\bof=/dev/\S+`),
		`Matched high-risk pattern: 'dd if=/dev/zero of=/dev/*'`},

	// mkfs / wipefs (disk destructive)
	{regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
		`Matched high-risk pattern: 'mkfs'`},
	{regexp.MustCompile(`(?i)\bwipefs\b`),
		`Matched high-risk pattern: 'wipefs'`},

	// rm -rf (catastrophic delete)
	{regexp.MustCompile(`(?i)\brm\s+-rf\b`),
		`Matched high-risk pattern: 'rm -rf'`},
	{regexp.MustCompile(`(?i)\brm\s+-f\s+/\s*$`),
		`Matched high-risk pattern: 'rm -f /'`},
	{regexp.MustCompile(`(?i)\brm\s+-f\s+/\*\s*$`),
		`Matched high-risk pattern: 'rm -f /*'`},
	{regexp.MustCompile(`(?i)\brm\s+-rf\b.*--no-preserve-root\b`),
		`Matched high-risk pattern: 'rm -rf --no-preserve-root'`},

	// chmod/chown bombs on root
	{regexp.MustCompile(`(?i)\bchmod\b.*\s-R\s+777\s+/\s*$`),
		`Matched high-risk pattern: 'chmod -R 777 /'`},
	{regexp.MustCompile(`(?i)\bchown\b.*\s-R\s+\S+\s+/\s*$`),
		`Matched high-risk pattern: 'chown -R * /'`},
}

// compiledRule is an ExtensionRule with its CEL program ready to run.
type compiledRule struct {
	name    string
	program cel.Program
	action  Decision
	reason  string
}

// Config holds the tunables for an Engine.
type Config struct {
	// Version is the policy version string attached to responses.
	Version string
	// DenyAt is the integer reputation at or below which everything is denied.
	DenyAt int
	// ReviewAt is the integer reputation at or below which everything is reviewed.
	ReviewAt int
	// ExtensionRules are optional CEL rules evaluated after the built-ins.
	ExtensionRules []ExtensionRule
	// CacheSize bounds the decision cache (default 4096).
	CacheSize int
}

// Engine evaluates commands. Safe for concurrent use.
type Engine struct {
	version  string
	denyAt   int
	reviewAt int
	rules    []compiledRule
	cache    *resultCache
	logger   *slog.Logger
}

// NewEngine compiles the extension rules and returns a ready engine.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Version == "" {
		cfg.Version = Version
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}

	env, err := cel.NewEnv(
		cel.Variable("command", cel.StringType),
		cel.Variable("reputation", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create policy environment: %w", err)
	}

	rules := make([]compiledRule, 0, len(cfg.ExtensionRules))
	for _, r := range cfg.ExtensionRules {
		if len(r.Condition) > maxExpressionLength {
			return nil, fmt.Errorf("rule %q: expression too long (%d chars, max %d)",
				r.Name, len(r.Condition), maxExpressionLength)
		}
		action := Decision(r.Action)
		if action != Deny && action != Review {
			return nil, fmt.Errorf("rule %q: action must be deny or review, got %q", r.Name, r.Action)
		}

		ast, issues := env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: compilation failed: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("rule %q: program creation failed: %w", r.Name, err)
		}

		reason := r.Reason
		if reason == "" {
			reason = fmt.Sprintf("Matched policy rule: %s", r.Name)
		}
		rules = append(rules, compiledRule{name: r.Name, program: prg, action: action, reason: reason})
	}

	return &Engine{
		version:  cfg.Version,
		denyAt:   cfg.DenyAt,
		reviewAt: cfg.ReviewAt,
		rules:    rules,
		cache:    newResultCache(cfg.CacheSize),
		logger:   logger,
	}, nil
}

// Version returns the policy version string.
func (e *Engine) Version() string {
	return e.version
}

// Evaluate classifies one command under the given integer reputation.
// Order: reputation gate, built-in deny patterns, extension rules, default allow.
func (e *Engine) Evaluate(command string, reputation int) Result {
	key := cacheKey(command, reputation)
	if res, ok := e.cache.get(key); ok {
		return res
	}

	res := e.evaluate(command, reputation)
	e.cache.put(key, res)
	return res
}

func (e *Engine) evaluate(command string, reputation int) Result {
	// 1) Reputation gate overrides everything.
	if reputation <= e.denyAt {
		return Result{Deny, RiskHigh, 0.99, fmt.Sprintf("Reputation too low (<= %d)", e.denyAt)}
	}
	if reputation <= e.reviewAt {
		return Result{Review, RiskMedium, 0.60, fmt.Sprintf("Reputation low (<= %d)", e.reviewAt)}
	}

	// 2) Built-in hard denies, first match wins.
	for _, p := range denyPatterns {
		if p.re.MatchString(command) {
			return Result{Deny, RiskHigh, 0.95, p.reason}
		}
	}

	// 3) Operator extension rules.
	for _, r := range e.rules {
		out, _, err := r.program.Eval(map[string]any{
			"command":    command,
			"reputation": reputation,
		})
		if err != nil {
			// A broken rule must not block the pipeline; skip it.
			e.logger.Warn("policy rule evaluation failed", "rule", r.name, "error", err)
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		if r.action == Deny {
			return Result{Deny, RiskHigh, 0.90, r.reason}
		}
		return Result{Review, RiskMedium, 0.55, r.reason}
	}

	// 4) Default safe.
	return Result{Allow, RiskLow, 0.05, "No policy violations detected"}
}

// ApplyScoreGate applies the float-oracle gate to a pattern result.
// Hard denies are never upgraded; an allow below autoDeny becomes a deny,
// and any non-deny below autoReview becomes a review.
func ApplyScoreGate(res Result, score, autoDeny, autoReview float64) Result {
	if res.Decision == Deny {
		return res
	}
	if res.Decision == Allow && score < autoDeny {
		return Result{Deny, RiskHigh, 0.90,
			fmt.Sprintf("Reputation score %.2f below auto-deny threshold %.2f", score, autoDeny)}
	}
	if score < autoReview {
		return Result{Review, RiskMedium, 0.60,
			fmt.Sprintf("Reputation score %.2f below auto-review threshold %.2f", score, autoReview)}
	}
	return res
}

// cacheKey hashes (command, reputation) into a cache key.
func cacheKey(command string, reputation int) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(command)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.Itoa(reputation))
	return h.Sum64()
}

// resultCache is a bounded LRU of evaluation results.
type resultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry
	tail    *lruEntry
	maxSize int
}

type lruEntry struct {
	key    uint64
	result Result
	prev   *lruEntry
	next   *lruEntry
}

func newResultCache(maxSize int) *resultCache {
	return &resultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *resultCache) get(key uint64) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.result, true
	}
	return Result{}, false
}

func (c *resultCache) put(key uint64, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.result = res
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, result: res}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *resultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *resultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *resultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *resultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
