// Package abuse scores requests for abusive traits and manages the IP
// blocklist and abuse log kept in Redis.
package abuse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/myopenclawagent/internal/cache"
)

const (
	// WarnThreshold is the score at which a request is logged as suspicious.
	WarnThreshold = 5

	// AutoBlockThreshold is reserved for automatic blocking. Nothing acts on it yet.
	AutoBlockThreshold = 15

	// LargeBodyBytes is the Content-Length above which a request is scored as oversized.
	LargeBodyBytes = 100 * 1024

	blocklistKey = "abuse:blocklist"
	logKey       = "abuse:log"
	logCap       = 500

	badAgentScore  = 1
	missingUAScore = 2
	patternScore   = 5
	largeBodyScore = 3
)

// ErrCacheUnavailable is returned by blocklist writes when Redis is not configured.
var ErrCacheUnavailable = cache.ErrUnavailable

var badUserAgents = []string{
	"curl", "wget", "python", "scrapy", "bot", "crawler",
	"spider", "headless", "phantom", "selenium", "hydra",
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

var suspiciousPatterns = []pattern{
	{"path_traversal", regexp.MustCompile(`\.\./`)},
	{"command_injection", regexp.MustCompile(`\$\(|` + "`[^`]*`" + `|;\s*(rm|wget|curl|chmod|bash|sh|nc)\s`)},
	{"script_tag", regexp.MustCompile(`(?i)<script`)},
	{"sql_union", regexp.MustCompile(`(?i)union\s+select`)},
	{"eval_call", regexp.MustCompile(`(?i)eval\(`)},
}

// Request is the part of an HTTP request the scorer looks at.
type Request struct {
	IP            string
	Method        string
	Path          string
	UserAgent     string
	ContentLength int64
	// Payload is the request body followed by the decoded query string.
	Payload string
}

// Result is the outcome of scoring one request.
type Result struct {
	Score   int      `json:"score"`
	Signals []string `json:"signals,omitempty"`
}

// Suspicious reports whether the score reached WarnThreshold.
func (r Result) Suspicious() bool { return r.Score >= WarnThreshold }

// Score computes the additive abuse score for req. It never blocks.
func Score(req Request) Result {
	var res Result

	ua := strings.ToLower(req.UserAgent)
	if ua == "" {
		res.Score += missingUAScore
		res.Signals = append(res.Signals, "missing_user_agent")
	} else {
		for _, bad := range badUserAgents {
			if strings.Contains(ua, bad) {
				res.Score += badAgentScore
				res.Signals = append(res.Signals, "bad_user_agent")
				break
			}
		}
	}

	for _, p := range suspiciousPatterns {
		if p.re.MatchString(req.Payload) {
			res.Score += patternScore
			res.Signals = append(res.Signals, p.name)
		}
	}

	if req.ContentLength > LargeBodyBytes {
		res.Score += largeBodyScore
		res.Signals = append(res.Signals, "large_body")
	}
	return res
}

// LogEntry is one record in the abuse log.
type LogEntry struct {
	IP        string    `json:"ip"`
	Path      string    `json:"path"`
	Method    string    `json:"method"`
	UserAgent string    `json:"userAgent"`
	Score     int       `json:"score"`
	Signals   []string  `json:"signals,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Detector owns the blocklist and abuse log.
type Detector struct {
	cache  *cache.Accessor
	logger *slog.Logger
}

// NewDetector creates a detector. A nil or unconfigured accessor is allowed.
func NewDetector(c *cache.Accessor, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{cache: c, logger: logger}
}

// IsBlocked reports whether ip is on the blocklist. Cache failures read as
// not blocked.
func (d *Detector) IsBlocked(ctx context.Context, ip string) bool {
	c := d.cache.Client()
	if c == nil || ip == "" {
		return false
	}
	ctx, cancel := d.cache.OpContext(ctx)
	defer cancel()

	blocked, err := c.SIsMember(ctx, blocklistKey, ip).Result()
	if err != nil {
		d.cache.LogError("blocklist check", err)
		return false
	}
	return blocked
}

// Block adds ip to the blocklist.
func (d *Detector) Block(ctx context.Context, ip string) error {
	c := d.cache.Client()
	if c == nil {
		return ErrCacheUnavailable
	}
	ctx, cancel := d.cache.OpContext(ctx)
	defer cancel()
	if err := c.SAdd(ctx, blocklistKey, ip).Err(); err != nil {
		return fmt.Errorf("add %s to blocklist: %w", ip, err)
	}
	d.logger.Info("IP blocked", "ip", ip)
	return nil
}

// Unblock removes ip from the blocklist.
func (d *Detector) Unblock(ctx context.Context, ip string) error {
	c := d.cache.Client()
	if c == nil {
		return ErrCacheUnavailable
	}
	ctx, cancel := d.cache.OpContext(ctx)
	defer cancel()
	if err := c.SRem(ctx, blocklistKey, ip).Err(); err != nil {
		return fmt.Errorf("remove %s from blocklist: %w", ip, err)
	}
	d.logger.Info("IP unblocked", "ip", ip)
	return nil
}

// Blocked lists the blocklist members.
func (d *Detector) Blocked(ctx context.Context) ([]string, error) {
	c := d.cache.Client()
	if c == nil {
		return nil, ErrCacheUnavailable
	}
	ctx, cancel := d.cache.OpContext(ctx)
	defer cancel()
	ips, err := c.SMembers(ctx, blocklistKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	return ips, nil
}

// Record appends an entry to the abuse log, keeping the newest 500.
func (d *Detector) Record(ctx context.Context, e LogEntry) error {
	c := d.cache.Client()
	if c == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal abuse entry: %w", err)
	}

	ctx, cancel := d.cache.OpContext(ctx)
	defer cancel()
	pipe := c.Pipeline()
	pipe.LPush(ctx, logKey, data)
	pipe.LTrim(ctx, logKey, 0, logCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append abuse log: %w", err)
	}
	return nil
}

// RecentLog returns up to n of the newest abuse log entries.
func (d *Detector) RecentLog(ctx context.Context, n int) ([]LogEntry, error) {
	c := d.cache.Client()
	if c == nil {
		return nil, ErrCacheUnavailable
	}
	if n <= 0 || n > logCap {
		n = logCap
	}
	ctx, cancel := d.cache.OpContext(ctx)
	defer cancel()

	raw, err := c.LRange(ctx, logKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read abuse log: %w", err)
	}
	out := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var e LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

type ctxKey struct{}

// WithResult stores the score result in ctx for downstream handlers.
func WithResult(ctx context.Context, r Result) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// ResultFromContext returns the score result stored by WithResult.
func ResultFromContext(ctx context.Context) (Result, bool) {
	r, ok := ctx.Value(ctxKey{}).(Result)
	return r, ok
}
