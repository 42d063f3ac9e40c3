// Package throttle decides, before anything is written, whether an inbound
// crash report is accepted, deferred for low priority processing, or
// discarded.
package throttle

import (
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/dharsanguruparan/CrashVault/internal/model"
	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("throttle")

// Decision is the outcome of admission control. The numeric values are stored
// in report metadata as legacy_processing.
type Decision int

const (
	Accept Decision = iota
	Defer
	Discard
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "ACCEPT"
	case Defer:
		return "DEFER"
	case Discard:
		return "DISCARD"
	}
	return "UNKNOWN"
}

// Condition tests a report.
type Condition func(report model.Metadata) bool

// Match reports whether the condition holds for report.
func (c Condition) Match(report model.Metadata) bool { return c(report) }

// FieldRegexp matches when field is present and re finds a match in it.
func FieldRegexp(field string, re *regexp.Regexp) Condition {
	return func(report model.Metadata) bool {
		v, ok := report.String(field)
		return ok && re.MatchString(v)
	}
}

// FieldEquals matches when field is present and equal to want.
func FieldEquals(field, want string) Condition {
	return func(report model.Metadata) bool {
		v, ok := report.String(field)
		return ok && v == want
	}
}

// Always matches every report.
func Always() Condition {
	return func(model.Metadata) bool { return true }
}

// Rule is one entry of the ordered rule list. Percentage is the share of
// matching reports that are accepted.
type Rule struct {
	Name       string
	Condition  Condition
	Percentage float64
}

// Options tune a Throttler.
type Options struct {
	// MinimalVersions maps a product to the first version whose clients
	// understand a refusal.
	MinimalVersions map[string]string
	// NeverDiscard turns every discard into a defer.
	NeverDiscard bool
	// Seed fixes the random draw sequence. Zero seeds from the clock.
	Seed int64
}

// Throttler evaluates rules in order; the first match flips a coin weighted
// by its percentage. A report no rule matches is throttled.
type Throttler struct {
	rules           []Rule
	minimalVersions map[string]string
	neverDiscard    bool

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs a Throttler over rules.
func New(rules []Rule, opts Options) *Throttler {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Throttler{
		rules:           rules,
		minimalVersions: opts.MinimalVersions,
		neverDiscard:    opts.NeverDiscard,
		rng:             rand.New(rand.NewSource(seed)),
	}
}

// Throttle returns the decision for report. Reports marked Throttleable=0
// are always accepted.
func (t *Throttler) Throttle(report model.Metadata) Decision {
	if v, ok := report.Int(model.KeyThrottleable); ok && v == 0 {
		return Accept
	}
	product, _ := report.String(model.KeyProductName)
	version, _ := report.String(model.KeyVersion)
	if !t.throttled(report) {
		log.Debugf("not throttled %s %s", product, version)
		return Accept
	}
	if t.UnderstandsRefusal(report) && !t.neverDiscard {
		log.Debugf("discarding %s %s", product, version)
		return Discard
	}
	log.Debugf("deferring %s %s", product, version)
	return Defer
}

func (t *Throttler) throttled(report model.Metadata) bool {
	for _, r := range t.rules {
		if !r.Condition.Match(report) {
			continue
		}
		return t.draw() > r.Percentage
	}
	return true
}

func (t *Throttler) draw() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64() * 100
}

// UnderstandsRefusal reports whether the submitting client is new enough to
// handle a refusal instead of retrying forever.
func (t *Throttler) UnderstandsRefusal(report model.Metadata) bool {
	product, ok := report.String(model.KeyProductName)
	if !ok {
		return false
	}
	minimal, ok := t.minimalVersions[product]
	if !ok {
		return false
	}
	version, ok := report.String(model.KeyVersion)
	if !ok {
		return false
	}
	return CompareVersions(version, minimal) >= 0
}
