// Package filter evaluates per-route admission policies: prioritized rule groups over
// client address, geography, time of day and request headers.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coman3/YetAnotherProxyManager/internal/geo"
	"github.com/coman3/YetAnotherProxyManager/internal/ipclass"
	"github.com/coman3/YetAnotherProxyManager/internal/logger"
)

// Decision is the verdict of an evaluation. Group is empty unless a group matched.
type Decision struct {
	Action Action
	Reason string
	Group  string
}

func (d Decision) Allowed() bool {
	return d.Action != ActionDeny
}

// Evaluator is safe for concurrent use. Its only shared state is a cache of compiled
// header patterns and loaded time zones.
type Evaluator struct {
	geo geo.Lookup
	log *slog.Logger
	now func() time.Time

	patterns sync.Map // string -> *regexp.Regexp, or error
	zones    sync.Map // string -> *time.Location
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used by time-window rules.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithLogger sets the logger used for rule evaluation problems.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.log = l }
}

// NewEvaluator creates an evaluator. lookup may be nil, in which case geo rules never match.
func NewEvaluator(lookup geo.Lookup, opts ...Option) *Evaluator {
	e := &Evaluator{
		geo: lookup,
		log: logger.With("component", "filter"),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// request carries the per-call inputs and the lazily resolved location.
type request struct {
	ctx     context.Context
	ip      net.IP
	headers http.Header
	now     time.Time

	loc      *geo.Location
	resolved bool
}

// Evaluate returns the admission decision of cfg for a client. headers may be nil when
// no request-header context exists, in which case header rules never match.
func (e *Evaluator) Evaluate(ctx context.Context, cfg *Configuration, clientIP net.IP, headers http.Header) Decision {
	if cfg == nil {
		return Decision{Action: ActionAllow, Reason: "no filter configured"}
	}
	if !cfg.Enabled {
		return Decision{Action: ActionAllow, Reason: "filtering disabled"}
	}

	groups := make([]*RuleGroup, 0, len(cfg.Groups))
	for i := range cfg.Groups {
		if cfg.Groups[i].Enabled {
			groups = append(groups, &cfg.Groups[i])
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Priority > groups[j].Priority
	})

	req := &request{ctx: ctx, ip: clientIP, headers: headers, now: e.now().UTC()}
	for _, g := range groups {
		if e.groupMatches(req, g) {
			return Decision{
				Action: g.Action,
				Reason: fmt.Sprintf("matched rule group %q", g.Name),
				Group:  g.Name,
			}
		}
	}

	def := cfg.DefaultAction
	if def == "" {
		def = ActionAllow
	}
	return Decision{Action: def, Reason: fmt.Sprintf("no rules matched, default %s", def)}
}

func (e *Evaluator) groupMatches(req *request, g *RuleGroup) bool {
	if len(g.Rules) == 0 {
		return false
	}
	switch g.Operator {
	case OperatorOr:
		for i := range g.Rules {
			if e.ruleMatches(req, &g.Rules[i]) {
				return true
			}
		}
		return false
	case OperatorAnd:
		for i := range g.Rules {
			if !e.ruleMatches(req, &g.Rules[i]) {
				return false
			}
		}
		return true
	default:
		e.log.Warn("rule group has unknown operator", "group", g.Name, "operator", g.Operator)
		return false
	}
}

// ruleMatches evaluates one rule and applies its negation.
func (e *Evaluator) ruleMatches(req *request, r *Rule) bool {
	matched := e.evalRule(req, r)
	if r.Negate {
		return !matched
	}
	return matched
}

func (e *Evaluator) evalRule(req *request, r *Rule) bool {
	switch r.Type {
	case RuleIP:
		if r.IP == nil {
			return false
		}
		want := ipclass.Parse(r.IP.Address)
		return want != nil && req.ip != nil && want.Equal(req.ip)
	case RuleIPRange:
		if r.IPRange == nil {
			return false
		}
		return ipclass.InRange(req.ip, r.IPRange.Start, r.IPRange.End)
	case RuleCIDR:
		if r.CIDR == nil {
			return false
		}
		return ipclass.InCIDR(req.ip, r.CIDR.Block)
	case RulePredefined:
		if r.Predefined == nil {
			return false
		}
		return matchClass(req.ip, r.Predefined.Class)
	case RuleGeoCountry:
		if r.Country == nil {
			return false
		}
		loc := e.locate(req)
		return loc != nil && containsFold(r.Country.Codes, loc.CountryCode)
	case RuleGeoContinent:
		if r.Continent == nil {
			return false
		}
		loc := e.locate(req)
		return loc != nil && containsFold(r.Continent.Codes, loc.ContinentCode)
	case RuleTimeWindow:
		if r.TimeWindow == nil {
			return false
		}
		return e.inWindow(req.now, r.TimeWindow)
	case RuleHeader:
		if r.Header == nil {
			return false
		}
		return e.headerMatches(req.headers, r.Header)
	default:
		e.log.Warn("unknown rule type", "type", r.Type)
		return false
	}
}

func matchClass(ip net.IP, class PredefinedClass) bool {
	switch class {
	case ClassLocalOnly:
		return ipclass.IsPrivate(ip) || ipclass.IsLoopback(ip)
	case ClassPrivateOnly:
		return ipclass.IsPrivate(ip)
	case ClassPublicOnly:
		return ipclass.IsPublic(ip)
	}
	return false
}

// locate resolves the client location once per evaluation. Failures yield nil.
func (e *Evaluator) locate(req *request) *geo.Location {
	if req.resolved {
		return req.loc
	}
	req.resolved = true

	if e.geo == nil {
		e.log.Debug("geo rule without geolocation provider", "ip", req.ip)
		return nil
	}
	if req.ip == nil {
		return nil
	}
	loc, err := e.geo.Lookup(req.ctx, req.ip)
	if err != nil {
		e.log.Debug("geolocation lookup failed", "ip", req.ip, "error", err)
		return nil
	}
	if loc == nil {
		e.log.Debug("no geolocation data", "ip", req.ip)
	}
	req.loc = loc
	return loc
}

func containsFold(set []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

func (e *Evaluator) location(name string) *time.Location {
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC
	}
	if v, ok := e.zones.Load(name); ok {
		return v.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		e.log.Warn("unknown timezone, using UTC", "timezone", name, "error", err)
		loc = time.UTC
	}
	e.zones.Store(name, loc)
	return loc
}

func (e *Evaluator) inWindow(now time.Time, w *TimeWindowRule) bool {
	local := now.In(e.location(w.Timezone))

	if len(w.Days) > 0 {
		found := false
		for _, d := range w.Days {
			wd, ok := parseWeekday(d)
			if !ok {
				e.log.Warn("ignoring unknown weekday", "day", d)
				continue
			}
			if wd == local.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if w.Start != "" || w.End != "" {
		start, end := 0, 24*60
		var err error
		if w.Start != "" {
			if start, err = parseClock(w.Start); err != nil {
				e.log.Warn("time window rule has bad start", "error", err)
				return false
			}
		}
		if w.End != "" {
			if end, err = parseClock(w.End); err != nil {
				e.log.Warn("time window rule has bad end", "error", err)
				return false
			}
		}
		minute := local.Hour()*60 + local.Minute()
		switch {
		case start == end:
			return false
		case start < end:
			if minute < start || minute >= end {
				return false
			}
		case start > end:
			// overnight, e.g. 22:00-06:00
			if minute < start && minute >= end {
				return false
			}
		}
	}

	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	if w.StartDate != "" {
		from, err := time.Parse(dateLayout, w.StartDate)
		if err != nil {
			e.log.Warn("time window rule has bad start date", "date", w.StartDate)
			return false
		}
		if day.Before(from) {
			return false
		}
	}
	if w.EndDate != "" {
		to, err := time.Parse(dateLayout, w.EndDate)
		if err != nil {
			e.log.Warn("time window rule has bad end date", "date", w.EndDate)
			return false
		}
		if day.After(to) {
			return false
		}
	}
	return true
}

func (e *Evaluator) headerMatches(headers http.Header, h *HeaderRule) bool {
	if headers == nil {
		return false
	}
	values := headerValues(headers, h.Name)
	if len(values) == 0 {
		return false
	}
	if h.Value == nil {
		return true
	}

	if !h.Regex {
		for _, v := range values {
			if strings.EqualFold(v, *h.Value) {
				return true
			}
		}
		return false
	}

	re := e.pattern(*h.Value)
	if re == nil {
		return false
	}
	for _, v := range values {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// headerValues looks the header up canonically and falls back to a case-insensitive
// scan for maps built without canonical keys.
func headerValues(headers http.Header, name string) []string {
	if v := headers.Values(name); len(v) > 0 {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func (e *Evaluator) pattern(expr string) *regexp.Regexp {
	if v, ok := e.patterns.Load(expr); ok {
		re, _ := v.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		e.log.Warn("invalid header pattern, rule will not match", "pattern", expr, "error", err)
		e.patterns.Store(expr, err)
		return nil
	}
	e.patterns.Store(expr, re)
	return re
}
