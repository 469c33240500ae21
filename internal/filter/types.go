package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/coman3/YetAnotherProxyManager/internal/ipclass"
)

// Action is the admission outcome of a rule group or configuration.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

func (a Action) IsValid() bool {
	return a == ActionAllow || a == ActionDeny
}

// Operator combines the rule results of a group.
type Operator string

const (
	OperatorAnd Operator = "and"
	OperatorOr  Operator = "or"
)

func (o Operator) IsValid() bool {
	return o == OperatorAnd || o == OperatorOr
}

// RuleType tags which payload of a Rule is populated.
type RuleType string

const (
	RuleIP           RuleType = "ip"
	RuleIPRange      RuleType = "ip_range"
	RuleCIDR         RuleType = "cidr"
	RulePredefined   RuleType = "predefined"
	RuleGeoCountry   RuleType = "geo_country"
	RuleGeoContinent RuleType = "geo_continent"
	RuleTimeWindow   RuleType = "time_window"
	RuleHeader       RuleType = "header"
)

// PredefinedClass names a well-known address class.
type PredefinedClass string

const (
	ClassLocalOnly   PredefinedClass = "local_only"
	ClassPrivateOnly PredefinedClass = "private_only"
	ClassPublicOnly  PredefinedClass = "public_only"
)

// ErrInvalidRule is wrapped by every validation failure.
var ErrInvalidRule = errors.New("invalid filter rule")

// Configuration is the admission policy of one route.
type Configuration struct {
	RouteID       string      `yaml:"route_id" json:"route_id"`
	Enabled       bool        `yaml:"enabled" json:"enabled"`
	DefaultAction Action      `yaml:"default_action" json:"default_action"`
	Groups        []RuleGroup `yaml:"groups" json:"groups"`
}

// RuleGroup joins its rules with Operator; when the group matches, Action is the verdict.
// Groups with a higher Priority are evaluated first.
type RuleGroup struct {
	Name     string   `yaml:"name" json:"name"`
	Priority int      `yaml:"priority" json:"priority"`
	Operator Operator `yaml:"operator" json:"operator"`
	Action   Action   `yaml:"action" json:"action"`
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Rules    []Rule   `yaml:"rules" json:"rules"`
}

// Rule is a single predicate. Exactly one payload, the one named by Type, must be set.
type Rule struct {
	Type   RuleType `yaml:"type" json:"type"`
	Negate bool     `yaml:"negate,omitempty" json:"negate,omitempty"`

	IP         *IPRule         `yaml:"ip,omitempty" json:"ip,omitempty"`
	IPRange    *IPRangeRule    `yaml:"ip_range,omitempty" json:"ip_range,omitempty"`
	CIDR       *CIDRRule       `yaml:"cidr,omitempty" json:"cidr,omitempty"`
	Predefined *PredefinedRule `yaml:"predefined,omitempty" json:"predefined,omitempty"`
	Country    *GeoRule        `yaml:"country,omitempty" json:"country,omitempty"`
	Continent  *GeoRule        `yaml:"continent,omitempty" json:"continent,omitempty"`
	TimeWindow *TimeWindowRule `yaml:"time_window,omitempty" json:"time_window,omitempty"`
	Header     *HeaderRule     `yaml:"header,omitempty" json:"header,omitempty"`
}

type IPRule struct {
	Address string `yaml:"address" json:"address"`
}

type IPRangeRule struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

type CIDRRule struct {
	Block string `yaml:"block" json:"block"`
}

type PredefinedRule struct {
	Class PredefinedClass `yaml:"class" json:"class"`
}

// GeoRule matches country or continent codes, case-insensitively.
type GeoRule struct {
	Codes []string `yaml:"codes" json:"codes"`
}

// TimeWindowRule matches when the current time, in Timezone (UTC when empty),
// falls on one of Days, between Start and End ("15:04"), and within the inclusive
// StartDate..EndDate range ("2006-01-02"). Empty fields do not constrain.
// A Start later than End wraps past midnight; equal Start and End is rejected
// and never matches.
type TimeWindowRule struct {
	Days      []string `yaml:"days,omitempty" json:"days,omitempty"`
	Start     string   `yaml:"start,omitempty" json:"start,omitempty"`
	End       string   `yaml:"end,omitempty" json:"end,omitempty"`
	Timezone  string   `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	StartDate string   `yaml:"start_date,omitempty" json:"start_date,omitempty"`
	EndDate   string   `yaml:"end_date,omitempty" json:"end_date,omitempty"`
}

// HeaderRule matches a request header. A nil Value matches on presence alone.
type HeaderRule struct {
	Name  string  `yaml:"name" json:"name"`
	Value *string `yaml:"value,omitempty" json:"value,omitempty"`
	Regex bool    `yaml:"regex,omitempty" json:"regex,omitempty"`
}

const dateLayout = "2006-01-02"

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekday(s string) (time.Weekday, bool) {
	d, ok := weekdays[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// parseClock returns minutes since midnight for "15:04" or "15:04:05".
func parseClock(s string) (int, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("time of day %q: expected HH:MM", s)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// payloads returns the rule type of every populated payload.
func (r Rule) payloads() []RuleType {
	var set []RuleType
	if r.IP != nil {
		set = append(set, RuleIP)
	}
	if r.IPRange != nil {
		set = append(set, RuleIPRange)
	}
	if r.CIDR != nil {
		set = append(set, RuleCIDR)
	}
	if r.Predefined != nil {
		set = append(set, RulePredefined)
	}
	if r.Country != nil {
		set = append(set, RuleGeoCountry)
	}
	if r.Continent != nil {
		set = append(set, RuleGeoContinent)
	}
	if r.TimeWindow != nil {
		set = append(set, RuleTimeWindow)
	}
	if r.Header != nil {
		set = append(set, RuleHeader)
	}
	return set
}

// Validate checks that exactly the payload named by Type is set and that it is well formed.
func (r Rule) Validate() error {
	set := r.payloads()
	if len(set) != 1 || set[0] != r.Type {
		return invalid("rule of type %q must carry exactly its own payload, found %v", r.Type, set)
	}

	switch r.Type {
	case RuleIP:
		if ipclass.Parse(r.IP.Address) == nil {
			return invalid("bad address %q", r.IP.Address)
		}
	case RuleIPRange:
		start, end := ipclass.Parse(r.IPRange.Start), ipclass.Parse(r.IPRange.End)
		if start == nil || end == nil || len(start) != len(end) {
			return invalid("bad range %q-%q", r.IPRange.Start, r.IPRange.End)
		}
	case RuleCIDR:
		if _, _, ok := ipclass.ParseCIDR(r.CIDR.Block); !ok {
			return invalid("bad cidr %q", r.CIDR.Block)
		}
	case RulePredefined:
		switch r.Predefined.Class {
		case ClassLocalOnly, ClassPrivateOnly, ClassPublicOnly:
		default:
			return invalid("unknown predefined class %q", r.Predefined.Class)
		}
	case RuleGeoCountry, RuleGeoContinent:
		g := r.Country
		if g == nil {
			g = r.Continent
		}
		if len(g.Codes) == 0 {
			return invalid("%s rule without codes", r.Type)
		}
	case RuleTimeWindow:
		return r.TimeWindow.validate()
	case RuleHeader:
		if strings.TrimSpace(r.Header.Name) == "" {
			return invalid("header rule without name")
		}
		if r.Header.Regex && r.Header.Value != nil {
			if _, err := regexp.Compile(*r.Header.Value); err != nil {
				return invalid("header pattern: %v", err)
			}
		}
	default:
		return invalid("unknown rule type %q", r.Type)
	}
	return nil
}

func (w *TimeWindowRule) validate() error {
	for _, d := range w.Days {
		if _, ok := parseWeekday(d); !ok {
			return invalid("unknown weekday %q", d)
		}
	}
	bounds := [2]int{0, 24 * 60}
	for i, s := range []string{w.Start, w.End} {
		if s == "" {
			continue
		}
		m, err := parseClock(s)
		if err != nil {
			return invalid("%v", err)
		}
		bounds[i] = m
	}
	if (w.Start != "" || w.End != "") && bounds[0] == bounds[1] {
		return invalid("time window %q-%q is empty", w.Start, w.End)
	}
	for _, s := range []string{w.StartDate, w.EndDate} {
		if s == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, s); err != nil {
			return invalid("date %q: expected YYYY-MM-DD", s)
		}
	}
	return nil
}

// Validate checks the configuration and every enabled and disabled rule.
func (c *Configuration) Validate() error {
	if c.DefaultAction != "" && !c.DefaultAction.IsValid() {
		return invalid("default action %q", c.DefaultAction)
	}
	for i, g := range c.Groups {
		if !g.Action.IsValid() {
			return invalid("group %q: action %q", g.Name, g.Action)
		}
		if !g.Operator.IsValid() {
			return invalid("group %q: operator %q", g.Name, g.Operator)
		}
		for j, r := range g.Rules {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("group %d (%s) rule %d: %w", i, g.Name, j, err)
			}
		}
	}
	return nil
}
