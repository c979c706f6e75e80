package ratelimit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operation classes gated by the limiter.
const (
	OpPost       = "post"
	OpEdit       = "edit"
	OpStream     = "stream"
	OpTyping     = "typing"
	OpMembership = "membership"
	OpSubscribe  = "subscribe"
)

// DefaultProfile names the profile used for unassigned operations.
const DefaultProfile = "default"

// Profiles maps operation classes to named limits.
type Profiles struct {
	limits      map[string]Limit
	assignments map[string]string
}

// NewProfiles creates a profile set containing only the default limit.
func NewProfiles(def Limit) *Profiles {
	return &Profiles{
		limits:      map[string]Limit{DefaultProfile: def},
		assignments: make(map[string]string),
	}
}

// ParseProfiles builds a profile set from the default limit plus two
// comma-separated lists: "name=rate:burst,..." and "op=profile,...".
func ParseProfiles(def Limit, profiles, assignments string) (*Profiles, error) {
	p := NewProfiles(def)

	for _, part := range splitList(profiles) {
		name, spec, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit profile %q: want name=rate:burst", part)
		}
		rateStr, burstStr, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit profile %q: want name=rate:burst", part)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(rateStr), 64)
		if err != nil || rate <= 0 {
			return nil, fmt.Errorf("invalid rate in profile %q", part)
		}
		burst, err := strconv.Atoi(strings.TrimSpace(burstStr))
		if err != nil || burst < 1 {
			return nil, fmt.Errorf("invalid burst in profile %q", part)
		}
		p.limits[strings.TrimSpace(name)] = Limit{Rate: rate, Burst: burst}
	}

	for _, part := range splitList(assignments) {
		op, name, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid rate limit assignment %q: want op=profile", part)
		}
		op, name = strings.TrimSpace(op), strings.TrimSpace(name)
		if _, known := p.limits[name]; !known {
			return nil, fmt.Errorf("assignment %q references unknown profile %q", op, name)
		}
		p.assignments[op] = name
	}

	return p, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Resolve returns the profile name and limit for op. Unassigned operations get
// the default profile.
func (p *Profiles) Resolve(op string) (string, Limit) {
	name, ok := p.assignments[op]
	if !ok {
		name = DefaultProfile
	}
	return name, p.limits[name]
}

// Names lists the configured profile names in sorted order.
func (p *Profiles) Names() []string {
	names := make([]string, 0, len(p.limits))
	for name := range p.limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
