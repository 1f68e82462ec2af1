package membership

import (
	"fmt"
	"sort"
	"strings"
)

// Synthetic labels emitted alongside real group names.
const (
	LabelMultiple = "multiple"
	LabelNone     = "none"
)

// RecordKind distinguishes the two listing shapes returned by the hub.
type RecordKind int

const (
	// KindGroup is a group with its member user names.
	KindGroup RecordKind = iota
	// KindUser is a user with the names of the groups it belongs to.
	KindUser
)

// Record is one entry of a hub listing, normalized across endpoints.
type Record struct {
	Kind    RecordKind
	Name    string
	Members []string
}

// Scope selects which memberships count when deciding that a user belongs
// to multiple groups.
type Scope int

const (
	// ScopeAllowed counts only memberships in the allowed group set.
	ScopeAllowed Scope = iota
	// ScopeDiscovered counts every membership the hub reports.
	ScopeDiscovered
)

// ParseScope parses "allowed" or "discovered".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "allowed":
		return ScopeAllowed, nil
	case "discovered", "all":
		return ScopeDiscovered, nil
	default:
		return ScopeAllowed, fmt.Errorf("invalid multiple-group scope %q (must be allowed or discovered)", s)
	}
}

func (s Scope) String() string {
	if s == ScopeDiscovered {
		return "discovered"
	}
	return "allowed"
}

// Set implements pflag.Value.
func (s *Scope) Set(v string) error {
	parsed, err := ParseScope(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Type implements pflag.Value.
func (s *Scope) Type() string { return "scope" }

// UnmarshalYAML parses the scope once at load time.
func (s *Scope) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return err
	}
	return s.Set(v)
}

// MarshalYAML writes the scope back in its string form.
func (s Scope) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// Policy controls how raw memberships become labels.
type Policy struct {
	// AllowedGroups restricts emitted group labels. Empty allows every group.
	AllowedGroups map[string]struct{}
	// DoubleCount emits one label per group for multi-group users in
	// addition to LabelMultiple.
	DoubleCount bool
	// Scope selects what counts toward multi-group detection.
	Scope Scope
	// TrackUngrouped assigns LabelNone to users without allowed groups
	// instead of omitting them.
	TrackUngrouped bool
}

// NewAllowedGroups builds an allowed group set from a list of names.
// Blank names are ignored; an empty result allows every group.
func NewAllowedGroups(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func (p Policy) allowed(group string) bool {
	if len(p.AllowedGroups) == 0 {
		return true
	}
	_, ok := p.AllowedGroups[group]
	return ok
}

// Map maps a user name to its sorted set of labels.
type Map map[string][]string

// Users returns the user names in lexicographic order.
func (m Map) Users() []string {
	users := make([]string, 0, len(m))
	for user := range m {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Labels returns the labels held by user, or nil.
func (m Map) Labels(user string) []string {
	return m[user]
}

// Rows returns the number of (user, label) pairs in the map.
func (m Map) Rows() int {
	n := 0
	for _, labels := range m {
		n += len(labels)
	}
	return n
}

// Resolve inverts hub records into per-user labels according to policy.
// The result is deterministic for identical input regardless of record or
// member order.
func Resolve(records []Record, policy Policy) Map {
	discovered := make(map[string]map[string]struct{})
	ensure := func(user string) map[string]struct{} {
		groups, ok := discovered[user]
		if !ok {
			groups = make(map[string]struct{})
			discovered[user] = groups
		}
		return groups
	}

	for _, rec := range records {
		switch rec.Kind {
		case KindGroup:
			if rec.Name == "" {
				continue
			}
			for _, user := range rec.Members {
				if user == "" {
					continue
				}
				ensure(user)[rec.Name] = struct{}{}
			}
		case KindUser:
			if rec.Name == "" {
				continue
			}
			groups := ensure(rec.Name)
			for _, group := range rec.Members {
				if group != "" {
					groups[group] = struct{}{}
				}
			}
		}
	}

	result := make(Map, len(discovered))
	for user, groups := range discovered {
		allowed := make([]string, 0, len(groups))
		for group := range groups {
			if policy.allowed(group) {
				allowed = append(allowed, group)
			}
		}
		sort.Strings(allowed)

		if len(allowed) == 0 {
			if policy.TrackUngrouped {
				result[user] = []string{LabelNone}
			}
			continue
		}

		count := len(allowed)
		if policy.Scope == ScopeDiscovered {
			count = len(groups)
		}

		if count <= 1 {
			result[user] = allowed
			continue
		}

		labels := []string{LabelMultiple}
		if policy.DoubleCount {
			labels = append(labels, allowed...)
		}
		sort.Strings(labels)
		result[user] = dedupeSorted(labels)
	}

	return result
}

// dedupeSorted drops adjacent duplicates, e.g. a real group named "multiple".
func dedupeSorted(labels []string) []string {
	out := labels[:0]
	for i, l := range labels {
		if i == 0 || l != labels[i-1] {
			out = append(out, l)
		}
	}
	return out
}
