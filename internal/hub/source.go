package hub

import (
	"fmt"
	"strings"
)

// Source selects which hub listing membership is read from.
type Source int

const (
	// SourceGroups reads /hub/api/groups: groups with their member users.
	SourceGroups Source = iota
	// SourceUsers reads /hub/api/users: users with their groups, including
	// users that belong to none.
	SourceUsers
)

// ParseSource parses "groups" or "users".
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "groups":
		return SourceGroups, nil
	case "users":
		return SourceUsers, nil
	default:
		return SourceGroups, fmt.Errorf("invalid hub source %q (must be groups or users)", s)
	}
}

// Path returns the API path of the listing.
func (s Source) Path() string {
	if s == SourceUsers {
		return "/hub/api/users"
	}
	return "/hub/api/groups"
}

func (s Source) String() string {
	if s == SourceUsers {
		return "users"
	}
	return "groups"
}

// Set implements pflag.Value.
func (s *Source) Set(v string) error {
	parsed, err := ParseSource(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Type implements pflag.Value.
func (s *Source) Type() string { return "source" }

// UnmarshalYAML parses the source once at load time.
func (s *Source) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v string
	if err := unmarshal(&v); err != nil {
		return err
	}
	return s.Set(v)
}

// MarshalYAML writes the source back in its string form.
func (s Source) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
