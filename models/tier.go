package models

import (
	"fmt"
	"strings"
)

// Tier is a priority class. Lower values are served first.
type Tier int

const (
	TierCritical Tier = iota
	TierImportant
	TierNiceToHave
	TierBackground
)

// Tiers lists every tier from highest to lowest priority.
var Tiers = []Tier{TierCritical, TierImportant, TierNiceToHave, TierBackground}

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierImportant:
		return "important"
	case TierNiceToHave:
		return "nice_to_have"
	case TierBackground:
		return "background"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Low reports whether the tier is starved first when quota runs short.
func (t Tier) Low() bool {
	return t >= TierNiceToHave
}

// ParseTier accepts the canonical names plus hyphenated and spaced spellings.
func ParseTier(s string) (Tier, error) {
	norm := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch norm {
	case "critical":
		return TierCritical, nil
	case "important":
		return TierImportant, nil
	case "nice_to_have", "nicetohave":
		return TierNiceToHave, nil
	case "background":
		return TierBackground, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
