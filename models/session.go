package models

import "fmt"

// Session is a market session used to stretch cadences outside regular hours.
type Session string

const (
	SessionPreMarket  Session = "pre_market"
	SessionRegular    Session = "regular"
	SessionAfterHours Session = "after_hours"
	SessionOvernight  Session = "overnight"
	SessionWeekend    Session = "weekend"
)

var Sessions = []Session{SessionPreMarket, SessionRegular, SessionAfterHours, SessionOvernight, SessionWeekend}

func ParseSession(s string) (Session, error) {
	for _, known := range Sessions {
		if string(known) == s {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown market session %q", s)
}
