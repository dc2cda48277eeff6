package schedule

import (
	"time"

	"feedflow/models"
)

// Calendar maps wall-clock instants to market sessions in the exchange time
// zone and looks up the cadence multiplier for each session.
type Calendar struct {
	loc         *time.Location
	multipliers map[models.Session]float64
}

// NewCalendar copies multipliers. A nil location means America/New_York.
func NewCalendar(loc *time.Location, multipliers map[models.Session]float64) (*Calendar, error) {
	if loc == nil {
		var err error
		if loc, err = time.LoadLocation("America/New_York"); err != nil {
			return nil, err
		}
	}
	table := make(map[models.Session]float64, len(multipliers))
	for k, v := range multipliers {
		table[k] = v
	}
	return &Calendar{loc: loc, multipliers: table}, nil
}

func clock(h, m int) int { return h*60 + m }

var (
	preMarketOpen = clock(4, 0)
	regularOpen   = clock(9, 30)
	regularClose  = clock(16, 0)
	afterClose    = clock(20, 0)
)

// Session returns the market session containing t.
func (c *Calendar) Session(t time.Time) models.Session {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return models.SessionWeekend
	}
	minute := clock(local.Hour(), local.Minute())
	switch {
	case minute >= preMarketOpen && minute < regularOpen:
		return models.SessionPreMarket
	case minute >= regularOpen && minute < regularClose:
		return models.SessionRegular
	case minute >= regularClose && minute < afterClose:
		return models.SessionAfterHours
	}
	return models.SessionOvernight
}

// Multiplier returns the cadence stretch for spec at t. Endpoint overrides win
// over the global table; anything missing or non-positive counts as 1.
func (c *Calendar) Multiplier(spec models.EndpointSpec, t time.Time) float64 {
	session := c.Session(t)
	if m, ok := spec.SessionMultipliers[session]; ok && m > 0 {
		return m
	}
	if m, ok := c.multipliers[session]; ok && m > 0 {
		return m
	}
	return 1
}

// MaxMultiplier is the largest stretch spec can see in any session.
func (c *Calendar) MaxMultiplier(spec models.EndpointSpec) float64 {
	max := 1.0
	for _, s := range models.Sessions {
		m := c.multipliers[s]
		if o, ok := spec.SessionMultipliers[s]; ok && o > 0 {
			m = o
		}
		if m > max {
			max = m
		}
	}
	return max
}

// EffectiveCadence is the base cadence stretched for the session at t.
func (c *Calendar) EffectiveCadence(spec models.EndpointSpec, t time.Time) time.Duration {
	return time.Duration(float64(spec.Cadence) * c.Multiplier(spec, t))
}
