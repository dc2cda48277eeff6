package models

import (
	"net/url"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// BackoffShape selects how retry delays grow between attempts.
type BackoffShape string

const (
	BackoffConstant    BackoffShape = "constant"
	BackoffLinear      BackoffShape = "linear"
	BackoffExponential BackoffShape = "exponential"
)

// RetryPolicy bounds how often a failed fetch is attempted again.
type RetryPolicy struct {
	Attempts  int
	Shape     BackoffShape
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Shape {
	case BackoffConstant:
		d = p.BaseDelay
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	default:
		b := &backoff.Backoff{Min: p.BaseDelay, Max: p.MaxDelay, Factor: 2}
		return b.ForAttempt(float64(attempt - 1))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// EndpointSpec describes one pollable upstream endpoint. Specs are immutable
// once built and replaced wholesale on reload.
type EndpointSpec struct {
	ID           string
	Source       string
	PathTemplate string
	Symbols      []string
	Cadence      time.Duration
	Tier         Tier
	KeyTemplate  string
	TTL          time.Duration
	MaxLogLength int64
	Retry        RetryPolicy
	// SessionMultipliers overrides the global session table for this endpoint.
	SessionMultipliers map[Session]float64
	Transform          string
	QueryParams        map[string]string
	Accept             string
	Aggregate          bool
}

// Global reports whether the endpoint is fetched once rather than per symbol.
func (e EndpointSpec) Global() bool {
	return len(e.Symbols) == 0
}

// Targets lists the symbols to fetch; a global endpoint yields one empty symbol.
func (e EndpointSpec) Targets() []string {
	if e.Global() {
		return []string{""}
	}
	return e.Symbols
}

// Path renders the request path for symbol.
func (e EndpointSpec) Path(symbol string) string {
	escaped := url.PathEscape(symbol)
	return strings.NewReplacer("{ticker}", escaped, "{symbol}", escaped).Replace(e.PathTemplate)
}

// Key renders the store key for symbol. Global endpoints drop the symbol segment.
func (e EndpointSpec) Key(symbol string) string {
	return RenderKey(e.KeyTemplate, e.ID, symbol)
}

// RenderKey substitutes {endpoint} and {symbol} in template.
func RenderKey(template, endpoint, symbol string) string {
	if symbol == "" {
		template = strings.ReplaceAll(template, ":{symbol}", "")
	}
	return strings.NewReplacer("{endpoint}", endpoint, "{symbol}", strings.ToUpper(symbol)).Replace(template)
}

// NormalizeSymbols upper-cases, trims and de-duplicates symbols, keeping order.
func NormalizeSymbols(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
