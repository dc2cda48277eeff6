package models

import (
	"testing"
	"time"
)

func TestParseTier(t *testing.T) {
	cases := map[string]Tier{
		"critical":     TierCritical,
		"Important":    TierImportant,
		"nice-to-have": TierNiceToHave,
		"nice_to_have": TierNiceToHave,
		"background":   TierBackground,
	}
	for in, want := range cases {
		got, err := ParseTier(in)
		if err != nil {
			t.Fatalf("ParseTier(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseTier(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseTier("urgent"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestTierLow(t *testing.T) {
	if TierCritical.Low() || TierImportant.Low() {
		t.Fatalf("high tiers reported as low")
	}
	if !TierNiceToHave.Low() || !TierBackground.Low() {
		t.Fatalf("low tiers not reported as low")
	}
}

func TestEndpointKeyAndPath(t *testing.T) {
	spec := EndpointSpec{
		ID:           "greek_exposure",
		PathTemplate: "/api/stock/{ticker}/greek-exposure",
		KeyTemplate:  "uw:rest:{endpoint}:{symbol}",
		Symbols:      []string{"SPY"},
	}
	if got := spec.Path("SPY"); got != "/api/stock/SPY/greek-exposure" {
		t.Errorf("path = %q", got)
	}
	if got := spec.Key("spy"); got != "uw:rest:greek_exposure:SPY" {
		t.Errorf("key = %q", got)
	}

	global := EndpointSpec{ID: "market_tide", KeyTemplate: "uw:rest:{endpoint}:{symbol}"}
	if !global.Global() {
		t.Fatalf("expected global endpoint")
	}
	if got := global.Key(""); got != "uw:rest:market_tide" {
		t.Errorf("global key = %q", got)
	}
	if targets := global.Targets(); len(targets) != 1 || targets[0] != "" {
		t.Errorf("global targets = %v", targets)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"constant", RetryPolicy{Shape: BackoffConstant, BaseDelay: time.Second}, 3, time.Second},
		{"linear", RetryPolicy{Shape: BackoffLinear, BaseDelay: time.Second}, 3, 3 * time.Second},
		{"linear capped", RetryPolicy{Shape: BackoffLinear, BaseDelay: time.Second, MaxDelay: 2 * time.Second}, 3, 2 * time.Second},
		{"exponential", RetryPolicy{Shape: BackoffExponential, BaseDelay: time.Second, MaxDelay: time.Minute}, 3, 4 * time.Second},
		{"exponential capped", RetryPolicy{Shape: BackoffExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := tt.policy.Delay(tt.attempt); got != tt.want {
			t.Errorf("%s: Delay(%d) = %v, want %v", tt.name, tt.attempt, got, tt.want)
		}
	}
}

func TestNormalizeSymbols(t *testing.T) {
	got := NormalizeSymbols([]string{" spy", "QQQ", "spy", "", "iwm "})
	want := []string{"SPY", "QQQ", "IWM"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
