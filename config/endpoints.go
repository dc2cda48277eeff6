package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"feedflow/models"
)

// TransformSet reports whether a transform name is registered.
type TransformSet interface {
	Has(name string) bool
}

// EndpointsFile is the hot-reloadable endpoint and channel catalog.
type EndpointsFile struct {
	Defaults  EndpointDefaults `yaml:"defaults"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Stream    StreamConfig     `yaml:"stream"`
}

type EndpointDefaults struct {
	KeyTemplate  string      `yaml:"key"`
	TTLSeconds   int         `yaml:"ttl_seconds"`
	MaxLogLength int64       `yaml:"max_log_length"`
	Tier         string      `yaml:"tier"`
	Transform    string      `yaml:"transform"`
	Retry        RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	Backoff   string        `yaml:"backoff"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

type EndpointConfig struct {
	ID                 string             `yaml:"id"`
	Source             string             `yaml:"source"`
	Path               string             `yaml:"path"`
	PerSymbol          bool               `yaml:"per_symbol"`
	Symbols            []string           `yaml:"symbols"`
	CadenceSeconds     int                `yaml:"cadence_seconds"`
	Tier               string             `yaml:"tier"`
	KeyTemplate        string             `yaml:"key"`
	TTLSeconds         int                `yaml:"ttl_seconds"`
	MaxLogLength       int64              `yaml:"max_log_length"`
	Retry              *RetryConfig       `yaml:"retry"`
	SessionMultipliers map[string]float64 `yaml:"session_multipliers"`
	Transform          string             `yaml:"transform"`
	Query              map[string]string  `yaml:"query"`
	Accept             string             `yaml:"accept"`
	Aggregate          bool               `yaml:"aggregate"`
	Disabled           bool               `yaml:"disabled"`
}

type StreamConfig struct {
	Channels     []StreamChannelConfig `yaml:"channels"`
	Symbols      []string              `yaml:"symbols"`
	KeyTemplate  string                `yaml:"key"`
	TTLSeconds   int                   `yaml:"ttl_seconds"`
	MaxLogLength int64                 `yaml:"max_log_length"`
	Transform    string                `yaml:"transform"`
	Aggregate    bool                  `yaml:"aggregate"`
}

type StreamChannelConfig struct {
	Name   string `yaml:"name"`
	Stream string `yaml:"stream"`
	Global bool   `yaml:"global"`
}

// LoadEndpoints reads and parses the endpoint catalog without validating it.
func LoadEndpoints(path string) (*EndpointsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}
	var file EndpointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints file: %w", err)
	}
	return &file, nil
}

// BuildSnapshot validates the catalog against cfg and the registered
// transforms and returns an immutable snapshot with version 0.
func BuildSnapshot(file *EndpointsFile, cfg *Config, transforms TransformSet) (*Snapshot, error) {
	defaults := file.Defaults
	if defaults.KeyTemplate == "" {
		defaults.KeyTemplate = "uw:rest:{endpoint}:{symbol}"
	}
	if defaults.TTLSeconds <= 0 {
		defaults.TTLSeconds = 900
	}
	if defaults.MaxLogLength <= 0 {
		defaults.MaxLogLength = 5000
	}
	if defaults.Tier == "" {
		defaults.Tier = models.TierImportant.String()
	}
	if defaults.Transform == "" {
		defaults.Transform = "raw"
	}
	if defaults.Retry.Attempts <= 0 {
		defaults.Retry.Attempts = 3
	}
	if defaults.Retry.Backoff == "" {
		defaults.Retry.Backoff = string(models.BackoffExponential)
	}
	if defaults.Retry.BaseDelay <= 0 {
		defaults.Retry.BaseDelay = 10 * time.Second
	}
	if defaults.Retry.MaxDelay <= 0 {
		defaults.Retry.MaxDelay = 2 * time.Minute
	}

	seen := make(map[string]struct{}, len(file.Endpoints))
	specs := make([]models.EndpointSpec, 0, len(file.Endpoints))
	for i, ec := range file.Endpoints {
		if ec.Disabled {
			continue
		}
		spec, err := buildEndpoint(ec, defaults, cfg, transforms)
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("endpoints[%d]: duplicate id %q", i, spec.ID)
		}
		seen[spec.ID] = struct{}{}
		specs = append(specs, spec)
	}

	stream, err := buildStream(file.Stream, cfg, transforms)
	if err != nil {
		return nil, err
	}

	return newSnapshot(specs, stream), nil
}

func buildEndpoint(ec EndpointConfig, defaults EndpointDefaults, cfg *Config, transforms TransformSet) (models.EndpointSpec, error) {
	id := strings.TrimSpace(ec.ID)
	if id == "" {
		return models.EndpointSpec{}, fmt.Errorf("id is required")
	}
	if ec.Path == "" {
		return models.EndpointSpec{}, fmt.Errorf("%s: path is required", id)
	}
	if ec.CadenceSeconds <= 0 {
		return models.EndpointSpec{}, fmt.Errorf("%s: cadence_seconds must be greater than 0", id)
	}

	tierName := ec.Tier
	if tierName == "" {
		tierName = defaults.Tier
	}
	tier, err := models.ParseTier(tierName)
	if err != nil {
		return models.EndpointSpec{}, fmt.Errorf("%s: %w", id, err)
	}

	transform := ec.Transform
	if transform == "" {
		transform = defaults.Transform
	}
	if transforms != nil && !transforms.Has(transform) {
		return models.EndpointSpec{}, fmt.Errorf("%s: unknown transform %q", id, transform)
	}

	symbols := models.NormalizeSymbols(ec.Symbols)
	if ec.PerSymbol && len(symbols) == 0 {
		symbols = append([]string(nil), cfg.Source.Symbols...)
	}
	if len(symbols) > 0 && !strings.Contains(ec.Path, "{ticker}") && !strings.Contains(ec.Path, "{symbol}") {
		return models.EndpointSpec{}, fmt.Errorf("%s: symbols given but path has no {ticker} placeholder", id)
	}
	if len(symbols) == 0 && (strings.Contains(ec.Path, "{ticker}") || strings.Contains(ec.Path, "{symbol}")) {
		return models.EndpointSpec{}, fmt.Errorf("%s: path needs a symbol but none are configured", id)
	}
	sort.Strings(symbols)

	retry := defaults.Retry
	if ec.Retry != nil {
		if ec.Retry.Attempts > 0 {
			retry.Attempts = ec.Retry.Attempts
		}
		if ec.Retry.Backoff != "" {
			retry.Backoff = ec.Retry.Backoff
		}
		if ec.Retry.BaseDelay > 0 {
			retry.BaseDelay = ec.Retry.BaseDelay
		}
		if ec.Retry.MaxDelay > 0 {
			retry.MaxDelay = ec.Retry.MaxDelay
		}
	}
	shape := models.BackoffShape(retry.Backoff)
	switch shape {
	case models.BackoffConstant, models.BackoffLinear, models.BackoffExponential:
	default:
		return models.EndpointSpec{}, fmt.Errorf("%s: unknown retry backoff %q", id, retry.Backoff)
	}

	sessions, err := parseSessions(id+".session_multipliers", ec.SessionMultipliers)
	if err != nil {
		return models.EndpointSpec{}, err
	}

	source := ec.Source
	if source == "" {
		source = id
	}

	spec := models.EndpointSpec{
		ID:                 id,
		Source:             source,
		PathTemplate:       ec.Path,
		Symbols:            symbols,
		Cadence:            time.Duration(ec.CadenceSeconds) * time.Second,
		Tier:               tier,
		KeyTemplate:        firstNonEmpty(ec.KeyTemplate, defaults.KeyTemplate),
		TTL:                time.Duration(firstPositive(ec.TTLSeconds, defaults.TTLSeconds)) * time.Second,
		MaxLogLength:       firstPositive64(ec.MaxLogLength, defaults.MaxLogLength),
		Retry:              models.RetryPolicy{Attempts: retry.Attempts, Shape: shape, BaseDelay: retry.BaseDelay, MaxDelay: retry.MaxDelay},
		SessionMultipliers: sessions,
		Transform:          transform,
		QueryParams:        ec.Query,
		Accept:             firstNonEmpty(ec.Accept, "application/json"),
		Aggregate:          ec.Aggregate,
	}
	return spec, nil
}

func buildStream(sc StreamConfig, cfg *Config, transforms TransformSet) (models.StreamSpec, error) {
	spec := models.StreamSpec{
		Source:       cfg.Rotation.Source,
		Symbols:      models.NormalizeSymbols(sc.Symbols),
		KeyTemplate:  firstNonEmpty(sc.KeyTemplate, "uw:ws:{endpoint}:{symbol}"),
		TTL:          time.Duration(firstPositive(sc.TTLSeconds, 300)) * time.Second,
		MaxLogLength: firstPositive64(sc.MaxLogLength, 5000),
		Transform:    firstNonEmpty(sc.Transform, "stream_event"),
		Aggregate:    sc.Aggregate,
	}
	if len(spec.Symbols) == 0 {
		spec.Symbols = append([]string(nil), cfg.Source.Symbols...)
	}
	if transforms != nil && !transforms.Has(spec.Transform) {
		return models.StreamSpec{}, fmt.Errorf("stream: unknown transform %q", spec.Transform)
	}
	seen := map[string]struct{}{}
	for i, ch := range sc.Channels {
		if ch.Name == "" {
			return models.StreamSpec{}, fmt.Errorf("stream.channels[%d]: name is required", i)
		}
		if _, dup := seen[ch.Name]; dup {
			return models.StreamSpec{}, fmt.Errorf("stream.channels[%d]: duplicate channel %q", i, ch.Name)
		}
		seen[ch.Name] = struct{}{}
		spec.Channels = append(spec.Channels, models.StreamChannel{
			Name:   ch.Name,
			Stream: firstNonEmpty(ch.Stream, strings.ReplaceAll(ch.Name, "-", "_")),
			Global: ch.Global,
		})
	}
	return spec, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func firstPositive64(a, b int64) int64 {
	if a > 0 {
		return a
	}
	return b
}
