package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"feedflow/internal/store"
	"feedflow/logger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last-run report",
	Long: `Status reads the heartbeats and latest keys written by the last run from
Redis and prints them as JSON. It does not start the loop.`,
	RunE: printStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type keyStatus struct {
	Key       string    `json:"key"`
	Endpoint  string    `json:"endpoint"`
	Symbol    string    `json:"symbol,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Age       string    `json:"age,omitempty"`
}

type statusReport struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Sources     []store.SourceStatus `json:"sources"`
	Keys        []keyStatus          `json:"keys"`
	Missing     int                  `json:"missing"`
}

func printStatus(cmd *cobra.Command, _ []string) error {
	log := logger.GetLogger()
	s, err := loadSettings()
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client, err := store.Connect(ctx, s.cfg.Storage.Redis)
	if err != nil {
		log.WithError(err).WithEnv("REDIS_URL").Error("redis unreachable")
		return err
	}
	defer client.Close()
	st := store.New(client, store.OptionsFrom(s.cfg.Storage), log)

	report, err := buildReport(ctx, st, s, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("failed to read last-run report")
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func buildReport(ctx context.Context, st *store.Store, s *settings, now time.Time) (statusReport, error) {
	sources, err := st.LastRun(ctx)
	if err != nil {
		return statusReport{}, err
	}
	report := statusReport{GeneratedAt: now, Sources: sources}

	var keys []keyStatus
	for _, spec := range s.snapshot.Endpoints {
		for _, symbol := range spec.Targets() {
			keys = append(keys, keyStatus{Key: spec.Key(symbol), Endpoint: spec.ID, Symbol: symbol})
		}
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.Key
	}
	fetched, err := st.LatestFetchedAt(ctx, names)
	if err != nil {
		return statusReport{}, err
	}
	for i := range keys {
		at, ok := fetched[keys[i].Key]
		if !ok || at.IsZero() {
			report.Missing++
			continue
		}
		keys[i].FetchedAt = at
		keys[i].Age = now.Sub(at).Truncate(time.Second).String()
	}
	report.Keys = keys
	return report, nil
}
