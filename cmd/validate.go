package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"feedflow/logger"
	"feedflow/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and endpoint catalog",
	Long: `Validate loads the configuration and the endpoint catalog, checks that
the tier capacities fit under the hard cap minus the buffer and that every
transform is registered, then prints a summary.`,
	RunE: validate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validate(cmd *cobra.Command, _ []string) error {
	log := logger.GetLogger()
	s, err := loadSettings()
	if err != nil {
		log.WithError(err).Error("configuration invalid")
		return err
	}
	qc, err := quotaConfig(s.cfg)
	if err != nil {
		log.WithError(err).Error("configuration invalid")
		return err
	}
	if err := qc.Validate(); err != nil {
		log.WithError(err).Error("rate limit invalid")
		return fmt.Errorf("rate_limit: %w", err)
	}
	if _, err := newCalendar(s.cfg); err != nil {
		log.WithError(err).Error("scheduler invalid")
		return err
	}

	tasks := 0
	perTier := make(map[models.Tier]int)
	for _, spec := range s.snapshot.Endpoints {
		tasks += len(spec.Targets())
		perTier[spec.Tier]++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration ok\n")
	fmt.Fprintf(out, "  budget:    %d requests per %s (hard cap %d, buffer %d)\n", qc.Budget(), qc.Window, qc.HardCap, qc.Buffer)
	fmt.Fprintf(out, "  endpoints: %d (%d tasks)\n", len(s.snapshot.Endpoints), tasks)
	for _, tier := range models.Tiers {
		fmt.Fprintf(out, "    %-13s %d endpoints, capacity %d\n", tier.String()+":", perTier[tier], qc.Capacities[tier])
	}
	fmt.Fprintf(out, "  stream:    %d channels, %d symbols\n", len(s.snapshot.Stream.Channels), len(s.snapshot.Stream.Symbols))
	return nil
}
