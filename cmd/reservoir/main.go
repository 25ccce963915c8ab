package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sawpanic/reservoir/internal/config"
)

const (
	appName = "reservoir"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "reservoir",
		Short:   "Real-time market-data distribution core",
		Version: version,
		Long: `Reservoir subscribes to instruments at an upstream market-data feed,
caches the latest quote per RIC, serves snapshot reads over REST, pushes
updates to streaming clients, and scores every update against a
data-quality policy.`,
	}

	rootCmd.SetGlobalNormalizationFunc(normalizeFlags)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the distribution service",
		Long:  "Connect the feed adapter, start the ingest workers and the HTTP transport, and serve until SIGINT/SIGTERM",
		RunE:  runServe,
	}

	serveCmd.Flags().String("config", "", "Path to YAML config file (defaults apply when empty)")
	serveCmd.Flags().String("quality-profile", "", "Quality profile to apply (strict|default|relaxed)")
	serveCmd.Flags().String("profiles", "", "Path to the quality profile file")
	serveCmd.Flags().Bool("sim", true, "Run against the bundled simulated feed")
	serveCmd.Flags().StringSlice("sim-rics", []string{"AAPL.O", "IBM.N", "MSFT.O", "VOD.L"}, "RIC universe subscribed at startup in sim mode")
	serveCmd.Flags().Float64("sim-rate", 2.0, "Synthetic updates per RIC per second (0 = unthrottled)")
	serveCmd.Flags().Int64("sim-seed", 1, "Seed for the simulated random walk")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a config file and print the effective settings",
		Long:  "Load the configuration, apply the selected quality profile, validate everything, and print the effective values",
		RunE:  runCheck,
	}

	checkCmd.Flags().String("config", "", "Path to YAML config file (defaults apply when empty)")
	checkCmd.Flags().String("quality-profile", "", "Quality profile to apply (strict|default|relaxed)")
	checkCmd.Flags().String("profiles", "", "Path to the quality profile file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// normalizeFlags lets underscore spellings of multi-word flags resolve
// to their dashed form.
func normalizeFlags(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// loadConfig resolves the effective configuration for a command: base
// file over defaults, then the selected quality profile overlaid on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	name, _ := cmd.Flags().GetString("quality-profile")
	profilesPath, _ := cmd.Flags().GetString("profiles")
	if name == "" && profilesPath == "" {
		return cfg, nil
	}
	if profilesPath == "" {
		profilesPath = "config/quality_profiles.yaml"
	}

	profiles, err := config.LoadQualityProfiles(profilesPath)
	if err != nil {
		return nil, err
	}
	if err := profiles.Apply(name, &cfg.Quality); err != nil {
		return nil, err
	}
	return cfg, nil
}
