package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"quiz-attempt-service/internal/config"
	"quiz-attempt-service/internal/logger"
)

var (
	port       string
	configPath string
)

// Execute runs the CLI.
func Execute() error {
	// .env is optional; real environment variables win
	_ = godotenv.Load()
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:           "quiz-attempt-service",
		Short:         "Timed assessment attempt engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&port, "port", os.Getenv("PORT"), "port to listen on (overrides server.port)")
	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(NewStartCmd(&configPath, &port))
	cmd.AddCommand(NewMigrateCmd(&configPath))
	cmd.AddCommand(NewReapCmd(&configPath))
	cmd.AddCommand(NewSeedCmd(&configPath))
	return cmd
}

func loadConfig(path string) (config.Config, *logger.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}
