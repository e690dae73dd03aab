package cli

import (
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quiz-attempt-service/internal/config"
	"quiz-attempt-service/internal/infra/file"
	pginfra "quiz-attempt-service/internal/infra/postgres"
	redisinfra "quiz-attempt-service/internal/infra/redis"
)

// NewSeedCmd loads assessments from a YAML file into Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert assessments from a YAML file into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			if source == "" {
				source = cfg.Assessments.File
			}
			if source == "" {
				return fmt.Errorf("no assessments file given")
			}
			if err := runMigrations(ctx, cfg, log); err != nil {
				return err
			}

			doc, err := file.Load(source)
			if err != nil {
				return err
			}

			pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			loader := pginfra.NewAssessmentLoader(pool)

			// cached copies would otherwise outlive the update until their TTL
			var cache *redisinfra.AssessmentRepository
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer client.Close()
				cache = redisinfra.NewAssessmentRepository(client, loader, config.TTLDuration(cfg.Assessments.TTL, 0))
			}

			for _, a := range doc.All() {
				if err := loader.SaveAssessment(ctx, a); err != nil {
					return fmt.Errorf("save %s: %w", a.ID, err)
				}
				if cache != nil {
					if err := cache.Invalidate(ctx, a.ID); err != nil {
						log.Warn("cache invalidation failed", "assessmentId", a.ID, "error", err)
					}
				}
				log.Info("assessment seeded", "assessmentId", a.ID, "questions", len(a.Questions))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "file", "", "assessments YAML (defaults to assessments.file)")
	return cmd
}
