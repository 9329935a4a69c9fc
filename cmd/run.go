package cmd

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nodepeer/relay/internal/adminhttp"
	"github.com/nodepeer/relay/internal/cfgwatch"
	"github.com/nodepeer/relay/internal/config"
	"github.com/nodepeer/relay/internal/metrics"
	"github.com/nodepeer/relay/internal/supervisor"
	"github.com/nodepeer/relay/internal/version"
)

const defaultConfigPath = "/etc/relay/config.yaml"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("relay starting")

			path := cfgFile
			if path == "" {
				path = defaultConfigPath
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			metrics.RegisterCollectors()
			log.Info().Str("config", path).Int("rules", len(cfg.Rules)).Msg("config loaded")

			if cfg.Path != "" {
				watcher, err := cfgwatch.New(cfg.Path, *log, nil)
				if err != nil {
					log.Warn().Err(err).Msg("config watch disabled")
				} else {
					watcher.Start(ctx)
				}
			}

			sup := supervisor.New(cfg, *log)

			if cfg.Admin.Enabled {
				admin := adminhttp.NewServer(cfg.Admin.Listen, sup.TargetManager())
				if err := admin.Start(ctx); err != nil {
					return err
				}
			}

			if err := sup.Run(ctx); err != nil {
				return err
			}

			log.Info().Msg("relay stopped")

			return nil
		},
	}

	return cmd
}
