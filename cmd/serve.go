package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"photohub/internal/server"
	"photohub/internal/storage"
)

func newServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "HTTPサーバーを起動する (デフォルト)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, *cfgFile)
		},
	}
}

// runServe はカメラマネージャーとHTTPサーバーを起動する
func runServe(cmd *cobra.Command, cfgFile string) error {
	a, err := setup(cmd, cfgFile)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := storage.New(a.cfg.Capture.Dir)
	if err != nil {
		return err
	}

	manager := a.newManager(store)
	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("カメラマネージャーの起動に失敗: %w", err)
	}
	defer func() { _ = manager.Stop() }()

	a.logger.Info().
		Str("addr", a.cfg.ServerAddress()).
		Str("capture_dir", store.Dir()).
		Strs("cors", a.cfg.Server.CORSOrigins).
		Msg("photohub サーバーを起動します")

	// サーバーを起動
	srv := server.New(a.cfg, manager, store, a.logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("サーバーの起動に失敗しました: %w", err)
	}
	return nil
}
