package cmd

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"photohub/internal/camera"
	"photohub/internal/config"
	"photohub/internal/device"
	"photohub/internal/logging"
)

// app はコマンド間で共有する組み立て済みの部品
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	closer io.Closer
	uvc    device.Backend
	dslr   device.Backend
}

// setup は設定、ロガー、バックエンドを組み立てる
func setup(cmd *cobra.Command, cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Output:  cfg.Log.Output,
		Console: cfg.Log.Console,
	})
	if err != nil {
		return nil, err
	}
	if cfg.File != "" {
		logger.Info().Str("file", cfg.File).Msg("設定ファイルを読み込みました")
	}

	uvc, dslr, err := newBackends(cfg, device.NewRegistry())
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	logger.Info().
		Bool("uvc", uvc != nil).
		Bool("dslr", dslr != nil && dslr.Available()).
		Msg("バックエンドを作成しました")

	return &app{cfg: cfg, logger: logger, closer: closer, uvc: uvc, dslr: dslr}, nil
}

// newBackends は設定されたドライバーでエンジンごとのバックエンドを作成する
func newBackends(cfg *config.Config, registry *device.Registry) (device.Backend, device.Backend, error) {
	opts := cfg.DeviceOptions()
	uvcDriver, dslrDriver := cfg.Drivers()

	uvc, err := registry.Create(uvcDriver, device.EngineUVC, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("Webカメラバックエンドの作成に失敗: %w", err)
	}
	dslr, err := registry.Create(dslrDriver, device.EngineDSLR, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("一眼レフバックエンドの作成に失敗: %w", err)
	}
	return uvc, dslr, nil
}

// newManager はカメラマネージャーを作成する
func (a *app) newManager(sink camera.Sink) *camera.DefaultManager {
	return camera.NewManager(a.cfg.Session(), a.uvc, a.dslr, sink, camera.NewLogSink(a.logger), a.logger)
}

func (a *app) close() {
	_ = a.closer.Close()
}
