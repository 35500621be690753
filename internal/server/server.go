package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"photohub/internal/camera"
	"photohub/internal/config"
	"photohub/internal/storage"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	manager    camera.Manager
	store      *storage.Store
	logger     zerolog.Logger
	engine     *gin.Engine
	httpServer *http.Server

	// streamCtx はMJPEG配信を終わらせるためのコンテキスト
	streamCtx    context.Context
	cancelStream context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, manager camera.Manager, store *storage.Store, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:       cfg,
		manager:      manager,
		store:        store,
		logger:       logger.With().Str("module", "server").Logger(),
		engine:       gin.New(),
		streamCtx:    streamCtx,
		cancelStream: cancel,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), requestLogger(s.logger), noCache(), cors(s.config.Server.CORSOrigins))

	// 確認用
	s.engine.GET("/", s.handleRoot)

	// APIエンドポイント
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/devices", s.handleDevices)

	// カメラ操作
	s.engine.GET("/cameras", s.handleCameras)
	s.engine.GET("/video_feed", s.handleVideoFeed)
	s.engine.POST("/capture", s.handleCapture)
	s.engine.POST("/pause", s.handlePause)
	s.engine.POST("/resume", s.handleResume)
	s.engine.POST("/confirm", s.handleConfirm)
	s.engine.POST("/stop", s.handleStopStream)
	s.engine.POST("/stop_stream", s.handleStopStream)
	s.engine.GET("/set_camera", s.handleSetCamera)
	s.engine.POST("/set_camera", s.handleSetCamera)
	s.engine.POST("/reset_camera", s.handleResetCamera)
	s.engine.POST("/reprobe", s.handleReprobe)

	// 撮影画像
	s.engine.GET("/captured_images/:name", s.handleCapturedImage)
}

// Start はサーバーを起動し、コンテキスト終了かシグナル受信で停止する
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定したリスナーで待ち受ける
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info().Str("signal", sig.String()).Msg("シグナルを受信しました")
	case err := <-shutdownCh:
		_ = s.manager.Stop()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はHTTPサーバーを止めてからカメラを解放する
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("サーバーをシャットダウンしています...")

		// 配信中のストリームを先に終わらせないとShutdownが返らない
		s.cancelStream()

		timeout := s.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
		}
		if err := s.manager.Stop(); err != nil && s.shutdownErr == nil {
			s.shutdownErr = fmt.Errorf("カメラの停止に失敗: %w", err)
		}

		s.logger.Info().Msg("サーバーがシャットダウンされました")
	})
	return s.shutdownErr
}
