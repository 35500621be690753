package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"photohub/internal/camera"
	"photohub/internal/device"
)

// EnvPrefix は環境変数の接頭辞
const EnvPrefix = "PHOTOHUB"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Camera  CameraConfig  `yaml:"camera" mapstructure:"camera"`
	Capture CaptureConfig `yaml:"capture" mapstructure:"capture"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`

	// File は読み込んだ設定ファイル。無ければ空
	File string `yaml:"-" mapstructure:"-"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"` // リッスンするホスト
	Port int    `yaml:"port" mapstructure:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`         // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`       // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"` // 終了時の待ち時間

	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// Driver を mock にすると両エンジンともモックになる
	Driver string `yaml:"driver" mapstructure:"driver"`

	JPEGQuality          int           `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
	WatchInterval        time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"`
	StartupGrace         time.Duration `yaml:"startup_grace" mapstructure:"startup_grace"`
	JoinTimeout          time.Duration `yaml:"join_timeout" mapstructure:"join_timeout"`
	IdleInterval         time.Duration `yaml:"idle_interval" mapstructure:"idle_interval"`
	TransientRetryDelay  time.Duration `yaml:"transient_retry_delay" mapstructure:"transient_retry_delay"`
	MaxTransientFailures int           `yaml:"max_transient_failures" mapstructure:"max_transient_failures"`

	Reconnect ReconnectConfig `yaml:"reconnect" mapstructure:"reconnect"`
	UVC       UVCConfig       `yaml:"uvc" mapstructure:"uvc"`
	DSLR      DSLRConfig      `yaml:"dslr" mapstructure:"dslr"`
}

// ReconnectConfig は再接続のバックオフ設定
type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	Jitter     float64       `yaml:"jitter" mapstructure:"jitter"`
}

// UVCConfig はWebカメラの設定
type UVCConfig struct {
	Driver       string        `yaml:"driver" mapstructure:"driver"` // native / ffmpeg / none
	Device       string        `yaml:"device" mapstructure:"device"` // 初期選択のデバイス (例: /dev/video0)
	Width        int           `yaml:"width" mapstructure:"width"`
	Height       int           `yaml:"height" mapstructure:"height"`
	FPS          int           `yaml:"fps" mapstructure:"fps"`
	FrameTimeout time.Duration `yaml:"frame_timeout" mapstructure:"frame_timeout"`
	Command      string        `yaml:"command" mapstructure:"command"`
}

// DSLRConfig は一眼レフの設定
type DSLRConfig struct {
	Enabled      bool   `yaml:"enabled" mapstructure:"enabled"`
	FPS          int    `yaml:"fps" mapstructure:"fps"`
	Port         string `yaml:"port" mapstructure:"port"` // 初期選択のポート (例: usb:001,004)
	FreeClaimers bool   `yaml:"free_claimers" mapstructure:"free_claimers"`
	Command      string `yaml:"command" mapstructure:"command"`
}

// CaptureConfig は撮影の設定
type CaptureConfig struct {
	Dir             string        `yaml:"dir" mapstructure:"dir"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PreviewMaxWidth int           `yaml:"preview_max_width" mapstructure:"preview_max_width"`
}

// LogConfig はログの設定
type LogConfig struct {
	Level   string `yaml:"level" mapstructure:"level"`
	Output  string `yaml:"output" mapstructure:"output"` // stdout / stderr / 空で破棄 / それ以外はファイル
	Console bool   `yaml:"console" mapstructure:"console"`
}

// defaultCORSOrigins は開発用フロントエンドの既定オリジン
var defaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

// SetDefaults はviperにデフォルト値を登録する
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0)) // ストリーミング用にタイムアウト無効化
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.cors_origins", defaultCORSOrigins)

	v.SetDefault("camera.driver", "")
	v.SetDefault("camera.jpeg_quality", camera.DefaultJPEGQuality)
	v.SetDefault("camera.watch_interval", time.Second)
	v.SetDefault("camera.startup_grace", time.Second)
	v.SetDefault("camera.join_timeout", 2*time.Second)
	v.SetDefault("camera.idle_interval", 30*time.Millisecond)
	v.SetDefault("camera.transient_retry_delay", 50*time.Millisecond)
	v.SetDefault("camera.max_transient_failures", 20)

	v.SetDefault("camera.reconnect.base_delay", 250*time.Millisecond)
	v.SetDefault("camera.reconnect.max_delay", 5*time.Second)
	v.SetDefault("camera.reconnect.max_retries", 5)
	v.SetDefault("camera.reconnect.jitter", 0.2)

	v.SetDefault("camera.uvc.driver", device.DriverNative)
	v.SetDefault("camera.uvc.device", "")
	v.SetDefault("camera.uvc.width", 1920)
	v.SetDefault("camera.uvc.height", 1080)
	v.SetDefault("camera.uvc.fps", 60)
	v.SetDefault("camera.uvc.frame_timeout", 2*time.Second)
	v.SetDefault("camera.uvc.command", "ffmpeg")

	v.SetDefault("camera.dslr.enabled", true)
	v.SetDefault("camera.dslr.fps", 60)
	v.SetDefault("camera.dslr.port", "")
	v.SetDefault("camera.dslr.free_claimers", true)
	v.SetDefault("camera.dslr.command", "gphoto2")

	v.SetDefault("capture.dir", "./captured_images")
	v.SetDefault("capture.timeout", 10*time.Second)
	v.SetDefault("capture.preview_max_width", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.console", false)
}

// flagKeys はコマンドラインフラグと設定キーの対応
var flagKeys = map[string]string{
	"host":        "server.host",
	"port":        "server.port",
	"capture-dir": "capture.dir",
	"log-level":   "log.level",
	"log-output":  "log.output",
	"log-console": "log.console",
	"driver":      "camera.driver",
}

// Load は設定を読み込む
// 優先順位はフラグ、環境変数 (PHOTOHUB_SERVER_PORT など)、設定ファイル、デフォルト値の順
// cfgFile が空なら . / $HOME / /etc/photohub/ から .photohub.{yaml,toml,json} を探す
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath("/etc/photohub/")
		v.SetConfigName(".photohub")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("フラグの紐付けに失敗: %w", err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	// 互換のため接頭辞なしの CORS_ALLOW_ORIGINS も受け付ける
	if origins := os.Getenv("CORS_ALLOW_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = splitList(origins)
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("タイムアウトが負の値です")
	}

	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Camera.JPEGQuality)
	}
	if c.Camera.UVC.FPS <= 0 || c.Camera.DSLR.FPS <= 0 {
		return fmt.Errorf("FPSは正の値である必要があります")
	}
	if c.Camera.UVC.Width <= 0 || c.Camera.UVC.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.UVC.Width, c.Camera.UVC.Height)
	}
	if r := c.Camera.Reconnect; r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("無効な再接続間隔: base=%v max=%v", r.BaseDelay, r.MaxDelay)
	}
	if c.Camera.Reconnect.Jitter < 0 || c.Camera.Reconnect.Jitter >= 1 {
		return fmt.Errorf("無効なジッター: %v", c.Camera.Reconnect.Jitter)
	}

	switch c.Camera.Driver {
	case "", device.DriverMock:
	default:
		return fmt.Errorf("無効なカメラドライバー: %s", c.Camera.Driver)
	}
	switch c.Camera.UVC.Driver {
	case device.DriverNative, device.DriverFFmpeg, device.DriverNone:
	default:
		return fmt.Errorf("無効なWebカメラドライバー: %s", c.Camera.UVC.Driver)
	}

	if c.Capture.Dir == "" {
		return fmt.Errorf("保存先ディレクトリが設定されていません")
	}
	if c.Capture.Timeout <= 0 {
		return fmt.Errorf("撮影タイムアウトは正の値である必要があります")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Session はカメラセッションの設定に変換する
func (c *Config) Session() camera.Config {
	worker := func(fps int) camera.WorkerConfig {
		return camera.WorkerConfig{
			FPS:                  fps,
			StartupGrace:         c.Camera.StartupGrace,
			IdleInterval:         c.Camera.IdleInterval,
			TransientRetryDelay:  c.Camera.TransientRetryDelay,
			MaxTransientFailures: c.Camera.MaxTransientFailures,
			Reconnect: camera.ReconnectConfig{
				BaseDelay:  c.Camera.Reconnect.BaseDelay,
				MaxDelay:   c.Camera.Reconnect.MaxDelay,
				MaxRetries: c.Camera.Reconnect.MaxRetries,
				Jitter:     c.Camera.Reconnect.Jitter,
			},
		}
	}

	return camera.Config{
		JPEGQuality:     c.Camera.JPEGQuality,
		WatchInterval:   c.Camera.WatchInterval,
		JoinTimeout:     c.Camera.JoinTimeout,
		CaptureTimeout:  c.Capture.Timeout,
		PreviewMaxWidth: c.Capture.PreviewMaxWidth,
		DSLRPort:        c.Camera.DSLR.Port,
		UVCDevice:       c.Camera.UVC.Device,
		UVCWorker:       worker(c.Camera.UVC.FPS),
		DSLRWorker:      worker(c.Camera.DSLR.FPS),
	}
}

// DeviceOptions はバックエンド作成用の設定に変換する
func (c *Config) DeviceOptions() device.Options {
	uvc := device.DefaultUVCConfig()
	uvc.Width = c.Camera.UVC.Width
	uvc.Height = c.Camera.UVC.Height
	uvc.FPS = c.Camera.UVC.FPS
	uvc.FrameTimeout = c.Camera.UVC.FrameTimeout
	uvc.Command = c.Camera.UVC.Command

	dslr := device.DefaultDSLRConfig()
	dslr.Command = c.Camera.DSLR.Command
	dslr.FreeClaimers = c.Camera.DSLR.FreeClaimers

	return device.Options{UVC: uvc, DSLR: dslr}
}

// Drivers はエンジンごとのドライバー名を返す
func (c *Config) Drivers() (uvc, dslr string) {
	if c.Camera.Driver == device.DriverMock {
		return device.DriverMock, device.DriverMock
	}
	dslr = device.DriverGPhoto2
	if !c.Camera.DSLR.Enabled {
		dslr = device.DriverNone
	}
	return c.Camera.UVC.Driver, dslr
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
