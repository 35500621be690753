package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CommandRunner は外部コマンドを実行して標準出力を返す
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner はos/execでコマンドを実行するCommandRunner
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// DSLRConfig は一眼レフバックエンドの設定
type DSLRConfig struct {
	Command      string // gphoto2コマンド
	FreeClaimers bool   // オープン前にUSBを掴んでいるプロセスを終了させる
	TempDir      string // 撮影画像の一時ダウンロード先
	Runner       CommandRunner
}

// DefaultDSLRConfig はデフォルト設定を返す
func DefaultDSLRConfig() DSLRConfig {
	return DSLRConfig{
		Command:      "gphoto2",
		FreeClaimers: true,
		Runner:       ExecRunner,
	}
}

// USBを占有しがちなデスクトップ常駐プロセス
var usbClaimers = []string{"gvfs-gphoto2-volume-monitor", "kdeconnectd"}

// ライブビューを有効にする設定キー（機種によって異なる）
var viewfinderKeys = []string{"viewfinder", "liveview", "eosviewfinder", "movie"}

// GPhoto2 はgphoto2コマンドを使う一眼レフバックエンド
type GPhoto2 struct {
	cfg DSLRConfig
}

type gphotoHandle struct {
	port  string
	model string

	mu            sync.Mutex
	viewfinderKey string
	closed        bool
}

func (h *gphotoHandle) Selector() string { return h.port }

// NewGPhoto2 は新しいGPhoto2を作成する
func NewGPhoto2(cfg DSLRConfig) *GPhoto2 {
	if cfg.Command == "" {
		cfg.Command = "gphoto2"
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner
	}
	return &GPhoto2{cfg: cfg}
}

// Engine はエンジン種別を返す
func (g *GPhoto2) Engine() Engine { return EngineDSLR }

// Available はgphoto2コマンドが使えるか確認する
func (g *GPhoto2) Available() bool {
	_, err := g.cfg.Runner(context.Background(), g.cfg.Command, "--version")
	return err == nil
}

// List は接続中のカメラのモデル名とポートを返す
func (g *GPhoto2) List(ctx context.Context) ([]DeviceInfo, error) {
	out, err := g.cfg.Runner(ctx, g.cfg.Command, "--auto-detect")
	if err != nil {
		return nil, fmt.Errorf("カメラの検出に失敗: %w", err)
	}
	return ParseAutoDetect(out), nil
}

// Enumerate は接続中のカメラのポートを返す
func (g *GPhoto2) Enumerate(ctx context.Context) ([]string, error) {
	infos, err := g.List(ctx)
	if err != nil {
		return nil, err
	}
	ports := make([]string, 0, len(infos))
	for _, info := range infos {
		ports = append(ports, info.Port)
	}
	return ports, nil
}

// Open はカメラを初期化しライブビューを有効にする
func (g *GPhoto2) Open(ctx context.Context, selector string) (Handle, error) {
	infos, err := g.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	var target *DeviceInfo
	for i := range infos {
		if selector == "" || infos[i].Port == selector {
			target = &infos[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, selector)
	}

	if g.cfg.FreeClaimers {
		g.FreeClaimers(ctx)
	}

	h := &gphotoHandle{port: target.Port, model: target.Model}

	// 機種ごとに有効な設定キーが異なるため順番に試す
	for _, key := range viewfinderKeys {
		if _, err := g.run(ctx, h.port, "--set-config", key+"=1"); err == nil {
			h.viewfinderKey = key
			break
		} else if isClaimError(err) {
			return nil, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
		}
	}

	return h, nil
}

// FreeClaimers はUSBを占有している常駐プロセスを終了させる
func (g *GPhoto2) FreeClaimers(ctx context.Context) {
	for _, name := range usbClaimers {
		_, _ = g.cfg.Runner(ctx, "pkill", "-9", "-f", name)
	}
}

// ReadPreview はライブビュー画像を1枚取得する
func (g *GPhoto2) ReadPreview(ctx context.Context, h Handle) (Frame, error) {
	gh, err := g.handle(h)
	if err != nil {
		return Frame{}, err
	}

	out, err := g.run(ctx, gh.port, "--capture-preview", "--stdout")
	if err != nil {
		if isClaimError(err) {
			return Frame{}, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
		}
		return Frame{}, fmt.Errorf("プレビュー取得に失敗: %w", err)
	}
	if len(out) == 0 {
		return Frame{}, ErrNoFrame
	}
	if !IsJPEG(out) {
		return Frame{}, ErrNotImageFormat
	}
	return Frame{Data: out}, nil
}

// CaptureStill はシャッターを切り、画像をダウンロードする
// カメラ側のファイルはダウンロード後に削除されるため Ref は常に空
func (g *GPhoto2) CaptureStill(ctx context.Context, h Handle) (Still, error) {
	gh, err := g.handle(h)
	if err != nil {
		return Still{}, err
	}

	dir := g.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	prefix := filepath.Join(dir, "photohub-"+uuid.NewString())

	if _, err := g.run(ctx, gh.port,
		"--capture-image-and-download",
		"--filename", prefix+".%C",
		"--force-overwrite",
	); err != nil {
		if isClaimError(err) {
			return Still{}, fmt.Errorf("%w: %v", ErrDeviceBusy, err)
		}
		return Still{}, fmt.Errorf("撮影に失敗: %w", err)
	}

	files, err := filepath.Glob(prefix + ".*")
	if err != nil || len(files) == 0 {
		return Still{}, fmt.Errorf("撮影画像が見つかりません: %s", prefix)
	}
	defer func() {
		for _, f := range files {
			_ = os.Remove(f)
		}
	}()

	data, err := os.ReadFile(files[0])
	if err != nil {
		return Still{}, fmt.Errorf("撮影画像の読み込みに失敗: %w", err)
	}

	return Still{
		Data: data,
		MIME: MIMEForName(files[0]),
		Name: filepath.Base(files[0]),
	}, nil
}

// EnterStillMode はライブビューを止めて静止画撮影に備える
func (g *GPhoto2) EnterStillMode(ctx context.Context, h Handle) error {
	return g.setViewfinder(ctx, h, "0")
}

// ExitStillMode はライブビューを再開する
func (g *GPhoto2) ExitStillMode(ctx context.Context, h Handle) error {
	return g.setViewfinder(ctx, h, "1")
}

func (g *GPhoto2) setViewfinder(ctx context.Context, h Handle, value string) error {
	gh, err := g.handle(h)
	if err != nil {
		return err
	}
	gh.mu.Lock()
	key := gh.viewfinderKey
	gh.mu.Unlock()
	if key == "" {
		return nil
	}
	if _, err := g.run(ctx, gh.port, "--set-config", key+"="+value); err != nil {
		return fmt.Errorf("ライブビュー設定の変更に失敗: %w", err)
	}
	return nil
}

// Close はライブビューを無効にする
func (g *GPhoto2) Close(h Handle) error {
	gh, ok := h.(*gphotoHandle)
	if !ok {
		return fmt.Errorf("不正なハンドル: %T", h)
	}

	gh.mu.Lock()
	if gh.closed {
		gh.mu.Unlock()
		return nil
	}
	gh.closed = true
	key := gh.viewfinderKey
	gh.mu.Unlock()

	if key != "" {
		_, _ = g.run(context.Background(), gh.port, "--set-config", key+"=0")
	}
	return nil
}

func (g *GPhoto2) handle(h Handle) (*gphotoHandle, error) {
	gh, ok := h.(*gphotoHandle)
	if !ok {
		return nil, fmt.Errorf("不正なハンドル: %T", h)
	}
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.closed {
		return nil, ErrClosed
	}
	return gh, nil
}

func (g *GPhoto2) run(ctx context.Context, port string, args ...string) ([]byte, error) {
	full := append([]string{"--port", port}, args...)
	return g.cfg.Runner(ctx, g.cfg.Command, full...)
}

func isClaimError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Could not claim") || strings.Contains(msg, "-53") || errors.Is(err, ErrDeviceBusy)
}

var autoDetectLine = regexp.MustCompile(`^(.*?)\s{2,}(\S+)\s*$`)

// ParseAutoDetect は `gphoto2 --auto-detect` の出力を解析する
func ParseAutoDetect(out []byte) []DeviceInfo {
	var infos []DeviceInfo
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "Model") || strings.HasPrefix(trimmed, "---") {
			continue
		}
		m := autoDetectLine.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		infos = append(infos, DeviceInfo{Model: strings.TrimSpace(m[1]), Port: m[2]})
	}
	return infos
}
