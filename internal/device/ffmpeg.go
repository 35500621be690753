package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpegUVC はffmpegのimage2pipe出力からフレームを取得するWebカメラバックエンド
// ネイティブドライバーが使えない環境向け
type FFmpegUVC struct {
	cfg UVCConfig
}

type ffmpegHandle struct {
	path   string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{}
	stderr *tailBuffer

	mu     sync.Mutex
	closed bool
}

func (h *ffmpegHandle) Selector() string { return h.path }

// NewFFmpegUVC は新しいFFmpegUVCを作成する
func NewFFmpegUVC(cfg UVCConfig) Backend {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	return &FFmpegUVC{cfg: cfg}
}

// Engine はエンジン種別を返す
func (f *FFmpegUVC) Engine() Engine { return EngineUVC }

// Available はffmpegコマンドが見つかるか確認する
func (f *FFmpegUVC) Available() bool {
	_, err := exec.LookPath(f.cfg.Command)
	return err == nil
}

// Enumerate は /dev/video* を列挙する
func (f *FFmpegUVC) Enumerate(ctx context.Context) ([]string, error) {
	return enumerateVideo(ctx, f.cfg)
}

// Open はffmpegプロセスを起動してフレームの読み取りを開始する
func (f *FFmpegUVC) Open(_ context.Context, selector string) (Handle, error) {
	if _, err := os.Stat(selector); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, selector)
	}

	// プロセスはハンドルの寿命に合わせるため、呼び出し元のctxとは切り離す
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, f.cfg.Command, f.args(selector)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: ffmpegの起動に失敗: %v", ErrDeviceOpenFailed, err)
	}

	h := &ffmpegHandle{
		path:   selector,
		cmd:    cmd,
		cancel: cancel,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
		stderr: stderr,
	}

	go func() {
		defer close(h.done)
		_ = SplitJPEG(stdout, h.offer)
		_ = cmd.Wait() // キャンセル時のエラーは無視
	}()

	return h, nil
}

// offer は最新フレームだけを保持する（古いフレームは捨てる）
func (h *ffmpegHandle) offer(frame []byte) bool {
	for {
		select {
		case h.frames <- frame:
			return true
		default:
		}
		select {
		case <-h.frames:
		default:
		}
	}
}

func (f *FFmpegUVC) args(selector string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}
	if f.cfg.Width > 0 && f.cfg.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", f.cfg.Width, f.cfg.Height))
	}
	if f.cfg.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(f.cfg.FPS))
	}
	return append(args,
		"-i", selector,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// ReadPreview は最新フレームを1枚取り出す
func (f *FFmpegUVC) ReadPreview(ctx context.Context, h Handle) (Frame, error) {
	fh, ok := h.(*ffmpegHandle)
	if !ok {
		return Frame{}, fmt.Errorf("不正なハンドル: %T", h)
	}
	fh.mu.Lock()
	closed := fh.closed
	fh.mu.Unlock()
	if closed {
		return Frame{}, ErrClosed
	}

	timeout := f.cfg.FrameTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-fh.frames:
		return Frame{Data: frame}, nil
	case <-fh.done:
		// プロセス終了後に残っているフレームがあれば返す
		select {
		case frame := <-fh.frames:
			return Frame{Data: frame}, nil
		default:
		}
		return Frame{}, fh.exitError()
	case <-timer.C:
		return Frame{}, ErrReadTimeout
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (h *ffmpegHandle) exitError() error {
	msg := strings.TrimSpace(h.stderr.String())
	if strings.Contains(msg, "Device or resource busy") {
		return fmt.Errorf("%w: %s", ErrDeviceBusy, h.path)
	}
	return fmt.Errorf("%w: ffmpegが終了しました: %s", ErrDeviceOpenFailed, msg)
}

// CaptureStill はプレビューと同じストリームから1枚取り出す
func (f *FFmpegUVC) CaptureStill(ctx context.Context, h Handle) (Still, error) {
	frame, err := f.ReadPreview(ctx, h)
	if err != nil {
		return Still{}, err
	}
	return Still{Data: frame.Data, MIME: "image/jpeg"}, nil
}

// Close はffmpegプロセスを停止して終了を待つ
func (f *FFmpegUVC) Close(h Handle) error {
	fh, ok := h.(*ffmpegHandle)
	if !ok {
		return fmt.Errorf("不正なハンドル: %T", h)
	}

	fh.mu.Lock()
	if fh.closed {
		fh.mu.Unlock()
		return nil
	}
	fh.closed = true
	fh.mu.Unlock()

	fh.cancel()
	select {
	case <-fh.done:
	case <-time.After(3 * time.Second):
		return fmt.Errorf("ffmpegの停止がタイムアウトしました: %s", fh.path)
	}
	return nil
}

// SplitJPEG はストリームをSOI/EOIマーカーでJPEGフレームに分割し、emitに渡す
// emitがfalseを返すと読み取りを終える
func SplitJPEG(r io.Reader, emit func([]byte) bool) error {
	br := bufio.NewReaderSize(r, 64*1024)
	chunk := make([]byte, 64*1024)
	var buf bytes.Buffer

	for {
		n, err := br.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				data := buf.Bytes()
				start := bytes.Index(data, jpegSOI)
				if start == -1 {
					// 次の読み取りでマーカーが揃う可能性があるので最後の1バイトは残す
					if len(data) > 1 {
						tail := data[len(data)-1]
						buf.Reset()
						buf.WriteByte(tail)
					}
					break
				}
				end := bytes.Index(data[start+2:], jpegEOI)
				if end == -1 {
					if start > 0 {
						rest := append([]byte(nil), data[start:]...)
						buf.Reset()
						buf.Write(rest)
					}
					break
				}
				end += start + 4

				frame := make([]byte, end-start)
				copy(frame, data[start:end])

				rest := append([]byte(nil), data[end:]...)
				buf.Reset()
				buf.Write(rest)

				if !emit(frame) {
					return nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
	}
}

// tailBuffer は末尾limitバイトだけを保持するio.Writer
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
