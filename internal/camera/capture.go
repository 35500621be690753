package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marusama/semaphore/v2"
	"github.com/rs/zerolog"
	"github.com/rwcarlsen/goexif/exif"

	"photohub/internal/device"
)

// Sink は撮影画像の保存先
type Sink interface {
	// Save はデータを保存し、実際に保存したパスを返す。既存ファイルは上書きしない
	Save(ctx context.Context, data []byte, suggestedName string) (string, error)
}

// CaptureResult は撮影結果
type CaptureResult struct {
	ID        string            `json:"id"`
	Engine    device.Engine     `json:"engine"`
	Path      string            `json:"path"`
	Name      string            `json:"name"`
	MIME      string            `json:"mime"`
	Size      int               `json:"size"`
	Published bool              `json:"published"`
	Meta      map[string]string `json:"meta,omitempty"`
	Time      time.Time         `json:"time"`
}

// captureTarget は撮影対象のセッション
type captureTarget struct {
	engine    device.Engine
	backend   device.Backend
	worker    *Worker // 動作中のプレビューワーカー（なければnil）
	preferred string
}

// Coordinator は撮影要求を1件ずつ処理する
type Coordinator struct {
	guard    semaphore.Semaphore
	lock     *OwnershipLock
	buffer   *FrameBuffer
	encoder  Encoder
	sink     Sink
	events   EventSink
	logger   zerolog.Logger
	timeout  time.Duration
	maxWidth int
	now      func() time.Time
}

// NewCoordinator は新しいCoordinatorを作成する
func NewCoordinator(lock *OwnershipLock, buffer *FrameBuffer, encoder Encoder, sink Sink, timeout time.Duration, previewMaxWidth int, events EventSink, logger zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		guard:    semaphore.New(1),
		lock:     lock,
		buffer:   buffer,
		encoder:  encoder,
		sink:     sink,
		events:   events,
		logger:   logger.With().Str("component", "capture").Logger(),
		timeout:  timeout,
		maxWidth: previewMaxWidth,
		now:      time.Now,
	}
}

// Capture は撮影を行う。処理中の要求があれば待たずに busy で失敗する
func (c *Coordinator) Capture(ctx context.Context, target captureTarget) (CaptureResult, error) {
	if !c.guard.TryAcquire(1) {
		return CaptureResult{}, captureErr(CaptureBusy, ErrCaptureInProgress)
	}
	defer c.guard.Release(1)

	id := uuid.NewString()
	started := c.now()

	var (
		res CaptureResult
		err error
	)
	switch target.engine {
	case device.EngineDSLR:
		res, err = c.captureDSLR(ctx, id, target)
	default:
		res, err = c.captureUVC(ctx, id, target)
	}

	fields := map[string]interface{}{"id": id, "elapsed_ms": time.Since(started).Milliseconds()}
	if err != nil {
		kind, _ := CaptureErrorKindOf(err)
		fields["kind"] = string(kind)
		c.logger.Warn().Err(err).Str("engine", string(target.engine)).Msg("撮影に失敗")
		emit(c.events, Event{Kind: EventCapture, Engine: target.engine, Message: "failed", Err: err, Fields: fields})
		return CaptureResult{}, err
	}

	fields["path"] = res.Path
	c.logger.Info().Str("engine", string(target.engine)).Str("path", res.Path).Int("size", res.Size).Msg("撮影完了")
	emit(c.events, Event{Kind: EventCapture, Engine: target.engine, Message: "saved", Fields: fields})
	return res, nil
}

func (c *Coordinator) captureDSLR(ctx context.Context, id string, target captureTarget) (CaptureResult, error) {
	if target.backend == nil || target.worker == nil || !target.worker.Running() {
		return CaptureResult{}, captureErr(CaptureNotReady, ErrNotReady)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	owner := Owner{Role: RoleCapture, ID: id}
	if err := c.lock.Acquire(ctx, owner); err != nil {
		return CaptureResult{}, captureErr(CaptureTimeout, fmt.Errorf("%w: %v", ErrCaptureTimeout, err))
	}
	defer func() {
		_ = c.lock.Release(owner)
	}()

	// ロック取得中にワーカーがハンドルを閉じている可能性があるので取り直す
	h, ok := target.worker.Handle()
	if !ok {
		return CaptureResult{}, captureErr(CaptureNotReady, ErrNotReady)
	}

	switcher, needsMode := target.backend.(device.StillModeSwitcher)
	if needsMode {
		if err := switcher.EnterStillMode(ctx, h); err != nil {
			return CaptureResult{}, c.hardware(ctx, err)
		}
	}

	res, still, err := c.shootAndSave(ctx, id, target, h)

	if needsMode {
		// プレビューへの復帰は撮影の成否に関わらず行う
		restoreCtx, cancelRestore := context.WithTimeout(context.Background(), c.timeout)
		if exitErr := switcher.ExitStillMode(restoreCtx, h); exitErr != nil {
			c.logger.Warn().Err(exitErr).Msg("プレビューモードへの復帰に失敗")
		}
		cancelRestore()
	}
	if err != nil {
		return CaptureResult{}, err
	}

	res.Published = c.publish(still.Data)
	return res, nil
}

func (c *Coordinator) shootAndSave(ctx context.Context, id string, target captureTarget, h device.Handle) (CaptureResult, device.Still, error) {
	still, err := target.backend.CaptureStill(ctx, h)
	if err != nil {
		return CaptureResult{}, still, c.hardware(ctx, err)
	}
	if len(still.Data) == 0 {
		return CaptureResult{}, still, captureErr(CaptureHardware, device.ErrNoFrame)
	}

	res, err := c.save(ctx, id, target.engine, still)
	if err != nil {
		return CaptureResult{}, still, err
	}

	if remover, ok := target.backend.(device.TransientRemover); ok && still.Ref != "" {
		if err := remover.RemoveTransient(ctx, h, still); err != nil {
			c.logger.Warn().Err(err).Str("ref", still.Ref).Msg("カメラ内の一時ファイル削除に失敗")
		}
	}
	return res, still, nil
}

func (c *Coordinator) captureUVC(ctx context.Context, id string, target captureTarget) (CaptureResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	snap := c.buffer.Read()
	data := snap.Payload
	oneShot := false

	switch {
	case len(data) > 0:
	case target.worker == nil || !target.worker.Running():
		frame, err := c.oneShot(ctx, id, target)
		if err != nil {
			return CaptureResult{}, err
		}
		data = frame
		oneShot = true
	default:
		// ワーカー起動直後で最初のフレームがまだ無い
		since := snap.Version
		for len(data) == 0 {
			next, ok := c.buffer.WaitForNew(ctx, since, c.timeout)
			if !ok {
				return CaptureResult{}, captureErr(CaptureTimeout, ErrCaptureTimeout)
			}
			since = next.Version
			data = next.Payload
		}
	}

	res, err := c.save(ctx, id, device.EngineUVC, device.Still{Data: data, MIME: "image/jpeg"})
	if err != nil {
		return CaptureResult{}, err
	}
	if oneShot {
		res.Published = c.publish(data)
	}
	return res, nil
}

// oneShot はワーカーが動いていないときに1回だけデバイスを開いて読む
func (c *Coordinator) oneShot(ctx context.Context, id string, target captureTarget) ([]byte, error) {
	if target.backend == nil || !target.backend.Available() {
		return nil, captureErr(CaptureNotReady, ErrNotReady)
	}

	ids, err := target.backend.Enumerate(ctx)
	if err != nil || len(ids) == 0 {
		return nil, captureErr(CaptureNotReady, fmt.Errorf("%w: %v", ErrNotReady, device.ErrDeviceNotFound))
	}
	selector := ids[0]
	if target.preferred != "" && device.Contains(ids, target.preferred) {
		selector = target.preferred
	}

	var data []byte
	err = c.lock.Do(ctx, Owner{Role: RoleCapture, ID: id}, func() error {
		frame, err := device.ProbeOnce(ctx, target.backend, selector)
		if err != nil {
			return err
		}
		data, err = c.encoder.Encode(frame)
		return err
	})
	if err != nil {
		return nil, c.hardware(ctx, err)
	}
	return data, nil
}

func (c *Coordinator) save(ctx context.Context, id string, engine device.Engine, still device.Still) (CaptureResult, error) {
	mimeType := still.MIME
	if mimeType == "" {
		mimeType = device.MIMEForName(still.Name)
	}
	name := "capture_" + c.now().Format("20060102_150405") + device.ExtForMIME(mimeType, still.Name)

	if c.sink == nil {
		return CaptureResult{}, captureErr(CaptureNotReady, fmt.Errorf("保存先が設定されていません: %w", ErrNotReady))
	}
	path, err := c.sink.Save(ctx, still.Data, name)
	if err != nil {
		return CaptureResult{}, captureErr(CaptureHardware, fmt.Errorf("撮影画像の保存に失敗: %w", err))
	}

	return CaptureResult{
		ID:     id,
		Engine: engine,
		Path:   path,
		Name:   baseName(path),
		MIME:   mimeType,
		Size:   len(still.Data),
		Meta:   ExifMeta(still.Data),
		Time:   c.now(),
	}, nil
}

// publish はJPEGの撮影画像をプレビューとして公開する
func (c *Coordinator) publish(data []byte) bool {
	if !device.IsJPEG(data) {
		return false
	}
	preview, err := c.encoder.Fit(data, c.maxWidth)
	if err != nil {
		c.logger.Warn().Err(err).Msg("プレビュー用の縮小に失敗")
		preview = data
	}
	c.buffer.Publish(preview)
	return true
}

func (c *Coordinator) hardware(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return captureErr(CaptureTimeout, fmt.Errorf("%w: %v", ErrCaptureTimeout, err))
	}
	return captureErr(CaptureHardware, err)
}

// ExifMeta は画像のEXIFから主要な撮影情報を取り出す。EXIFが無ければnil
func ExifMeta(data []byte) map[string]string {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	fields := map[string]exif.FieldName{
		"make":          exif.Make,
		"model":         exif.Model,
		"exposure_time": exif.ExposureTime,
		"f_number":      exif.FNumber,
		"iso":           exif.ISOSpeedRatings,
		"focal_length":  exif.FocalLength,
		"taken_at":      exif.DateTimeOriginal,
	}

	meta := make(map[string]string)
	for key, name := range fields {
		tag, err := x.Get(name)
		if err != nil {
			continue
		}
		value := tag.String()
		if s, err := tag.StringVal(); err == nil {
			value = s
		}
		meta[key] = strings.Trim(value, "\" \x00")
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}
