package camera

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photohub/internal/device"
)

// プローブ結果の理由
const (
	ReasonOK         = "ok"
	ReasonNoDevice   = "no-device"
	ReasonOpenFailed = "open-failed"
	ReasonNoFrame    = "no-frame"
	ReasonNotJPEG    = "not-jpeg"
	reasonInitFailed = "init-failed"
)

// ProbeResult はコールドプローブの結果。生成後に変更されることはない
type ProbeResult struct {
	Engine  device.Engine `json:"engine"`
	OK      bool          `json:"ok"`
	Reason  string        `json:"reason"`
	Details string        `json:"details,omitempty"`
	Device  string        `json:"device,omitempty"`
	Time    time.Time     `json:"time"`
}

// Prober はデバイスを一度だけ開いて1フレーム読むコールドプローブを行う
type Prober struct {
	backends map[device.Engine]device.Backend
	lock     *OwnershipLock
	buffer   *FrameBuffer
	encoder  Encoder
	events   EventSink
	logger   zerolog.Logger
}

// NewProber は新しいProberを作成する
func NewProber(uvc, dslr device.Backend, lock *OwnershipLock, buffer *FrameBuffer, encoder Encoder, events EventSink, logger zerolog.Logger) *Prober {
	backends := make(map[device.Engine]device.Backend)
	if uvc != nil {
		backends[device.EngineUVC] = uvc
	}
	if dslr != nil {
		backends[device.EngineDSLR] = dslr
	}
	return &Prober{
		backends: backends,
		lock:     lock,
		buffer:   buffer,
		encoder:  encoder,
		events:   events,
		logger:   logger.With().Str("component", "probe").Logger(),
	}
}

// ColdProbe は指定エンジンのデバイスを確認する
// preferred が接続中ならそれを、なければ最初のデバイスを開く
// 成功した場合は読み取ったフレームをフレームバッファへ公開する
func (p *Prober) ColdProbe(ctx context.Context, engine device.Engine, preferred string) ProbeResult {
	res := p.probe(ctx, engine, preferred)

	p.logger.Info().
		Str("engine", string(engine)).
		Bool("ok", res.OK).
		Str("reason", res.Reason).
		Str("device", res.Device).
		Msg("コールドプローブ完了")
	emit(p.events, Event{
		Kind:    EventProbe,
		Engine:  engine,
		Message: res.Reason,
		Fields:  map[string]interface{}{"ok": res.OK, "device": res.Device, "details": res.Details},
		Time:    res.Time,
	})
	return res
}

func (p *Prober) probe(ctx context.Context, engine device.Engine, preferred string) ProbeResult {
	res := ProbeResult{Engine: engine, Time: time.Now()}

	backend, ok := p.backends[engine]
	if !ok || !backend.Available() {
		res.Reason = ReasonNoDevice
		res.Details = device.ErrUnavailable.Error()
		return res
	}

	ids, err := backend.Enumerate(ctx)
	if err != nil {
		res.Reason = reasonInitFailed + ":" + err.Error()
		res.Details = err.Error()
		return res
	}
	if len(ids) == 0 {
		res.Reason = ReasonNoDevice
		return res
	}

	res.Device = ids[0]
	if preferred != "" && device.Contains(ids, preferred) {
		res.Device = preferred
	}

	owner := Owner{Role: RoleProbe, ID: uuid.NewString()}
	var (
		data    []byte
		openErr error
	)
	err = p.lock.Do(ctx, owner, func() error {
		h, err := backend.Open(ctx, res.Device)
		if err != nil {
			openErr = err
			return err
		}
		defer func() {
			_ = backend.Close(h)
		}()

		frame, err := backend.ReadPreview(ctx, h)
		if err != nil {
			return err
		}
		data, err = p.encoder.Encode(frame)
		return err
	})
	if err != nil {
		res.Details = err.Error()
		if openErr != nil {
			res.Reason = openReason(openErr)
		} else {
			res.Reason = readReason(err)
		}
		return res
	}

	p.buffer.Publish(data)
	res.OK = true
	res.Reason = ReasonOK
	return res
}

func openReason(err error) string {
	switch {
	case errors.Is(err, device.ErrInitFailed):
		return reasonInitFailed + ":" + err.Error()
	case errors.Is(err, device.ErrDeviceNotFound):
		return ReasonNoDevice
	default:
		return ReasonOpenFailed
	}
}

func readReason(err error) string {
	if errors.Is(err, device.ErrNotImageFormat) {
		return ReasonNotJPEG
	}
	return ReasonNoFrame
}
