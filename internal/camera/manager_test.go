package camera

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"photohub/internal/device"
)

func TestManager_StartProbes(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	m, _, monitor := newTestManager(t, uvc, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := m.Status(context.Background())
	if !st.OK || !st.LastProbe.OK || st.Engine != device.EngineUVC {
		t.Errorf("Unexpected status after start: %+v", st)
	}
	if st.Running {
		t.Error("Expected no worker without viewers")
	}
	if st.FrameVersion == 0 {
		t.Error("Expected probe frame to be published")
	}
	if monitor.OpenHandles() != 0 {
		t.Error("Expected probe handle to be closed")
	}
}

func TestManager_StartWithoutDevice(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC)
	m, _, _ := newTestManager(t, uvc, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st := m.Status(context.Background())
	if st.OK {
		t.Error("Expected ok=false without devices")
	}
	if st.LastProbe.Reason != ReasonNoDevice || st.LastError != ReasonNoDevice {
		t.Errorf("Expected no-device, got reason=%q last_error=%q", st.LastProbe.Reason, st.LastError)
	}
}

func TestManager_SubscribeStartsAndStopsWorker(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	m, _, monitor := newTestManager(t, uvc, nil)
	_ = m.Start(context.Background())

	v1, err := m.Subscribe(SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	v2, err := m.Subscribe(SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	first, ok := v1.Next(ctx, time.Second)
	if !ok {
		t.Fatal("Expected a frame")
	}
	next, ok := v1.Next(ctx, time.Second)
	if !ok || next.Version <= first.Version {
		t.Errorf("Expected a newer frame, got %d after %d", next.Version, first.Version)
	}
	if m.Status(ctx).Viewers != 2 {
		t.Errorf("Expected 2 viewers, got %d", m.Status(ctx).Viewers)
	}

	v1.Close()
	v1.Close()
	if !m.Status(ctx).Running {
		t.Error("Expected worker to keep running for the remaining viewer")
	}

	v2.Close()
	if st := m.Status(ctx); st.Running || st.Viewers != 0 {
		t.Errorf("Expected idle manager, got %+v", st)
	}
	if monitor.OpenHandles() != 0 {
		t.Error("Expected every handle closed")
	}
}

func TestManager_SubscribeDiscardsStale(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	m, _, _ := newTestManager(t, uvc, nil)
	_ = m.Start(context.Background())

	m.Pause()
	before := m.Frames().Read()
	v, err := m.Subscribe(SubscribeOptions{DiscardStale: true, AutoResume: true})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer v.Close()

	if m.Status(context.Background()).Paused {
		t.Error("Expected auto resume")
	}
	snap, ok := v.Next(context.Background(), time.Second)
	if !ok {
		t.Fatal("Expected a fresh frame")
	}
	if snap.Version <= before.Version+1 {
		t.Errorf("Expected a frame newer than the discard, got version %d", snap.Version)
	}
}

func TestManager_PauseFreezesStream(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	m, _, _ := newTestManager(t, uvc, nil)
	_ = m.Start(context.Background())

	v, _ := m.Subscribe(SubscribeOptions{})
	defer v.Close()
	waitFor(t, time.Second, func() bool { return uvc.Stats().Reads > 3 }, "no frames before pause")

	m.Pause()
	time.Sleep(10 * time.Millisecond)
	frozen := m.Frames().Read()
	time.Sleep(30 * time.Millisecond)
	if got := m.Frames().Read(); got.Version != frozen.Version {
		t.Errorf("Expected stream to stay on the last frame, version moved %d -> %d", frozen.Version, got.Version)
	}
	if frozen.Empty() {
		t.Error("Expected last frame to remain available while paused")
	}

	m.Resume()
	waitFor(t, time.Second, func() bool { return m.Frames().Read().Version > frozen.Version }, "stream did not resume")
}

func TestManager_SubscribeWhilePaused(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	dslr := device.NewMockBackend(device.EngineDSLR, "usb:001,002")
	m, sink, monitor := newTestManager(t, uvc, dslr)
	_ = m.Start(context.Background())

	m.Pause()
	v, err := m.Subscribe(SubscribeOptions{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer v.Close()

	st := m.Status(context.Background())
	if !st.Paused || !st.Running || st.Viewers != 1 {
		t.Fatalf("Expected a paused but running worker, got %+v", st)
	}
	waitFor(t, time.Second, func() bool { return monitor.OpenHandles() == 1 }, "paused worker did not open the camera")

	// 一時停止中のワーカーはデバイスを読まない
	reads := dslr.Stats().Reads
	time.Sleep(20 * time.Millisecond)
	if got := dslr.Stats().Reads; got != reads {
		t.Errorf("Expected no preview reads while paused, got %d -> %d", reads, got)
	}

	// 一時停止中でも撮影できる
	res, err := m.RequestCapture(context.Background())
	if err != nil {
		t.Fatalf("Capture while paused failed: %v", err)
	}
	if res.Engine != device.EngineDSLR || sink.count() != 1 {
		t.Errorf("Unexpected capture result: %+v", res)
	}
}

func TestManager_ReprobeWhilePaused(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0", "/dev/video2")
	dslr := device.NewMockBackend(device.EngineDSLR, "usb:001,002")
	m, _, _ := newTestManager(t, uvc, dslr)
	ctx := context.Background()
	_ = m.Start(ctx)

	v, _ := m.Subscribe(SubscribeOptions{})
	defer v.Close()
	waitFor(t, time.Second, func() bool { return m.Status(ctx).Running }, "worker not running")
	m.Pause()

	tests := []struct {
		name    string
		reprobe func(t *testing.T)
	}{
		{"force reprobe", func(*testing.T) { m.ForceReprobe(ctx) }},
		{"select device", func(t *testing.T) {
			if _, err := m.SelectDevice(ctx, "usb:001,002"); err != nil {
				t.Fatalf("SelectDevice failed: %v", err)
			}
		}},
		{"reset device", func(*testing.T) { m.ResetDevice(ctx) }},
		{"hotplug", func(*testing.T) {
			m.onHotplug(ctx, DeviceSnapshot{}, DeviceSnapshot{DSLR: []string{"usb:001,002"}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.reprobe(t)
			st := m.Status(ctx)
			if !st.Running || !st.Paused || st.Viewers != 1 {
				t.Errorf("Expected the paused session to survive, got running=%v paused=%v viewers=%d", st.Running, st.Paused, st.Viewers)
			}
		})
	}

	waitFor(t, time.Second, func() bool {
		_, ok := m.workers[device.EngineDSLR].Handle()
		return ok
	}, "DSLR worker never reopened the camera")
	if _, err := m.RequestCapture(ctx); err != nil {
		t.Errorf("Capture after reprobe while paused failed: %v", err)
	}
}

// TestManager_RefcountDrivesWorker は購読と解除の列ごとに、参照カウントとワーカーの状態を確認する
func TestManager_RefcountDrivesWorker(t *testing.T) {
	tests := []struct {
		name string
		ops  string // + 購読, - 最後の視聴者を解除, x 解除済みの視聴者を再度解除, p 一時停止, r 再開
	}{
		{"single viewer", "+-"},
		{"nested viewers", "++-+--"},
		{"extra close", "+-x-x+-"},
		{"pause between", "+p+-r-p+-r"},
		{"subscribe while paused", "p++--r"},
		{"empty unsubscribe", "--x+-"},
	}

	for seed := uint64(1); seed <= 3; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7))
		ops := make([]byte, 40)
		for i := range ops {
			ops[i] = "++--xpr"[rng.IntN(7)]
		}
		tests = append(tests, struct {
			name string
			ops  string
		}{fmt.Sprintf("random seed %d", seed), string(ops)})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
			m, _, monitor := newTestManager(t, uvc, nil)
			ctx := context.Background()
			_ = m.Start(ctx)

			var viewers []*Viewer
			var closed *Viewer
			for i, op := range tt.ops {
				switch op {
				case '+':
					v, err := m.Subscribe(SubscribeOptions{})
					if err != nil {
						t.Fatalf("step %d: Subscribe failed: %v", i, err)
					}
					viewers = append(viewers, v)
				case '-':
					if len(viewers) > 0 {
						closed = viewers[len(viewers)-1]
						viewers = viewers[:len(viewers)-1]
						closed.Close()
					}
				case 'x':
					if closed != nil {
						closed.Close()
					}
				case 'p':
					m.Pause()
				case 'r':
					m.Resume()
				}

				st := m.Status(ctx)
				if st.Viewers < 0 || st.Viewers != len(viewers) {
					t.Fatalf("step %d (%c): expected %d viewers, got %d", i, op, len(viewers), st.Viewers)
				}
				if st.Running != (st.Viewers > 0) {
					t.Fatalf("step %d (%c): running=%v with %d viewers", i, op, st.Running, st.Viewers)
				}
			}

			for _, v := range viewers {
				v.Close()
			}
			if m.Status(ctx).Running || monitor.OpenHandles() != 0 {
				t.Error("Expected the camera to be released after all viewers left")
			}
		})
	}
}

func TestManager_StopStream(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	m, _, monitor := newTestManager(t, uvc, nil)
	_ = m.Start(context.Background())

	v, _ := m.Subscribe(SubscribeOptions{})
	defer v.Close()
	waitFor(t, time.Second, func() bool { return m.Status(context.Background()).Running }, "worker not running")

	m.StopStream()
	st := m.Status(context.Background())
	if st.Running || !st.Paused {
		t.Errorf("Expected paused and stopped, got %+v", st)
	}
	if monitor.OpenHandles() != 0 {
		t.Error("Expected handle to be released")
	}

	m.Resume()
	waitFor(t, time.Second, func() bool { return m.Status(context.Background()).Running }, "worker did not restart on resume")
}

func TestManager_HotplugSwitchesEngine(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	dslr := device.NewMockBackend(device.EngineDSLR)
	m, _, monitor := newTestManager(t, uvc, dslr)
	_ = m.Start(context.Background())

	v, _ := m.Subscribe(SubscribeOptions{})
	defer v.Close()
	waitFor(t, time.Second, func() bool { return uvc.Stats().Reads > 0 }, "webcam preview never started")

	dslr.SetDevices("usb:001,002")
	waitFor(t, 2*time.Second, func() bool {
		st := m.Status(context.Background())
		return st.Engine == device.EngineDSLR && dslr.Stats().Reads > 0
	}, "manager did not switch to the DSLR")

	if uvc.Stats().Opens != uvc.Stats().Closes {
		t.Errorf("Expected webcam to be released, got %+v", uvc.Stats())
	}

	dslr.SetDevices()
	waitFor(t, 2*time.Second, func() bool {
		return m.Status(context.Background()).Engine == device.EngineUVC
	}, "manager did not fall back to the webcam")

	if monitor.Violations() != 0 {
		t.Errorf("Engines overlapped: %d violations", monitor.Violations())
	}
	if len(m.events.(*RecordingSink).Events(EventHotplug)) < 2 {
		t.Error("Expected hotplug events to be emitted")
	}
}

func TestManager_CaptureWhileStreaming(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	dslr := device.NewMockBackend(device.EngineDSLR, "usb:001,002")
	m, sink, monitor := newTestManager(t, uvc, dslr)
	_ = m.Start(context.Background())

	v, _ := m.Subscribe(SubscribeOptions{})
	defer v.Close()
	waitFor(t, time.Second, func() bool {
		_, ok := m.workers[device.EngineDSLR].Handle()
		return ok
	}, "DSLR worker never opened the camera")

	for i := 0; i < 3; i++ {
		before := m.Frames().Read().Version
		res, err := m.RequestCapture(context.Background())
		if err != nil {
			t.Fatalf("Capture %d failed: %v", i, err)
		}
		// 撮影画像はその場で公開され、撮影直前より新しい版になる
		if !res.Published {
			t.Errorf("Capture %d was not published to viewers", i)
		}
		if after := m.Frames().Read().Version; after <= before {
			t.Errorf("Capture %d: expected version > %d, got %d", i, before, after)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RequestCapture(context.Background())
			if err != nil && !errors.Is(err, ErrCaptureInProgress) {
				t.Errorf("Unexpected capture error: %v", err)
			}
		}()
	}
	wg.Wait()

	if sink.count() < 4 {
		t.Errorf("Expected at least 4 saved stills, got %d", sink.count())
	}
	if monitor.Violations() != 0 {
		t.Errorf("Capture overlapped with preview: %d violations", monitor.Violations())
	}

	// 撮影後もプレビューは続く
	ver := m.Frames().Read().Version
	waitFor(t, time.Second, func() bool { return m.Frames().Read().Version > ver }, "preview did not continue after capture")
}

func TestManager_CaptureWithoutDSLRWorker(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	dslr := device.NewMockBackend(device.EngineDSLR, "usb:001,002")
	m, _, _ := newTestManager(t, uvc, dslr)
	_ = m.Start(context.Background())

	_, err := m.RequestCapture(context.Background())
	if kind, _ := CaptureErrorKindOf(err); kind != CaptureNotReady {
		t.Errorf("Expected not-ready without a running DSLR worker, got %v", err)
	}
}

func TestManager_CaptureUVCWithoutViewers(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	m, sink, _ := newTestManager(t, uvc, nil)
	_ = m.Start(context.Background())

	res, err := m.RequestCapture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if res.Engine != device.EngineUVC || sink.count() != 1 {
		t.Errorf("Unexpected capture result: %+v", res)
	}
}

func TestManager_SelectDevice(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0", "/dev/video2")
	m, _, _ := newTestManager(t, uvc, nil)
	ctx := context.Background()
	_ = m.Start(ctx)

	res, err := m.SelectDevice(ctx, "/dev/video2")
	if err != nil {
		t.Fatalf("SelectDevice failed: %v", err)
	}
	if res.Device != "/dev/video2" || !res.OK {
		t.Errorf("Unexpected probe result: %+v", res)
	}
	if d := m.Devices(ctx); d.SelectedUVC != "/dev/video2" || len(d.UVC) != 2 {
		t.Errorf("Unexpected devices: %+v", d)
	}

	if _, err := m.SelectDevice(ctx, "/dev/video9"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}
	if _, err := m.SelectDevice(ctx, "usb:001,002"); !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable without a DSLR backend, got %v", err)
	}
}

func TestManager_DevicesAndStatus(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC)
	dslr := device.NewMockBackend(device.EngineDSLR, "usb:001,002")
	m, _, _ := newTestManager(t, uvc, dslr)
	ctx := context.Background()
	_ = m.Start(ctx)

	d := m.Devices(ctx)
	if d.UVC == nil || len(d.UVC) != 0 {
		t.Errorf("Expected empty webcam list, got %v", d.UVC)
	}
	if len(d.DSLR) != 1 || d.DSLR[0].Port != "usb:001,002" {
		t.Errorf("Unexpected DSLR list: %+v", d.DSLR)
	}

	st := m.Status(ctx)
	if !st.DSLRSupported || st.Engine != device.EngineDSLR {
		t.Errorf("Unexpected status: %+v", st)
	}
	if len(st.Workers) != 2 {
		t.Errorf("Expected both workers reported, got %d", len(st.Workers))
	}
}

func TestManager_ResetDevice(t *testing.T) {
	dslr := device.NewMockBackend(device.EngineDSLR, "usb:001,002")
	dslr.FailOpen(errors.Join(device.ErrInitFailed, errors.New("could not claim the USB device")))
	m, _, _ := newTestManager(t, nil, dslr)
	ctx := context.Background()
	_ = m.Start(ctx)

	if st := m.Status(ctx); st.LastProbe.OK || st.DSLRError == "" {
		t.Errorf("Expected failed probe to be reported, got %+v", st)
	}

	res := m.ResetDevice(ctx)
	if !res.OK {
		t.Errorf("Expected probe to succeed after reset, got %+v", res)
	}
	if dslr.Stats().Freed != 1 {
		t.Error("Expected USB claimers to be freed")
	}
}

func TestManager_Stop(t *testing.T) {
	uvc := device.NewMockBackend(device.EngineUVC, "/dev/video0")
	m, _, monitor := newTestManager(t, uvc, nil)
	_ = m.Start(context.Background())

	v, _ := m.Subscribe(SubscribeOptions{})
	waitFor(t, time.Second, func() bool { return uvc.Stats().Reads > 0 }, "worker produced no frames")

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	v.Close()

	if monitor.OpenHandles() != 0 {
		t.Error("Expected every handle closed after Stop")
	}
	if _, err := m.Subscribe(SubscribeOptions{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	if _, err := m.RequestCapture(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped from capture, got %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected restart to be refused, got %v", err)
	}
}
