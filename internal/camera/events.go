package camera

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"photohub/internal/device"
)

// EventKind はイベントの種類
type EventKind string

const (
	EventProbe   EventKind = "probe"
	EventWorker  EventKind = "worker"
	EventCapture EventKind = "capture"
	EventHotplug EventKind = "hotplug"
)

// Event はセッションで起きた出来事
type Event struct {
	Kind    EventKind
	Engine  device.Engine
	Message string
	Err     error
	Fields  map[string]interface{}
	Time    time.Time
}

// EventSink はイベントの通知先
type EventSink interface {
	Emit(ev Event)
}

// LogSink はイベントを構造化ログとして出力する
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink は新しいLogSinkを作成する
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

// Emit はイベントを1件のログとして書き出す
func (s *LogSink) Emit(ev Event) {
	entry := s.logger.Info()
	if ev.Err != nil {
		entry = s.logger.Warn().Err(ev.Err)
	}
	entry.
		Str("event", string(ev.Kind)).
		Str("engine", string(ev.Engine)).
		Fields(ev.Fields).
		Msg(ev.Message)
}

// RecordingSink はイベントをメモリに記録する（テスト用）
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingSink は新しいRecordingSinkを作成する
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Emit はイベントを記録する
func (s *RecordingSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events は記録したイベントのうちkindに一致するものを返す。空なら全件
func (s *RecordingSink) Events(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if kind == "" || ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func emit(sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	sink.Emit(ev)
}
