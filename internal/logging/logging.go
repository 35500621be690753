// Package logging はアプリケーション共通のロガーを組み立てる
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options はロガーの設定
type Options struct {
	Level   string // debug / info / warn / error
	Output  string // stdout / stderr / 空で破棄 / それ以外はファイルパス
	Console bool   // 人が読む形式で出力する
}

// New はzerologのロガーを作成する
// 戻り値の io.Closer はファイル出力のときだけ意味を持つ
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("ログレベルの解析に失敗: %w", err)
		}
		level = parsed
	}

	out, closer := Writer(opts.Output)
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime, NoColor: opts.Output != "stdout" && opts.Output != "stderr"}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// Writer はログの出力先を返す
func Writer(output string) (io.Writer, io.Closer) {
	switch output {
	case "stdout":
		return os.Stdout, nopCloser{}
	case "stderr":
		return os.Stderr, nopCloser{}
	case "":
		return io.Discard, nopCloser{}
	default:
		lj := &lumberjack.Logger{
			Filename:   output,
			MaxSize:    100,
			MaxAge:     14,
			MaxBackups: 10,
		}
		return lj, lj
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
