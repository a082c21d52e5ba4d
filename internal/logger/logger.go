package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 组件统一使用的结构化日志接口
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	With(keysAndValues ...any) Logger
}

// Options 日志输出配置
type Options struct {
	Level   string   // debug / info / warn / error
	Writers []string // console / file
	File    string   // file writer 的目标路径
}

// New 按配置创建 zerolog 实现
func New(opts Options) Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	for _, w := range opts.Writers {
		switch w {
		case "console":
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		case "file":
			file := opts.File
			if file == "" {
				file = "mitmcap.log"
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   file,
				MaxSize:    50, // MB
				MaxBackups: 5,
				MaxAge:     14, // days
			})
		}
	}
	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return &zeroLogger{zl: zl}
}

// NewNop 创建丢弃所有输出的 logger，用于测试
func NewNop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

type zeroLogger struct {
	zl zerolog.Logger
}

func (z *zeroLogger) Debug(msg string, keysAndValues ...any) {
	z.zl.Debug().Fields(keysAndValues).Msg(msg)
}

func (z *zeroLogger) Info(msg string, keysAndValues ...any) {
	z.zl.Info().Fields(keysAndValues).Msg(msg)
}

func (z *zeroLogger) Warn(msg string, keysAndValues ...any) {
	z.zl.Warn().Fields(keysAndValues).Msg(msg)
}

func (z *zeroLogger) Error(msg string, keysAndValues ...any) {
	z.zl.Error().Fields(keysAndValues).Msg(msg)
}

func (z *zeroLogger) With(keysAndValues ...any) Logger {
	return &zeroLogger{zl: z.zl.With().Fields(keysAndValues).Logger()}
}
