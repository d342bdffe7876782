// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package genericconf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/exp/slog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

var globalFileWriter = bufferedFileWriter{}

// bufferedFileWriter hands log records to a lumberjack rotating file.
// At most BufSize records are in flight; further records are dropped.
type bufferedFileWriter struct {
	mutex  sync.Mutex
	writer *lumberjack.Logger

	cancel context.CancelFunc

	inFlight chan struct{}
	written  chan struct{}
}

func (l *bufferedFileWriter) Write(p []byte) (n int, err error) {
	select {
	case l.inFlight <- struct{}{}:
		l.mutex.Lock()
		_, _ = l.writer.Write(p)
		l.mutex.Unlock()
		l.written <- struct{}{}
	default:
	}
	return len(p), nil
}

// open is not threadsafe
func (l *bufferedFileWriter) open(config *FileLoggingConfig, filename string) io.Writer {
	_ = l.close()
	l.writer = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		LocalTime:  config.LocalTime,
		Compress:   config.Compress,
	}
	l.inFlight = make(chan struct{}, config.BufSize)
	l.written = make(chan struct{}, config.BufSize)
	inFlight, written := l.inFlight, l.written
	var ctx context.Context
	ctx, l.cancel = context.WithCancel(context.Background())
	go func() {
		for {
			select {
			case <-inFlight:
				<-written
			case <-ctx.Done():
				return
			}
		}
	}()
	return l
}

// close is not threadsafe
func (l *bufferedFileWriter) close() error {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.writer != nil {
		if err := l.writer.Close(); err != nil {
			return err
		}
		l.writer = nil
	}
	return nil
}

func ToSlogLevel(str string) (slog.Level, error) {
	switch strings.ToLower(str) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	default:
		return log.LevelInfo, fmt.Errorf("invalid log level: %v", str)
	}
}

func HandlerFromLogType(logType string, output io.Writer) (slog.Handler, error) {
	switch logType {
	case "plaintext":
		useColor := false
		if output == os.Stderr {
			useColor = term.IsTerminal(int(os.Stderr.Fd()))
		}
		return log.NewTerminalHandler(output, useColor), nil
	case "json":
		return log.JSONHandler(output), nil
	default:
		return nil, errors.New("invalid log type")
	}
}

// InitLog installs the default logger. It is not threadsafe.
func InitLog(logType string, logLevel string, fileLoggingConfig *FileLoggingConfig, pathResolver func(string) string) error {
	if err := globalFileWriter.close(); err != nil {
		return fmt.Errorf("failed to close file writer: %w", err)
	}
	var output io.Writer = os.Stderr
	if fileLoggingConfig.Enable {
		output = io.MultiWriter(
			os.Stderr,
			globalFileWriter.open(fileLoggingConfig, pathResolver(fileLoggingConfig.File)),
		)
	}
	handler, err := HandlerFromLogType(logType, output)
	if err != nil {
		return fmt.Errorf("error parsing log type when creating handler: %w", err)
	}
	level, err := ToSlogLevel(logLevel)
	if err != nil {
		return fmt.Errorf("error parsing log level: %w", err)
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(level)
	log.SetDefault(log.NewLogger(glogger))
	return nil
}

// CloseLog flushes and closes the rotating file, if any.
func CloseLog() error {
	return globalFileWriter.close()
}
