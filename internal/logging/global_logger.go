// Package logging configures the process-wide logrus logger, its rotating file
// output, and the request-id plumbing shared by handlers and executors.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	defaultLogsDir = "logs"
)

// LogFormatter renders entries as "[time] [request_id] [level] [file:line] message".
type LogFormatter struct{}

// Format implements log.Formatter.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	levelStr := fmt.Sprintf("%-5s", entry.Level.String())
	if entry.Caller != nil {
		fmt.Fprintf(b, "[%s] [%s] [%s] [%s:%d] %s", timestamp, reqID, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message)
	} else {
		fmt.Fprintf(b, "[%s] [%s] [%s] %s", timestamp, reqID, levelStr, message)
	}
	for key, value := range entry.Data {
		if key == "request_id" {
			continue
		}
		fmt.Fprintf(b, " %s=%v", key, value)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// SetupBaseLogger installs the formatter and stdout output once per process.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})
	})
}

// ConfigureLogOutput switches the global log destination between rotating files and stdout.
func ConfigureLogOutput(loggingToFile bool, logsDir string) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	if !loggingToFile {
		closeLogWriterLocked()
		log.SetOutput(os.Stdout)
		return nil
	}

	dir := strings.TrimSpace(logsDir)
	if dir == "" {
		dir = defaultLogsDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}

	closeLogWriterLocked()
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "main.log"),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   false,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, logWriter))
	return nil
}

// SetLevel maps the debug flag onto the logrus level.
func SetLevel(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

// CloseLogOutput releases the rotating writer, if any.
func CloseLogOutput() {
	writerMu.Lock()
	defer writerMu.Unlock()
	closeLogWriterLocked()
	log.SetOutput(os.Stdout)
}

func closeLogWriterLocked() {
	if logWriter == nil {
		return
	}
	if errClose := logWriter.Close(); errClose != nil {
		fmt.Fprintf(os.Stderr, "logging: close log writer: %v\n", errClose)
	}
	logWriter = nil
}
