package file

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
)

// Engine appends one human readable line per message:
//
//	2026-01-02T03:04:05.123456789Z | pager | POCSAG1200 | 1234567 | {"text":"Test message"}
type Engine struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func NewEngine(path string) *Engine {
	return &Engine{
		path: path,
	}
}

func (e *Engine) Setup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file != nil {
		return nil
	}

	if dir := filepath.Dir(e.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	e.file = f
	e.writer = bufio.NewWriter(f)

	return nil
}

func (e *Engine) Save(ctx context.Context, message broadcaster.Message) error {
	line, err := FormatLine(message)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.writer == nil {
		return fmt.Errorf("log file %s is not open", e.path)
	}

	if _, err := e.writer.WriteString(line); err != nil {
		return err
	}

	return e.writer.Flush()
}

func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.file == nil {
		return nil
	}

	flushErr := e.writer.Flush()
	closeErr := e.file.Close()
	e.file = nil
	e.writer = nil

	if flushErr != nil {
		return flushErr
	}

	return closeErr
}

func (e *Engine) Describe() string {
	return e.path
}

// FormatLine renders message as a single log record terminated by a newline.
func FormatLine(message broadcaster.Message) (string, error) {
	payload, err := json.Marshal(message.Payload)
	if err != nil {
		return "", err
	}

	fields := []string{
		message.Timestamp.UTC().Format(time.RFC3339Nano),
		string(message.Source),
		sanitize(message.Protocol),
		sanitize(message.Address),
		string(payload),
	}

	return strings.Join(fields, " | ") + "\n", nil
}

var lineBreaks = strings.NewReplacer("\r", " ", "\n", " ")

func sanitize(s string) string {
	return lineBreaks.Replace(s)
}
