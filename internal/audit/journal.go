package audit

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/driver"
	"github.com/logitemp/logitemp/internal/logging"
)

// FileName is the journal file inside the configured directory.
const FileName = "journal.jsonl"

// Entry is one journal record.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	Component string                 `json:"component"`
	Event     string                 `json:"event"`
	Subject   string                 `json:"subject"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Code      string                 `json:"code"`
	Detail    string                 `json:"detail,omitempty"`
}

// Recorder receives journal events.
type Recorder interface {
	Record(component, event, subject string, params map[string]interface{}, err error)
}

// Nop discards every event.
var Nop Recorder = nopRecorder{}

type nopRecorder struct{}

func (nopRecorder) Record(string, string, string, map[string]interface{}, error) {}

// Journal writes entries to a size rotated JSONL file.
type Journal struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
	clock    clock.Clock
	logger   logging.Logger
}

// NewJournal opens the journal in cfg.Dir. It returns Nop when no
// directory is configured.
func NewJournal(cfg config.JournalConfig, clk clock.Clock, logger logging.Logger) (Recorder, func() error, error) {
	if cfg.Dir == "" {
		return Nop, func() error { return nil }, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "failed to create journal directory")
	}
	j := &Journal{
		filePath: filepath.Join(cfg.Dir, FileName),
		clock:    clk,
		logger:   logger,
	}
	j.out = &lumberjack.Logger{
		Filename:   j.filePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: 3,
	}
	return j, j.Close, nil
}

// Path returns the active journal file.
func (j *Journal) Path() string {
	return j.filePath
}

// Record appends one entry. Write failures are logged, never returned.
func (j *Journal) Record(component, event, subject string, params map[string]interface{}, err error) {
	entry := Entry{
		Timestamp: j.clock.Now().UTC(),
		Component: component,
		Event:     event,
		Subject:   subject,
		Params:    params,
		Code:      Code(err),
	}
	if err != nil {
		entry.Detail = err.Error()
	}
	data, mErr := json.Marshal(entry)
	if mErr != nil {
		j.logger.Warnw("failed to marshal journal entry", "event", event, "error", mErr)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, wErr := j.out.Write(append(data, '\n')); wErr != nil {
		j.logger.Warnw("failed to write journal entry", "event", event, "error", wErr)
	}
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.out.Close()
}

// Code maps an error to the journal result code.
func Code(err error) string {
	if err == nil {
		return "OK"
	}
	for _, sentinel := range []error{driver.ErrBusUnavailable, driver.ErrDeviceMissing, driver.ErrCRC} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if errors.Is(err, io.EOF) {
		return "PEER_CLOSED"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "TIMEOUT"
	}
	return "ERROR"
}
