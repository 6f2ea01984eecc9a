package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType names an audit event
type EntryType string

const (
	EntrySyncStarted         EntryType = "sync.started"
	EntrySyncCompleted       EntryType = "sync.completed"
	EntryInstanceTransition  EntryType = "instance.transition"
	EntryJobTriggered        EntryType = "scheduler.job_triggered"
	EntryAccountCreated      EntryType = "account.created"
	EntryAccountDisabled     EntryType = "account.disabled"
	EntryAccountEnabled      EntryType = "account.enabled"
	EntryAccountDeleted      EntryType = "account.deleted"
	EntryRecommendationState EntryType = "recommendation.updated"
	EntryRecommendationsRun  EntryType = "recommendations.generated"
)

// Entry is one line of the journal
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	Subject   string          `json:"subject,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the journal defaults
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "cloudwatcher",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 30,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FilePrefix == "" {
		c.FilePrefix = d.FilePrefix
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	return c
}

// WAL is an append-only JSON-lines journal. Files are created lazily
// and named after the first sequence number they contain.
type WAL struct {
	mu       sync.Mutex
	dir      string
	config   Config
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	now      func() time.Time
}

// Open opens the journal in dir with default settings
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens the journal in dir, resuming the sequence from
// any files already present
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &WAL{
		dir:    dir,
		config: config.withDefaults(),
		now:    time.Now,
	}
	seq, err := lastSequence(w.listWALFiles())
	if err != nil {
		return nil, err
	}
	w.sequence = seq
	return w, nil
}

// Dir returns the journal directory
func (w *WAL) Dir() string {
	return w.dir
}

// Sequence returns the last written sequence number
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Close flushes and closes the current file
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

// Append adds an entry to the journal
func (w *WAL) Append(entryType EntryType, subject string, data interface{}) error {
	return w.append(entryType, subject, data, nil)
}

// AppendError adds an entry carrying a failure
func (w *WAL) AppendError(entryType EntryType, subject string, data interface{}, errToLog error) error {
	return w.append(entryType, subject, data, errToLog)
}

func (w *WAL) append(entryType EntryType, subject string, data interface{}, errToLog error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		Timestamp: w.now().UTC(),
		Sequence:  w.sequence + 1,
		Type:      entryType,
		Subject:   subject,
		Data:      raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	line = append(line, '\n')

	if w.shouldRotate(int64(len(line))) {
		if err := w.closeFile(); err != nil {
			return err
		}
	}
	if w.file == nil {
		if err := w.openFile(entry.Sequence); err != nil {
			return err
		}
	}

	if err := w.writeLine(line); err != nil {
		return err
	}
	w.sequence = entry.Sequence
	return nil
}

func (w *WAL) shouldRotate(next int64) bool {
	return w.file != nil && w.size > 0 && w.size+next > w.config.MaxFileSize
}

func (w *WAL) openFile(firstSeq int64) error {
	path := filepath.Join(w.dir, fileName(w.config.FilePrefix, firstSeq))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = info.Size()
	return nil
}

func (w *WAL) closeFile() error {
	if w.file == nil {
		return nil
	}
	flushErr := w.writer.Flush()
	closeErr := w.file.Close()
	w.file, w.writer, w.size = nil, nil, 0
	return errors.Join(flushErr, closeErr)
}

// writeLine writes and fsyncs a single encoded entry
func (w *WAL) writeLine(line []byte) error {
	n, err := w.writer.Write(line)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	w.size += int64(n)
	return w.file.Sync()
}

// listWALFiles returns journal files in sequence order
func (w *WAL) listWALFiles() []string {
	return findAllWALFiles(w.dir, w.config.FilePrefix)
}

func fileName(prefix string, firstSeq int64) string {
	return fmt.Sprintf("%s-%016d.wal", prefix, firstSeq)
}

func lastSequence(files []string) (int64, error) {
	var last int64
	for _, file := range files {
		seq, err := maxSequenceInFile(file)
		if err != nil {
			return 0, err
		}
		if seq > last {
			last = seq
		}
	}
	return last, nil
}

// maxSequenceInFile skips lines that fail to decode, such as a torn
// final write
func maxSequenceInFile(path string) (int64, error) {
	reader, err := NewReader(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = reader.Close() }()

	var maxSeq int64
	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return maxSeq, nil
		}
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
	}
}

// DecodeError reports a journal line that is not a valid entry
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("line %d: failed to unmarshal entry: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reader reads entries from one journal file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
	line    int
}

// NewReader creates a reader for the file at path
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next returns the next entry or io.EOF
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	r.line++

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, &DecodeError{Line: r.line, Err: err}
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Recent returns up to limit of the newest entries, newest first. It
// holds the write lock, so an entry being appended is never read half
// written. Torn lines left by a crash are skipped.
func (w *WAL) Recent(limit int) ([]*Entry, error) {
	if limit < 1 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	window := make([]*Entry, 0, limit)
	for _, path := range w.listWALFiles() {
		reader, err := NewReader(path)
		if err != nil {
			return nil, err
		}
		for {
			entry, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			var decodeErr *DecodeError
			if errors.As(err, &decodeErr) {
				continue
			}
			if err != nil {
				_ = reader.Close()
				return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if len(window) == limit {
				copy(window, window[1:])
				window = window[:limit-1]
			}
			window = append(window, entry)
		}
		_ = reader.Close()
	}

	out := make([]*Entry, len(window))
	for i, e := range window {
		out[len(window)-1-i] = e
	}
	return out, nil
}

// Replay calls handler for every entry newer than since, in sequence
// order across all files in dir
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithConfig(dir, DefaultConfig(), since, handler)
}

// ReplayWithConfig is Replay for journals written with a custom prefix
func ReplayWithConfig(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	config = config.withDefaults()
	for _, file := range findAllWALFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if !entry.Timestamp.After(since) {
			continue
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// findAllWALFiles returns journal files sorted by name, which is
// sequence order
func findAllWALFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}
