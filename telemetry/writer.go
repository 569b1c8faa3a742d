// Package telemetry appends high-rate device telemetry to partitioned
// JSONL files, one file per device per UTC day:
//
//	<root>/YYYY/MM/DD/<device_id>.jsonl
//
// Appends buffer in memory.  A Write that arrives more than the flush
// interval after the previous flush pushes every buffer to disk; Flush and
// Close do the same.  No timer runs, so records written just before the
// writer goes idle stay buffered until the next such call.  The relational
// store never sees this volume.
package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goph/emperror"
)

// Record is a single telemetry sample.
type Record struct {
	Timestamp int64       `json:"timestamp"`
	DeviceID  string      `json:"device_id"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Altitude  float64     `json:"altitude"`
	Heading   float64     `json:"heading"`
	Speed     float64     `json:"speed"`
	Battery   float64     `json:"battery"`
	Sensors   interface{} `json:"sensors"`
}

type appender struct {
	file *os.File
	buf  *bufio.Writer
	path string
}

// Writer appends records under a base directory, keeping one buffered
// appender per device.  Appenders rotate when the UTC date rolls over.
type Writer struct {
	basePath      string
	flushInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	appenders map[string]*appender
	lastFlush time.Time
}

// NewWriter constructs a Writer rooted at basePath.  flushInterval is the
// minimum gap between the flushes Write triggers; zero means the 5 second
// default.  It does not bound how long a record sits in memory when no
// further Write arrives.
func NewWriter(basePath string, flushInterval time.Duration) *Writer {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Writer{
		basePath:      basePath,
		flushInterval: flushInterval,
		now:           time.Now,
		appenders:     make(map[string]*appender),
	}
}

// Write appends one record, creating the dated directory and file as
// needed.
func (w *Writer) Write(r Record) error {
	now := w.now().UTC()
	dir := filepath.Join(
		w.basePath,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()),
	)
	path := filepath.Join(dir, r.DeviceID+".jsonl")

	w.mu.Lock()
	defer w.mu.Unlock()

	a, ok := w.appenders[r.DeviceID]
	if ok && a.path != path {
		// date rolled over; finish the old file
		a.buf.Flush()
		a.file.Close()
		ok = false
	}
	if !ok {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return emperror.Wrap(err, "unable to create telemetry directory")
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return emperror.WrapWith(err, "unable to open telemetry file", "path", path)
		}
		a = &appender{file: file, buf: bufio.NewWriter(file), path: path}
		w.appenders[r.DeviceID] = a
	}

	line, err := json.Marshal(r)
	if err != nil {
		return emperror.Wrap(err, "unable to encode telemetry record")
	}
	if _, err := a.buf.Write(append(line, '\n')); err != nil {
		return emperror.WrapWith(err, "unable to append telemetry record", "path", a.path)
	}

	if now.Sub(w.lastFlush) > w.flushInterval {
		w.flushLocked()
		w.lastFlush = now
	}

	return nil
}

// Flush forces every buffered appender to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	var first error
	for _, a := range w.appenders {
		if err := a.buf.Flush(); err != nil && first == nil {
			first = emperror.WrapWith(err, "telemetry flush failed", "path", a.path)
		}
	}
	return first
}

// Close flushes and closes every appender.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.flushLocked()
	for id, a := range w.appenders {
		a.file.Close()
		delete(w.appenders, id)
	}
	return err
}
