// Package progress meters bytes moving through a blob reader.
package progress

import (
	"errors"
	"io"
)

// Func receives the cumulative byte count and the expected total (-1 if
// unknown).
type Func func(transferred, total int64)

// Meter counts bytes read from an underlying reader and reports the running
// count to a Func. A meter created for a resumed transfer starts counting at
// the resume offset, so reports always describe the whole blob.
type Meter struct {
	src      io.Reader
	report   Func
	total    int64
	count    int64
	reported bool
}

// NewMeter wraps src. offset is the number of bytes already held by the
// caller; total is the full blob size or -1.
func NewMeter(src io.Reader, offset, total int64, report Func) *Meter {
	return &Meter{src: src, report: report, total: total, count: max(offset, 0)}
}

// Read reads from the underlying reader. A report follows every read that
// returned bytes. A stream that ends without bytes reports once at io.EOF.
func (m *Meter) Read(p []byte) (int, error) {
	n, err := m.src.Read(p)
	if n > 0 {
		m.count += int64(n)
		m.emit()
	} else if errors.Is(err, io.EOF) && !m.reported {
		m.emit()
	}
	return n, err
}

func (m *Meter) emit() {
	m.reported = true
	if m.report != nil {
		m.report(m.count, m.total)
	}
}

// Count returns the bytes counted so far, including the start offset.
func (m *Meter) Count() int64 { return m.count }
