package progress

import "io"

// Writer wraps an io.Writer and reports cumulative progress via a callback
// every reportInterval bytes. It sits in the transfer engine's write chain,
// so progress reflects bytes actually committed to disk after throttling.
type Writer struct {
	w          io.Writer
	total      int64 // expected bytes, 0 when unknown
	onProgress func(written, total int64)

	written        int64
	sinceReport    int64
	reportInterval int64
}

func NewWriter(w io.Writer, total, interval int64, cb func(written, total int64)) *Writer {
	return &Writer{
		w:              w,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

// Advance pre-seeds the written counter, used when a transfer resumes from
// a confirmed offset so progress reporting stays cumulative.
func (pw *Writer) Advance(n int64) {
	pw.written += n
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.written += int64(n)
		pw.sinceReport += int64(n)

		if pw.onProgress != nil && pw.sinceReport >= pw.reportInterval {
			pw.onProgress(pw.written, pw.total)
			pw.sinceReport = 0
		}
	}

	return n, err
}
