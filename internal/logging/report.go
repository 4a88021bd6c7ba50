package logging

import (
	"io"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// ReportingReader wraps an io.Reader and periodically logs the number of
// bytes read and the processing rate, for long-running segment uploads and
// file walks. Grounded on mmp-bk/util.ReportingReader; byte formatting
// uses humanize.Bytes instead of a hand-rolled formatter.
type ReportingReader struct {
	R   io.Reader
	Msg string

	start                    time.Time
	reportCounter, readBytes int64
}

const reportFrequency = 128 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.reportCounter = reportFrequency
		r.readBytes = 0
	}

	n, err := r.R.Read(buf)

	r.readBytes += int64(n)
	r.reportCounter -= int64(n)
	if r.reportCounter < 0 {
		r.report("")
		r.reportCounter += reportFrequency
	}

	return n, err
}

func (r *ReportingReader) report(prefix string) {
	delta := time.Since(r.start)
	bytesPerSec := uint64(float64(r.readBytes) / delta.Seconds())
	log.Printf("%s%s %s [%s/s]", prefix, r.Msg,
		humanize.Bytes(uint64(r.readBytes)), humanize.Bytes(bytesPerSec))
}

func (r *ReportingReader) Close() error {
	r.report("finished: ")
	if rc, ok := r.R.(io.ReadCloser); ok {
		return rc.Close()
	}
	return nil
}

// FmtBytes renders a byte count for log/stat messages.
func FmtBytes(n int64) string {
	if n < 0 {
		return humanize.Bytes(0)
	}
	return humanize.Bytes(uint64(n))
}
