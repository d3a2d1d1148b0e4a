package cellular

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/northfield-iot/mm2gateway/internal/ring"
)

// LogTailer incrementally reads new lines appended to the PPP daemon's log
// file, caching the result for a freshness window so repeated classifier
// polls within the same tick don't re-stat/re-read the file (spec §4.4:
// "cached read, 1-second freshness"). Recent lines are held in an
// internal/ring buffer.
type LogTailer struct {
	path      string
	clock     func() time.Time
	freshness time.Duration

	lines    *ring.Ring
	offset   int64
	lastRead time.Time
}

// NewLogTailer tails path, keeping up to capacity recent lines, refreshing
// from disk at most once per freshness interval.
func NewLogTailer(path string, capacity int, freshness time.Duration, clock func() time.Time) *LogTailer {
	if clock == nil {
		clock = time.Now
	}
	return &LogTailer{path: path, clock: clock, freshness: freshness, lines: ring.New(capacity)}
}

// Recent returns up to n lines, most-recently-appended first, refreshing
// from disk only if the cache has gone stale. A log that has been rotated
// out from under the tailer (offset now beyond EOF) is read from the start.
// A log file that does not exist yet yields the cached lines and no error.
func (t *LogTailer) Recent(n int) ([][]byte, error) {
	now := t.clock()
	if !t.lastRead.IsZero() && now.Sub(t.lastRead) < t.freshness {
		return t.lines.Recent(n), nil
	}
	t.lastRead = now

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return t.lines.Recent(n), nil
	}
	if err != nil {
		return t.lines.Recent(n), err
	}
	defer f.Close()

	info, err := f.Stat()
	if err == nil && info.Size() < t.offset {
		t.offset = 0 // rotated/truncated
		t.lines.Reset()
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return t.lines.Recent(n), err
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		t.lines.Push(append([]byte(nil), sc.Bytes()...))
	}
	if pos, err := f.Seek(0, io.SeekCurrent); err == nil {
		t.offset = pos
	}
	return t.lines.Recent(n), sc.Err()
}
