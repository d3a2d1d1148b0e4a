package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/northfield-iot/mm2gateway/pkg/sector"
)

// FramesPerFile caps how many frames a single spillover file holds before
// it is sealed and a new ordinal file opened.
const FramesPerFile = 1024

var (
	// ErrNoCursor is returned by Revert when no pending window is open.
	ErrNoCursor = errors.New("spool: no pending read to revert")
)

type fileMeta struct {
	ordinal int
	path    string
	frames  int // validated frame count, post-truncation
}

// cursor is a position within the sequence of spilled frames for one
// upload source: which file, and how many frames into it.
type cursor struct {
	fileIdx int
	offset  int
}

// Spool manages one upload source's append-only disk spillover directory.
type Spool struct {
	dir string
	log *logrus.Entry

	files []fileMeta

	read    cursor
	pending cursor
	hasPending bool

	writeFile *os.File
	writeMeta *fileMeta

	diskRecords int
}

// Open scans dir (creating it if absent), validates every frame of every
// file, truncates any trailing corrupt/incomplete frame, and restores the
// disk record count. A CRC mismatch or short frame discards that frame and
// everything after it in the same file; recovery proceeds with other files.
func Open(dir string, log *logrus.Entry) (*Spool, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: mkdir %s: %w", dir, err)
	}
	s := &Spool{dir: dir, log: log.WithField("component", "spool").WithField("dir", dir)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: readdir: %w", err)
	}
	var ordinals []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mm2") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".mm2")
		ord, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		ordinals = append(ordinals, ord)
	}
	sort.Ints(ordinals)

	for _, ord := range ordinals {
		path := s.pathFor(ord)
		n, recs, err := s.validateAndTruncate(path)
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, fileMeta{ordinal: ord, path: path, frames: n})
		s.diskRecords += recs
	}
	return s, nil
}

func (s *Spool) pathFor(ordinal int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%08d.mm2", ordinal))
}

func (s *Spool) ackPathFor(ordinal int) string {
	return s.pathFor(ordinal) + ".ack"
}

// validateAndTruncate reads every frame in path, stopping (and truncating
// the file) at the first corrupt or short frame. Returns the validated
// frame count and the sum of their record counts.
func (s *Spool) validateAndTruncate(path string) (frames int, records int, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("spool: open %s: %w", path, err)
	}
	defer f.Close()

	var validBytes int64
	for {
		fr, err := readFrame(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.log.WithField("file", path).Warn("discarding corrupt/incomplete trailing frame(s)")
			break
		}
		validBytes += frameSize
		frames++
		records += int(fr.RecordCount)
	}
	if err := f.Truncate(validBytes); err != nil {
		return 0, 0, fmt.Errorf("spool: truncate %s: %w", path, err)
	}
	return frames, records, nil
}

// DiskRecords returns the recovered/current count of records held on disk
// for this source.
func (s *Spool) DiskRecords() int {
	return s.diskRecords
}

// Append spills one sector's worth of records to disk, opening a new
// ordinal file when the current one is full.
func (s *Spool) Append(payload [sector.Size]byte, recordCount int) error {
	if s.writeFile == nil || s.writeMeta.frames >= FramesPerFile {
		if err := s.rollWriteFile(); err != nil {
			return err
		}
	}
	if err := WriteFrame(s.writeFile, payload, uint16(recordCount)); err != nil {
		return fmt.Errorf("spool: write frame: %w", err)
	}
	s.writeMeta.frames++
	s.diskRecords += recordCount
	return nil
}

func (s *Spool) rollWriteFile() error {
	if s.writeFile != nil {
		s.writeFile.Close()
	}
	ordinal := 0
	if n := len(s.files); n > 0 {
		ordinal = s.files[n-1].ordinal + 1
	}
	path := s.pathFor(ordinal)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("spool: create %s: %w", path, err)
	}
	s.files = append(s.files, fileMeta{ordinal: ordinal, path: path})
	s.writeFile = f
	s.writeMeta = &s.files[len(s.files)-1]
	return nil
}

// HasPending reports whether a read window is currently open.
func (s *Spool) HasPending() bool {
	return s.hasPending
}

// Frame is one spilled sector returned by ReadBulk, paired with how many of
// its slots actually held live records at spill time.
type Frame struct {
	Payload     [sector.Size]byte
	RecordCount int
}

// ReadBulk returns up to max frames starting at the current read cursor,
// advancing it. If no pending window is already open, the pre-read position
// is captured as the revert point.
func (s *Spool) ReadBulk(max int) ([]Frame, error) {
	if !s.hasPending {
		s.pending = s.read
	}
	var out []Frame
	for len(out) < max {
		if s.read.fileIdx >= len(s.files) {
			break
		}
		fm := s.files[s.read.fileIdx]
		if s.read.offset >= fm.frames {
			s.read.fileIdx++
			s.read.offset = 0
			continue
		}
		fr, err := s.readFrameAt(fm, s.read.offset)
		if err != nil {
			return out, err
		}
		out = append(out, Frame{Payload: fr.Payload, RecordCount: int(fr.RecordCount)})
		s.read.offset++
	}
	if len(out) > 0 {
		s.hasPending = true
	}
	return out, nil
}

func (s *Spool) readFrameAt(fm fileMeta, offset int) (frame, error) {
	f, err := os.Open(fm.path)
	if err != nil {
		return frame{}, fmt.Errorf("spool: open %s: %w", fm.path, err)
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset)*frameSize, io.SeekStart); err != nil {
		return frame{}, err
	}
	return readFrame(f)
}

// PendingRecords sums the record counts of every frame between the pending
// cursor and the read cursor — how many records the currently open window
// actually covers, for a caller that wants to ack it without having kept
// its own running tally.
func (s *Spool) PendingRecords() int {
	if !s.hasPending {
		return 0
	}
	total := 0
	cur := s.pending
	for cur.fileIdx < s.read.fileIdx || (cur.fileIdx == s.read.fileIdx && cur.offset < s.read.offset) {
		if cur.fileIdx >= len(s.files) {
			break
		}
		fm := s.files[cur.fileIdx]
		if cur.offset >= fm.frames {
			cur.fileIdx++
			cur.offset = 0
			continue
		}
		fr, err := s.readFrameAt(fm, cur.offset)
		if err != nil {
			break
		}
		total += int(fr.RecordCount)
		cur.offset++
	}
	return total
}

// EraseAllPending finalizes the currently open read window: the pending
// frames are considered acknowledged, the in-memory record counter is
// decremented, and any file now fully consumed is deleted. A sibling .ack
// sentinel is touched before each unlink and removed after it; Open does
// not consult sentinels, so a file whose deletion was cut short by a crash
// is recovered as live and its records are read again.
func (s *Spool) EraseAllPending(recordCount int) error {
	if !s.hasPending {
		return nil
	}
	s.diskRecords -= recordCount
	if s.diskRecords < 0 {
		s.diskRecords = 0
	}
	s.hasPending = false

	// Delete every file strictly before the current read file: those are
	// fully consumed now that this source has acknowledged through here.
	keep := s.read.fileIdx
	for keep > 0 {
		fm := s.files[0]
		if err := os.WriteFile(s.ackPathFor(fm.ordinal), []byte{}, 0o644); err != nil {
			return fmt.Errorf("spool: touch ack sentinel: %w", err)
		}
		if err := os.Remove(fm.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("spool: remove %s: %w", fm.path, err)
		}
		_ = os.Remove(s.ackPathFor(fm.ordinal))
		s.files = s.files[1:]
		keep--
		s.read.fileIdx--
	}
	return nil
}

// RevertAllPending resets the read cursor back to where the pending window
// opened. The pending window itself stays open (hasPending is unchanged)
// so the caller's next ReadBulk reproduces the same records.
func (s *Spool) RevertAllPending() error {
	if !s.hasPending {
		return ErrNoCursor
	}
	s.read = s.pending
	return nil
}

// Close closes the current write file, if any.
func (s *Spool) Close() error {
	if s.writeFile != nil {
		return s.writeFile.Close()
	}
	return nil
}
