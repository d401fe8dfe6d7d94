// Package accounting tracks the synchronizer's run-wide counters —
// bytes/files copied, errors, warnings — the way rclone's fs/accounting
// package is threaded through every operation via context, except here
// the counters are atomic scalars directly (spec.md §5: "not
// mutex-protected"), not a mutex-guarded stats struct.
package accounting

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats accumulates one synchronizer run's counters. Zero value is ready
// to use.
type Stats struct {
	filesCopied   atomic.Int64
	filesSkipped  atomic.Int64
	filesUnchanged atomic.Int64
	filesFailed   atomic.Int64
	bytesCopied   atomic.Int64
	errors        atomic.Int64
	warnings      atomic.Int64
	hardlinksMade atomic.Int64
	start         time.Time
}

// New returns a Stats with its start time set to now.
func New(now time.Time) *Stats {
	return &Stats{start: now}
}

func (s *Stats) AddFileCopied(bytes int64) {
	s.filesCopied.Add(1)
	s.bytesCopied.Add(bytes)
}

func (s *Stats) AddFileSkipped()    { s.filesSkipped.Add(1) }
func (s *Stats) AddFileUnchanged()  { s.filesUnchanged.Add(1) }
func (s *Stats) AddFileFailed()     { s.filesFailed.Add(1) }
func (s *Stats) AddHardlink()       { s.hardlinksMade.Add(1) }
func (s *Stats) AddError()          { s.errors.Add(1) }
func (s *Stats) AddWarning()        { s.warnings.Add(1) }

func (s *Stats) FilesCopied() int64    { return s.filesCopied.Load() }
func (s *Stats) FilesSkipped() int64   { return s.filesSkipped.Load() }
func (s *Stats) FilesUnchanged() int64 { return s.filesUnchanged.Load() }
func (s *Stats) FilesFailed() int64    { return s.filesFailed.Load() }
func (s *Stats) BytesCopied() int64    { return s.bytesCopied.Load() }
func (s *Stats) Errors() int64         { return s.errors.Load() }
func (s *Stats) Warnings() int64       { return s.warnings.Load() }
func (s *Stats) HardlinksMade() int64  { return s.hardlinksMade.Load() }

// Summary renders the end-of-run report line, e.g.:
//
//	copied 412 files (1.3 GB), 3 hardlinked, 5 unchanged, 0 skipped, 1 failed, 2 warnings in 4.2s
func (s *Stats) Summary(end time.Time) string {
	elapsed := end.Sub(s.start)
	return fmt.Sprintf(
		"copied %d files (%s), %d hardlinked, %d unchanged, %d skipped, %d failed, %d warnings in %s",
		s.FilesCopied(), humanize.Bytes(uint64(s.BytesCopied())),
		s.HardlinksMade(), s.FilesUnchanged(), s.FilesSkipped(), s.FilesFailed(), s.Warnings(),
		elapsed.Round(time.Millisecond),
	)
}
