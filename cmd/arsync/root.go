// Package main wires spec.md §6's flag surface onto a config.Options
// value and drives one synchronizer.Run, in the shape of a single
// cobra.Command root — generalized from gcsfuse's cmd/root.go (a lone
// RunE validating flags into a config struct before doing the real
// work) rather than rclone's multi-subcommand cmd.Root, since arsync
// is a single verb (copy src dst) with no remote/config subcommands to
// host.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jmalicki/arsync/internal/config"
	synchronizer "github.com/jmalicki/arsync/internal/sync"
	"github.com/jmalicki/arsync/internal/xlog"
)

var flags struct {
	archive           bool
	recursive         bool
	preservePerms     bool
	preserveOwnership bool
	preserveTimes     bool
	preserveXattr     bool
	preserveACL       bool
	preserveHardlinks bool
	preserveSymlinks  bool
	preserveSpecials  bool
	skipUnchanged     bool
	fsync             bool
	dryRun            bool
	failFast          bool
	parallel          bool
	reflink           bool
	minParallelSize   int64
	maxDepth          int
	chunkSize         int64
	maxInFlight       int
	workers           int
	verbose           bool
	quiet             bool
}

var rootCmd = &cobra.Command{
	Use:   "arsync SOURCE DEST",
	Short: "Archive-preserving parallel local file copy over io_uring",
	Long: `arsync copies a file or directory tree, preserving permissions,
ownership, nanosecond timestamps, extended attributes, ACLs, symlinks,
hardlinks and device nodes, splitting large files into independently
copied regions for multi-GB/s local throughput.`,
	Args: cobra.ExactArgs(2),
	RunE: runCopy,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flags.archive, "archive", "a", true, "preserve permissions, ownership, times, xattrs, ACLs, hardlinks, symlinks and specials")
	pf.BoolVarP(&flags.recursive, "recursive", "r", true, "recurse into subdirectories")
	pf.BoolVar(&flags.preservePerms, "preserve-permissions", false, "preserve permission bits")
	pf.BoolVar(&flags.preserveOwnership, "preserve-ownership", false, "preserve uid/gid")
	pf.BoolVar(&flags.preserveTimes, "preserve-times", false, "preserve atime/mtime with nanosecond precision")
	pf.BoolVar(&flags.preserveXattr, "preserve-xattr", false, "preserve extended attributes")
	pf.BoolVar(&flags.preserveACL, "preserve-acl", false, "preserve POSIX ACLs")
	pf.BoolVar(&flags.preserveHardlinks, "preserve-hardlinks", false, "recreate hardlink groups in the destination")
	pf.BoolVar(&flags.preserveSymlinks, "preserve-symlinks", false, "recreate symlinks; when off, symlinks are skipped")
	pf.BoolVar(&flags.preserveSpecials, "preserve-specials", false, "recreate device nodes and FIFOs (sockets are always skipped)")
	pf.BoolVar(&flags.skipUnchanged, "skip-unchanged", false, "skip files whose size and mtime already match the destination")
	pf.BoolVar(&flags.fsync, "fsync", false, "fsync every destination file before closing it")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "walk and report without writing anything")
	pf.BoolVar(&flags.failFast, "fail-fast", false, "abort the walk on the first error instead of collecting all of them")
	pf.BoolVar(&flags.parallel, "parallel-copy", true, "split large files into regions copied in parallel")
	pf.BoolVar(&flags.reflink, "reflink", true, "try a copy-on-write clone (FICLONE) before fallocate + region writes")
	pf.Int64Var(&flags.minParallelSize, "min-parallel-size", config.DefaultParallelCopyConfig().MinFileSize, "files smaller than this always copy sequentially")
	pf.IntVar(&flags.maxDepth, "max-split-depth", config.DefaultParallelCopyConfig().MaxDepth, "maximum recursive split depth per file")
	pf.Int64Var(&flags.chunkSize, "chunk-size", config.DefaultParallelCopyConfig().ChunkSize, "I/O buffer size within one copy region")
	pf.IntVar(&flags.maxInFlight, "max-files-in-flight", 128, "starting concurrency ceiling, adapted down on EMFILE")
	pf.IntVar(&flags.workers, "workers", 0, "worker goroutines; 0 means one per CPU")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "log only warnings and errors")
}

func runCopy(cmd *cobra.Command, args []string) error {
	switch {
	case flags.verbose:
		xlog.SetLevel(logrus.DebugLevel)
	case flags.quiet:
		xlog.SetLevel(logrus.WarnLevel)
	default:
		xlog.SetLevel(logrus.InfoLevel)
	}

	opts := optionsFromFlags()
	src, dst := args[0], args[1]

	s := synchronizer.New(opts)
	agg := s.Run(cmd.Context(), src, dst)

	fmt.Fprintln(cmd.OutOrStdout(), s.Stats().Summary(time.Now()))
	if agg.HasErrors() {
		return agg
	}
	return nil
}

// optionsFromFlags builds a config.Options from the parsed flags,
// per spec.md §6: --archive is shorthand for every --preserve-* flag,
// and an explicit --preserve-* flag always wins over --archive.
func optionsFromFlags() config.Options {
	opts := config.DefaultOptions()
	opts.Archive = flags.archive
	opts.Recursive = flags.recursive
	opts.DryRun = flags.dryRun
	opts.FailFast = flags.failFast
	opts.SkipUnchanged = flags.skipUnchanged
	opts.MaxInFlight = flags.maxInFlight
	opts.Workers = flags.workers
	opts.Reflink = flags.reflink

	meta := config.MetadataConfig{FsyncOnClose: flags.fsync}
	if flags.archive {
		meta = config.Archive()
		meta.FsyncOnClose = flags.fsync
	}
	if cmdLineChanged("preserve-permissions") {
		meta.PreservePermissions = flags.preservePerms
	}
	if cmdLineChanged("preserve-ownership") {
		meta.PreserveOwnership = flags.preserveOwnership
	}
	if cmdLineChanged("preserve-times") {
		meta.PreserveTimes = flags.preserveTimes
	}
	if cmdLineChanged("preserve-xattr") {
		meta.PreserveXattr = flags.preserveXattr
	}
	if cmdLineChanged("preserve-acl") {
		meta.PreserveACL = flags.preserveACL
	}
	if cmdLineChanged("preserve-hardlinks") {
		meta.PreserveHardlinks = flags.preserveHardlinks
	}
	if cmdLineChanged("preserve-symlinks") {
		meta.PreserveSymlinks = flags.preserveSymlinks
	}
	if cmdLineChanged("preserve-specials") {
		meta.PreserveSpecials = flags.preserveSpecials
	}
	opts.Metadata = meta

	opts.Parallel = config.ParallelCopyConfig{
		Enabled:     flags.parallel,
		MinFileSize: flags.minParallelSize,
		MaxDepth:    flags.maxDepth,
		ChunkSize:   flags.chunkSize,
	}
	return opts
}

func cmdLineChanged(name string) bool {
	f := rootCmd.PersistentFlags().Lookup(name)
	return f != nil && f.Changed
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
