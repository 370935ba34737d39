/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command rehydrate implements the checkpoint/restore CLI surface of
// spec.md §6: `dump <pid> <image_path>` and `restore <image_path>`, plus a
// hidden `donor` subcommand used internally by restore.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"

	"github.com/gravwell-labs/rehydrate/internal/rconfig"
	"github.com/gravwell-labs/rehydrate/internal/rlog"
	"github.com/gravwell-labs/rehydrate/pkg/caps"
	"github.com/gravwell-labs/rehydrate/pkg/rehydrate"
	"github.com/gravwell-labs/rehydrate/pkg/version"
)

// lockRetryDelay is how often TryLockContext re-attempts the advisory lock
// before cfg.LockTimeout() expires.
const lockRetryDelay = 50 * time.Millisecond

var (
	fVerbose  = flag.Int("v", 0, "verbosity level (0-3; 3 enables per-region/per-syscall tracing)")
	fConfig   = flag.String("config", "", "path to rehydrate.conf (optional)")
	fDonor    = flag.String("donor", "", "override the donor binary path (defaults to re-exec of this binary)")
	fCompress = flag.Bool("compress", false, "compress region payloads in the image (dump only)")
	fVersion  = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()
	args := flag.Args()

	if *fVersion {
		version.PrintVersion(os.Stdout)
		return
	}

	bootLog := rlog.NewStderr(0)
	cfg, err := rconfig.Load(*fConfig)
	if err != nil {
		bootLog.Fatalf("loading config: %v", err)
	}

	log := rlog.NewStderr(*fVerbose)
	if !verboseFlagGiven() {
		// -v wasn't passed: let the config file's Log-Level pick the
		// level instead of the flag's zero-value default.
		if lvl, lerr := rlog.LevelFromString(cfg.Global.Log_Level); lerr == nil {
			log.SetLevel(lvl)
		}
	}

	donorPath := cfg.Global.Donor_Path
	if *fDonor != "" {
		donorPath = *fDonor
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: rehydrate [-v n] [-config path] dump <pid> <image_path> | restore <image_path>")
		os.Exit(2)
	}

	switch args[0] {
	case "dump":
		os.Exit(runDump(args[1:], cfg, log))
	case "restore":
		os.Exit(runRestore(args[1:], donorPath, cfg, log))
	case "donor":
		runDonorStub()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		os.Exit(2)
	}
}

// verboseFlagGiven reports whether -v was actually passed on the command
// line, as opposed to defaulting to its zero value.
func verboseFlagGiven() bool {
	given := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			given = true
		}
	})
	return given
}

// resolveImagePath joins a bare filename against cfg's configured
// Image-Directory; a path that already names a directory (absolute or
// relative) is left alone.
func resolveImagePath(cfg rconfig.Config, path string) string {
	if filepath.IsAbs(path) || strings.ContainsRune(path, filepath.Separator) {
		return path
	}
	return filepath.Join(cfg.Global.Image_Directory, path)
}

func acquireLock(cfg rconfig.Config, path string) (*flock.Flock, error) {
	lk := flock.New(path)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.LockTimeout())
	defer cancel()
	ok, err := lk.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("timed out after %s waiting for lock", cfg.LockTimeout())
	}
	return lk, nil
}

func runDump(args []string, cfg rconfig.Config, log *rlog.Logger) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: rehydrate dump <pid> <image_path>")
		return 2
	}
	pid, err := parsePid(args[0])
	if err != nil {
		log.Errorf("invalid pid %q: %v", args[0], err)
		return 1
	}
	if !caps.CanTrace() {
		log.Errorf("missing CAP_SYS_PTRACE / CAP_CHECKPOINT_RESTORE, cannot attach to pid %d", pid)
		return 1
	}

	imagePath := resolveImagePath(cfg, args[1])
	lk, err := acquireLock(cfg, imagePath+".lock")
	if err != nil {
		log.Errorf("locking image path: %v", err)
		return 1
	}
	defer lk.Unlock()

	out, err := renameio.TempFile("", imagePath)
	if err != nil {
		log.Errorf("creating temp image file: %v", err)
		return 1
	}
	defer out.Cleanup()

	if err := rehydrate.Dump(pid, out, rehydrate.DumpOptions{Compress: *fCompress}, log); err != nil {
		log.Errorf("dump failed: %v", err)
		return errorExitCode(err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		log.Errorf("finalizing image file: %v", err)
		return 1
	}
	return 0
}

func runRestore(args []string, donorPath string, cfg rconfig.Config, log *rlog.Logger) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: rehydrate restore <image_path>")
		return 2
	}
	if !caps.CanTrace() {
		log.Errorf("missing CAP_SYS_PTRACE / CAP_CHECKPOINT_RESTORE, cannot spawn a traced donor")
		return 1
	}

	imagePath := resolveImagePath(cfg, args[0])
	lk, err := acquireLock(cfg, imagePath+".lock")
	if err != nil {
		log.Errorf("locking image path: %v", err)
		return 1
	}
	defer lk.Unlock()

	in, err := os.Open(imagePath)
	if err != nil {
		log.Errorf("opening image: %v", err)
		return 1
	}
	defer in.Close()

	opts := rehydrate.RestoreOptions{DonorPath: donorPath}
	if opts.DonorPath == "" {
		self, err := os.Executable()
		if err != nil {
			log.Errorf("locating own binary for donor re-exec: %v", err)
			return 1
		}
		opts.DonorPath = self
		opts.DonorArgs = []string{"donor"}
	}

	code, err := rehydrate.Restore(in, opts, log)
	if err != nil {
		log.Errorf("restore failed: %v", err)
		return errorExitCode(err)
	}
	return code
}

// errorExitCode maps a core error to a small nonzero status; the detailed
// symbolic name (AttachRefused, RestoreFailed, ...) is already on stderr
// via log.Errorf above.
func errorExitCode(err error) int {
	var rf *rehydrate.RestoreFailedError
	if errors.As(err, &rf) {
		return 3
	}
	return 1
}

func parsePid(s string) (int, error) {
	var pid int
	if _, err := fmt.Sscanf(s, "%d", &pid); err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, fmt.Errorf("pid must be positive")
	}
	return pid, nil
}
