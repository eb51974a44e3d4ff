// Package fsck wires the scanner, the cache and the rollback engine
// into the volume check flow: confirm the log the superblock points
// to, or search for the latest super root and offer to rewrite the
// superblock pair so mounting resumes from that rollback point.
package fsck

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"nilfstools/internal/device"
	"nilfstools/internal/recovery"
	"nilfstools/internal/segment"
	"nilfstools/internal/superblock"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitNonDestruct = 1
	ExitDestruct    = 2
	ExitUncorrected = 4
	ExitError       = 8
	ExitUsage       = 16
	ExitCancel      = 32
	ExitLibrary     = 128
)

// Options control one check run.
type Options struct {
	Force   bool
	Verbose bool

	// Mtab overrides the mount table path; empty means the default.
	Mtab string

	// MaxScan overrides the backward search depth when positive.
	MaxScan int

	// Prompt answers the overwrite question. nil reads stdin.
	Prompt func(question string) bool
}

// Run checks one volume and returns the process exit code.
func Run(devicePath string, opts Options) int {
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := device.CheckMounted(devicePath, opts.Mtab); err != nil {
		log.Error(err)
		return ExitError
	}

	dev, err := device.Open(devicePath)
	if err != nil {
		log.Errorf("cannot open device %s: %v", devicePath, err)
		return ExitError
	}
	defer dev.Close()

	sb, err := superblock.ReadLatest(dev)
	if err != nil {
		log.Errorf("cannot read super block (device=%s): %v", devicePath, err)
		return ExitError
	}
	printSBInfo(sb)
	geo := sb.Geometry()

	ref := recovery.LogRef{
		Blocknr: sb.LastPseg,
		Seq:     sb.LastSeq,
		Cno:     sb.LastCno,
	}
	printLogRef("indicated log", &ref, geo)

	clean := sb.State&superblock.StateValidFS != 0
	if clean {
		log.Info("clean FS")
	} else {
		log.Info("unclean FS")
	}

	cache := segment.NewCache(dev, geo)
	engine := recovery.NewEngine(dev, geo, cache)
	if opts.MaxScan > 0 {
		engine.MaxScan = opts.MaxScan
	}
	engine.Indicator = func() { fmt.Fprint(os.Stderr, ".") }

	ok, err := engine.TestLatestLog(&ref)
	if err != nil {
		log.Error(err)
		return ExitError
	}
	if ok {
		printLogRef("a valid log is pointed to by superblock (no change needed)",
			&ref, geo)
		cache.Destroy()
		if !clean {
			log.Info("recovery will complete on mount")
		}
		return ExitOK
	}

	log.Warn("the latest log is lost, trying rollback recovery..")
	err = engine.Rollback(&ref)
	fmt.Fprintln(os.Stderr)
	cache.Destroy()
	if err != nil {
		log.Error(err)
		if errors.Is(err, recovery.ErrNoSuperRoot) ||
			errors.Is(err, recovery.ErrNoCheckpoint) {
			return ExitUncorrected
		}
		return ExitError
	}
	printLogRef("selected log", &ref, geo)

	// Reopen read-write only for the superblock update.
	dev.Close()
	rwdev, err := device.OpenRW(devicePath)
	if err != nil {
		log.Errorf("cannot open device %s in read/write mode: %v", devicePath, err)
		return ExitError
	}
	defer rwdev.Close()

	if !confirm(opts, "Do you wish to overwrite super block (y/N)? ") {
		log.Info("recovery will complete on mount")
		return ExitCancel
	}

	// Hold off interruption while the pair is rewritten.
	signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	err = superblock.CommitRollback(rwdev, ref.Blocknr, ref.Seq, ref.Cno,
		uint64(time.Now().Unix()))
	signal.Reset(os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	if err != nil {
		log.Errorf("couldn't update super block (device=%s): %v", devicePath, err)
		return ExitError
	}
	log.Info("recovery will complete on mount")
	return ExitNonDestruct
}

func confirm(opts Options, question string) bool {
	if opts.Force {
		return true
	}
	if opts.Prompt != nil {
		return opts.Prompt(question)
	}
	fmt.Fprint(os.Stderr, question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.TrimSpace(line)
	return answer == "y" || answer == "Y"
}

func printSBInfo(sb *superblock.SuperBlock) {
	log.Info("super-block:")
	log.Infof("    revision = %d.%d", sb.RevLevel, sb.MinorRevLevel)
	log.Infof("    blocksize = %d", sb.BlockSize())
	log.Infof("    write time = %s",
		time.Unix(int64(sb.WTime), 0).Local().Format("2006-01-02 15:04:05"))
}

func printLogRef(msg string, ref *recovery.LogRef, geo superblock.Geometry) {
	entry := log.WithFields(log.Fields{
		"blocknr": ref.Blocknr,
		"segnum":  ref.Blocknr / uint64(geo.BlocksPerSegment),
		"seq":     ref.Seq,
		"cno":     ref.Cno,
	})
	if ref.CTime != 0 {
		entry = entry.WithField("created",
			time.Unix(int64(ref.CTime), 0).Local().Format("2006-01-02 15:04:05"))
	}
	entry.Info(msg)
}
