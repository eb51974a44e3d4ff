package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"nilfstools/internal/fsck"
)

const version = "1.0.0"

func main() {
	progname := filepath.Base(os.Args[0])

	force := flag.Bool("f", false, "force checking even if the filesystem is clean")
	verbose := flag.Bool("v", false, "verbose output")
	showVersion := flag.Bool("V", false, "display version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-fvV] device\n", progname)
	}
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stderr, "%s version %s\n", progname, version)
		os.Exit(fsck.ExitOK)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(fsck.ExitUsage)
	}

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	opts := fsck.LoadConfig(fsck.DefaultConfigPath).Merge(fsck.Options{
		Force:   *force,
		Verbose: *verbose,
	})
	os.Exit(fsck.Run(flag.Arg(0), opts))
}
