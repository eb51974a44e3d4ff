package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"

	"nilfstools/internal/device"
	"nilfstools/internal/dump"
	"nilfstools/internal/superblock"
)

const version = "1.0.0"

func main() {
	progname := filepath.Base(os.Args[0])

	showHelp := flag.Bool("h", false, "display this help and exit")
	showVersion := flag.Bool("V", false, "display version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-hV] device segnum...\n", progname)
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("%s version %s\n", progname, version)
		os.Exit(0)
	}
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	devicePath := flag.Arg(0)
	dev, err := device.Open(devicePath)
	if err != nil {
		log.Fatalf("cannot open %s: %v", devicePath, err)
	}
	defer dev.Close()

	sb, err := superblock.ReadLatest(dev)
	if err != nil {
		log.Fatalf("cannot read super block (device=%s): %v", devicePath, err)
	}

	dumper := dump.New(dev, sb.Geometry(), os.Stdout)

	// Each segment number is processed on its own; a bad argument or
	// a failed dump does not stop the rest.
	status := 0
	for _, arg := range flag.Args()[1:] {
		segnum, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			log.Errorf("%s: invalid segment number", arg)
			status = 1
			continue
		}
		if err := dumper.DumpSegment(segnum); err != nil {
			log.Errorf("failed to dump segment %d: %v", segnum, err)
			status = 1
		}
	}
	os.Exit(status)
}
