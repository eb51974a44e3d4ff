package fsck

import (
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// DefaultConfigPath is the optional tool configuration file.
const DefaultConfigPath = "/etc/nilfstools.conf"

// Config holds defaults read from the configuration file; CLI flags
// override them.
type Config struct {
	Mtab    string
	MaxScan int
	Verbose bool
}

// LoadConfig reads the [fsck] section of the configuration file. A
// missing file yields zero defaults.
func LoadConfig(path string) Config {
	var cfg Config
	if _, err := os.Stat(path); err != nil {
		return cfg
	}

	f, err := ini.Load(path)
	if err != nil {
		log.Warnf("cannot parse %s: %v", path, err)
		return cfg
	}

	sec := f.Section("fsck")
	cfg.Mtab = sec.Key("mtab").String()
	cfg.MaxScan = sec.Key("max_scan_segments").MustInt(0)
	cfg.Verbose = sec.Key("verbose").MustBool(false)
	return cfg
}

// Merge applies file defaults underneath the options already set.
func (c Config) Merge(opts Options) Options {
	if opts.Mtab == "" {
		opts.Mtab = c.Mtab
	}
	if opts.MaxScan == 0 {
		opts.MaxScan = c.MaxScan
	}
	opts.Verbose = opts.Verbose || c.Verbose
	return opts
}
