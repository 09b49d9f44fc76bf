package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/PinkDiamond1/bitcoin-s/finder"
	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/PinkDiamond1/bitcoin-s/peermgr"
	"github.com/PinkDiamond1/bitcoin-s/pipeline"
	"github.com/PinkDiamond1/bitcoin-s/transport"
	"github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"
)

const (
	// maxLogFileSizeKB is the size at which the log file rolls over.
	maxLogFileSizeKB = 10 * 1024

	// maxLogFiles is the number of rolled log files kept around.
	maxLogFiles = 3
)

// log is the logger of the main package.
var log = btclog.Disabled

// logRotator is closed on shutdown to flush pending writes.
var logRotator *rotator.Rotator

// initLogging sets up a shared log backend writing to stdout and a rotating
// log file, and attaches every subsystem to it at the requested level.
func initLogging(logFile, debugLevel string) error {
	level, ok := btclog.LevelFromString(debugLevel)
	if !ok {
		return fmt.Errorf("invalid debug level %q", debugLevel)
	}

	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return err
		}
	}

	var err error
	logRotator, err = rotator.New(logFile, maxLogFileSizeKB, false,
		maxLogFiles)
	if err != nil {
		return fmt.Errorf("unable to create log rotator: %w", err)
	}

	handler := btclog.NewDefaultHandler(
		io.MultiWriter(os.Stdout, logRotator),
	)
	root := btclog.NewSLogger(handler)

	sub := func(tag string) btclog.Logger {
		l := root.WithPrefix(tag)
		l.SetLevel(level)
		return l
	}

	log = sub("SPVN")
	peer.UseLogger(sub("PEER"))
	peermgr.UseLogger(sub("PMGR"))
	pipeline.UseLogger(sub("PIPE"))
	finder.UseLogger(sub("FNDR"))
	transport.UseLogger(sub("TRNS"))

	return nil
}
