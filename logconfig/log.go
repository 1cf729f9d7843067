// Package logconfig wires up the subsystem loggers every other package
// exposes through its own UseLogger function, backed by a rotating log
// file plus stdout. It is grounded on the logging backend lnd assembles
// at startup: a btclog.Backend writing to an io.Writer that fans out to
// both the terminal and a jrick/logrotate rotator.
package logconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/lightningnetwork/watchtower/blocksource"
	"github.com/lightningnetwork/watchtower/carrier"
	"github.com/lightningnetwork/watchtower/cleaner"
	"github.com/lightningnetwork/watchtower/recovery"
	"github.com/lightningnetwork/watchtower/responder"
	"github.com/lightningnetwork/watchtower/tower"
	"github.com/lightningnetwork/watchtower/towerid"
	"github.com/lightningnetwork/watchtower/watcher"
	"github.com/lightningnetwork/watchtower/wtdb"
)

// defaultMaxLogFiles and defaultMaxLogFileSize (in MB) mirror the
// rollover thresholds lnd ships with.
const (
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
)

var (
	backendLog *btclog.Backend
	logRotator *rotator.Rotator
)

// logWriter stitches stdout and the rotator together as a single
// io.Writer, the shape btclog.Backend expects.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return logRotator.Write(p)
}

// InitLogRotator opens (creating if necessary) the rotating log file at
// logFile and installs it as the destination for every subsystem logger
// UseLogger below attaches.
func InitLogRotator(logFile string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("unable to create log directory: %v", err)
	}

	r, err := rotator.New(logFile, defaultMaxLogFileSize*1024, false, defaultMaxLogFiles)
	if err != nil {
		return fmt.Errorf("unable to create log rotator: %v", err)
	}

	logRotator = r
	backendLog = btclog.NewBackend(logWriter{})

	return nil
}

// subsystemLoggers maps each subsystem's tag to the UseLogger function it
// exposes, so level changes and backend wiring stay in one place.
var subsystemLoggers = map[string]func(btclog.Logger){
	"WTCH": watcher.UseLogger,
	"RESP": responder.UseLogger,
	"RECV": recovery.UseLogger,
	"CARR": carrier.UseLogger,
	"BLKS": blocksource.UseLogger,
	"CLNR": cleaner.UseLogger,
	"WTDB": wtdb.UseLogger,
	"TOWR": tower.UseLogger,
	"TWID": towerid.UseLogger,
}

// InitLogging attaches a subsystem logger at level to every package
// listed in subsystemLoggers. InitLogRotator must be called first.
func InitLogging(level string) error {
	for tag, use := range subsystemLoggers {
		logger := backendLog.Logger(tag)

		l, ok := btclog.LevelFromString(level)
		if !ok {
			return fmt.Errorf("unknown log level %q", level)
		}
		logger.SetLevel(l)

		use(logger)
	}

	return nil
}
