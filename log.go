package tideswap

import (
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/build"
)

// log is a logger that is initialized with no output filters.  This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger("SWAP", nil))
}

// DisableLog disables all library log output.  Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.  This
// should be used in preference to SetLogWriter if the caller is also using
// btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// SwapLog logs with a short swap id prefix.
type SwapLog struct {
	// Logger is the underlying based logger.
	Logger btclog.Logger

	// SwapID identifies the target swap.
	SwapID string
}

// Debugf formats message according to format specifier and writes to log
// with LevelDebug.
func (s *SwapLog) Debugf(format string, params ...interface{}) {
	s.Logger.Debugf(
		fmt.Sprintf("%v %s", ShortID(s.SwapID), format), params...,
	)
}

// Infof formats message according to format specifier and writes to log
// with LevelInfo.
func (s *SwapLog) Infof(format string, params ...interface{}) {
	s.Logger.Infof(
		fmt.Sprintf("%v %s", ShortID(s.SwapID), format), params...,
	)
}

// Warnf formats message according to format specifier and writes to log
// with LevelWarn.
func (s *SwapLog) Warnf(format string, params ...interface{}) {
	s.Logger.Warnf(
		fmt.Sprintf("%v %s", ShortID(s.SwapID), format), params...,
	)
}

// Errorf formats message according to format specifier and writes to log
// with LevelError.
func (s *SwapLog) Errorf(format string, params ...interface{}) {
	s.Logger.Errorf(
		fmt.Sprintf("%v %s", ShortID(s.SwapID), format), params...,
	)
}

// ShortID returns a shortened version of a swap id suitable for use in
// logging.
func ShortID(swapID string) string {
	if len(swapID) <= 6 {
		return swapID
	}

	return swapID[:6]
}
