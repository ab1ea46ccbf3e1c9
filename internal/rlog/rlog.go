// Package rlog is a small tagged logger in the style of a broker's debug
// log: gated by a package-level flag, no structured fields, no external
// dependency. Grounded on Adwin2-ryanMQ/internal/utils/rlog.
package rlog

import "log"

// DebugEnabled gates Debugf. Off by default so the request-path hot loop
// (search/remove) stays quiet unless a caller is diagnosing replay.
var DebugEnabled = false

func Debugf(format string, v ...any) {
	if DebugEnabled {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func Errorf(format string, v ...any) {
	log.Printf("[ERROR] "+format, v...)
}

func Infof(format string, v ...any) {
	log.Printf("[INFO] "+format, v...)
}
