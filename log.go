package hazard

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	logok  = int64(0)
	logger = log.New(os.Stderr, "hazard ", log.LstdFlags|log.Lmicroseconds)
)

// LogComponents enables logging. By default logging is disabled, applications wanting log output
// from reclamation passes and instance life-cycle call this with "hazard" or "all".
func LogComponents(components ...string) {
	for _, comp := range components {
		switch comp {
		case "hazard", "self", "all":
			atomic.StoreInt64(&logok, 1)
		}
	}
}

// SetLogOutput redirects log output, the default is os.Stderr.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

func debugf(format string, v ...interface{}) {
	if atomic.LoadInt64(&logok) > 0 {
		logger.Printf("[debug] "+format, v...)
	}
}

func infof(format string, v ...interface{}) {
	if atomic.LoadInt64(&logok) > 0 {
		logger.Printf("[info] "+format, v...)
	}
}

func warnf(format string, v ...interface{}) {
	if atomic.LoadInt64(&logok) > 0 {
		logger.Printf("[warn] "+format, v...)
	}
}
