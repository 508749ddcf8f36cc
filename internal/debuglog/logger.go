package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	outMu   sync.Mutex
	out     io.Writer = os.Stderr
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("DEALMESH_DEBUG") == "1"
}

// SetOutput redirects all log lines and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outMu.Lock()
	defer outMu.Unlock()
	prev := out
	if w == nil {
		w = os.Stderr
	}
	out = w
	return prev
}

func write(msg string) {
	outMu.Lock()
	_, _ = io.WriteString(out, msg)
	outMu.Unlock()
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				write(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		write(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// Drop when saturated so socket loops never block on stderr.
	}
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval for a given key. Used for
// per-packet warnings where a burst of garbage would otherwise flood stderr.
// It reports whether the line was emitted.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return false
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
	return true
}
