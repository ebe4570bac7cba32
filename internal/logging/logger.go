package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Logger struct {
	// Messages above this level are ignored.
	Level

	// Tag used to filter and classify log messages.
	Tag string

	// Shared by all derived loggers.
	out *output
}

// output is the destination shared by a logger and everything derived from
// it, so that SetDestination and SetEnabled apply to the whole family.
type output struct {
	mu       sync.Mutex
	w        io.Writer
	disabled int32
}

var DefaultLogger = &Logger{defaultLevel, "", &output{w: color.Error}}

// SetDestination redirects this logger and all loggers derived from it.
func (log *Logger) SetDestination(w io.Writer) {
	log.out.mu.Lock()
	log.out.w = w
	log.out.mu.Unlock()
}

// SetEnabled turns all output on or off, errors included.
func (log *Logger) SetEnabled(on bool) {
	var v int32
	if !on {
		v = 1
	}
	atomic.StoreInt32(&log.out.disabled, v)
}

func (log *Logger) Enabled() bool {
	return atomic.LoadInt32(&log.out.disabled) == 0
}

// WithTag derives a logger with the given tag, whose level comes from
// LOGLEVEL if the tag is named there.
func (log *Logger) WithTag(tag string) *Logger {
	return &Logger{determineLevel(tag, log.Level), tag, log.out}
}

// WithLevel derives a logger pinned to the given level, ignoring LOGLEVEL.
func (log *Logger) WithLevel(level Level) *Logger {
	return &Logger{level, log.Tag, log.out}
}

// Wrapper for []byte that implements io.Writer. Cheaper than bytes.Buffer.
type buffer []byte

func (b *buffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make(buffer, 0, 256)
		return &b
	},
}

// Log a message at the given level. The file and line number are taken from
// calldepth steps up the call stack.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if level > log.Level || !log.Enabled() {
		return
	}

	bp := bufPool.Get().(*buffer)
	buf := (*bp)[:0]
	defer func() {
		*bp = buf[:0]
		bufPool.Put(bp)
	}()

	buf = time.Now().AppendFormat(buf, timestampFormat)

	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}
	header := fmt.Sprintf(" %c/%s[%s:%d] ", level.letter(), log.Tag, filepath.Base(file), line)
	buf = append(buf, level.color().Sprint(header)...)

	fmt.Fprintf(&buf, format, a...)
	if n := len(format); n == 0 || format[n-1] != '\n' {
		buf = append(buf, '\n')
	}

	log.out.mu.Lock()
	defer log.out.mu.Unlock()
	if _, err := log.out.w.Write(buf); err != nil {
		fmt.Fprintf(os.Stderr, "logging: write to %v failed: %v\n", log.out.w, err)
	}
}

func (log *Logger) Error(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
}

func (log *Logger) Warn(format string, a ...interface{}) {
	log.Log(Warn, 1, format, a...)
}

func (log *Logger) Info(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}

func (log *Logger) Debug(format string, a ...interface{}) {
	log.Log(Debug, 1, format, a...)
}

func (log *Logger) Trace(n int, format string, a ...interface{}) {
	log.Log(Level(n), 1, format, a...)
}
