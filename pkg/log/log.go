// SPDX-License-Identifier: GPL-2.0-or-later

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// UnixMicro microseconds since the Unix epoch.
type UnixMicro uint64

// Event defines log event.
type Event struct {
	level  Level
	time   UnixMicro
	src    string // Source.
	camera string // Source camera name.

	logger *Logger
}

// Log defines log entry.
type Log struct {
	Level  Level     `json:"level"`
	Time   UnixMicro `json:"time"`
	Msg    string    `json:"msg"`
	Src    string    `json:"src"`
	Camera string    `json:"camera"`
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Camera sets event camera.
func (e *Event) Camera(name string) *Event {
	e.camera = name
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixMicro())
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	log := Log{
		Time:   e.time,
		Level:  e.level,
		Msg:    msg,
		Src:    e.src,
		Camera: e.camera,
	}

	select {
	case e.logger.feed <- log:
	case <-e.logger.done:
	}
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Func logs a formatted message with a fixed source and camera.
type Func func(level Level, format string, a ...interface{})

// Feed defines feed of logs.
type Feed <-chan Log
type logFeed chan Log

// Logger logs.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.
	done  chan struct{}

	sources []string
	wg      *sync.WaitGroup
}

// Default log sources.
var defaultSources = []string{"app", "monitor", "recorder", "rtsp"}

// NewLogger returns a Logger, it must be started before use.
func NewLogger(wg *sync.WaitGroup, extraSources []string) *Logger {
	sources := append([]string{}, defaultSources...)
	sources = append(sources, extraSources...)
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		done:  make(chan struct{}),

		sources: sources,
		wg:      wg,
	}
}

// NewMockLogger returns a started logger that discards
// everything nobody is subscribed to. Used for testing.
func NewMockLogger() *Logger {
	l := NewLogger(&sync.WaitGroup{}, nil)
	l.Start(context.Background())
	return l
}

// Start logger.
func (l *Logger) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(l.done)

		subs := map[logFeed]struct{}{}
		for {
			select {
			case <-ctx.Done():
				for ch := range subs {
					close(ch)
				}
				return

			case ch := <-l.sub:
				subs[ch] = struct{}{}

			case ch := <-l.unsub:
				close(ch)
				delete(subs, ch)

			case msg := <-l.feed:
				for ch := range subs {
					ch <- msg
				}
			}
		}
	}()
}

// Sources returns all known log sources.
func (l *Logger) Sources() []string {
	return l.sources
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Log, CancelFunc) {
	feed := make(logFeed)
	select {
	case l.sub <- feed:
	case <-l.done:
		close(feed)
		return feed, func() {}
	}

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-l.done:
			return
		case <-feed:
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case log, ok := <-feed:
			if !ok {
				return
			}
			fmt.Println(formatLog(log))
		case <-ctx.Done():
			return
		}
	}
}

func formatLog(log Log) string {
	var output string

	switch log.Level {
	case LevelError:
		output += "[ERROR] "
	case LevelWarning:
		output += "[WARNING] "
	case LevelInfo:
		output += "[INFO] "
	case LevelDebug:
		output += "[DEBUG] "
	}

	if log.Camera != "" {
		output += log.Camera + ": "
	}
	if log.Src != "" {
		output += title(log.Src) + ": "
	}

	return output + log.Msg
}

func title(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// Level starts a new message with the given level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Level(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixMicro()),
		logger: l,
	}
}

// Error starts a new message with error level.
func (l *Logger) Error() *Event { return l.Level(LevelError) }

// Warn starts a new message with warn level.
func (l *Logger) Warn() *Event { return l.Level(LevelWarning) }

// Info starts a new message with info level.
func (l *Logger) Info() *Event { return l.Level(LevelInfo) }

// Debug starts a new message with debug level.
func (l *Logger) Debug() *Event { return l.Level(LevelDebug) }

// Func returns a Func bound to source and camera.
// Camera may be empty for application wide messages.
func (l *Logger) Func(src string, camera string) Func {
	return func(level Level, format string, a ...interface{}) {
		l.Level(level).Src(src).Camera(camera).Msgf(format, a...)
	}
}
