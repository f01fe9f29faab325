// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := NewLogger(&sync.WaitGroup{}, nil)
	logger.Start(ctx)
	return logger
}

func TestLogger(t *testing.T) {
	t.Run("feed", func(t *testing.T) {
		logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		go logger.Error().Src("recorder").Camera("cam1").Msgf("a %v", 1)
		actual := <-feed
		actual.Time = 0

		expected := Log{
			Level:  LevelError,
			Msg:    "a 1",
			Src:    "recorder",
			Camera: "cam1",
		}
		require.Equal(t, expected, actual)
	})
	t.Run("func", func(t *testing.T) {
		logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		logf := logger.Func("rtsp", "cam2")
		go logf(LevelDebug, "%v packets", 3)
		actual := <-feed

		require.Equal(t, LevelDebug, actual.Level)
		require.Equal(t, "rtsp", actual.Src)
		require.Equal(t, "cam2", actual.Camera)
		require.Equal(t, "3 packets", actual.Msg)
	})
	t.Run("unsubBeforePrint", func(t *testing.T) {
		logger := newTestLogger(t)

		feed1, cancel1 := logger.Subscribe()
		feed2, cancel2 := logger.Subscribe()
		cancel2()

		go logger.Info().Msg("test")
		actual1 := <-feed1
		actual2, ok := <-feed2
		cancel1()

		require.Equal(t, "test", actual1.Msg)
		require.False(t, ok)
		require.Equal(t, Log{}, actual2)
	})
	t.Run("stopped", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		logger := NewLogger(wg, nil)
		logger.Start(ctx)
		cancel()
		wg.Wait()

		// Must not block after the logger has stopped.
		logger.Info().Msg("test")
		feed, _ := logger.Subscribe()
		_, ok := <-feed
		require.False(t, ok)
	})
}

func TestFormatLog(t *testing.T) {
	cases := map[string]struct {
		input    Log
		expected string
	}{
		"full": {
			Log{Level: LevelWarning, Src: "recorder", Camera: "door", Msg: "failed"},
			"[WARNING] door: Recorder: failed",
		},
		"noCamera": {
			Log{Level: LevelInfo, Src: "app", Msg: "Starting.."},
			"[INFO] App: Starting..",
		},
		"noSource": {
			Log{Level: LevelDebug, Msg: "x"},
			"[DEBUG] x",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.expected, formatLog(tc.input))
		})
	}
}

func TestSources(t *testing.T) {
	logger := NewLogger(&sync.WaitGroup{}, []string{"mqtt"})
	require.Equal(t, []string{"app", "monitor", "recorder", "rtsp", "mqtt"}, logger.Sources())
}
