// SPDX-License-Identifier: GPL-2.0-or-later

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/recorder"
	"github.com/andrew-shulgin/nvr/pkg/storage"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, config Config) {
	data, err := json.Marshal(config)
	require.NoError(t, err)
	path := filepath.Join(dir, config.ID()+".json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func readConfig(t *testing.T, path string) Config {
	file, err := os.ReadFile(path)
	require.NoError(t, err)

	var config Config
	require.NoError(t, json.Unmarshal(file, &config))
	return config
}

var (
	config1 = Config{
		"id":     "1",
		"name":   "one",
		"enable": "false",
		"url":    "rtsp://x1",
	}
	config2 = Config{
		"id":     "2",
		"name":   "two",
		"enable": "true",
		"url":    "rtsp://x2",
	}
)

func newTestManager(t *testing.T) (string, *Manager) {
	configDir := filepath.Join(t.TempDir(), "cameras")
	require.NoError(t, os.Mkdir(configDir, 0o700))
	writeConfig(t, configDir, config1)
	writeConfig(t, configDir, config2)
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "x.txt"), nil, 0o600))

	manager, err := NewManager(configDir, storage.ConfigEnv{}, log.NewMockLogger(), &Hooks{})
	require.NoError(t, err)

	manager.record = func(ctx context.Context, _ *Monitor, _ *recorder.Camera) (recorder.Status, error) {
		<-ctx.Done()
		return recorder.StatusStopped, nil
	}
	return configDir, manager
}

func TestNewManager(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		_, manager := newTestManager(t)
		require.Equal(t, Configs{"1": config1, "2": config2}, manager.configs)
	})
	t.Run("mkDirErr", func(t *testing.T) {
		_, err := NewManager("/dev/null/nil", storage.ConfigEnv{}, nil, nil)
		require.Error(t, err)
	})
	t.Run("unmarshalErr", func(t *testing.T) {
		configDir := t.TempDir()
		err := os.WriteFile(filepath.Join(configDir, "1.json"), []byte("{"), 0o600)
		require.NoError(t, err)

		_, err = NewManager(configDir, storage.ConfigEnv{}, log.NewMockLogger(), nil)
		var e *json.SyntaxError
		require.ErrorAs(t, err, &e)
	})
}

func TestMonitorSet(t *testing.T) {
	t.Run("createNew", func(t *testing.T) {
		configDir, manager := newTestManager(t)

		config := Config{"id": "new", "name": "new", "url": "rtsp://y"}
		require.NoError(t, manager.MonitorSet("new", config))
		require.Equal(t, config, manager.configs["new"])

		// Check if changes were saved to file.
		require.Equal(t, config, readConfig(t, filepath.Join(configDir, "new.json")))
	})
	t.Run("setOld", func(t *testing.T) {
		configDir, manager := newTestManager(t)

		config := Config{"id": "1", "name": "renamed", "url": "rtsps://x1"}
		require.NoError(t, manager.MonitorSet("1", config))
		require.Equal(t, "renamed", manager.configs["1"].Name())
		require.Equal(t, config, readConfig(t, filepath.Join(configDir, "1.json")))
	})
	t.Run("idMismatch", func(t *testing.T) {
		_, manager := newTestManager(t)
		err := manager.MonitorSet("3", config1)
		require.ErrorIs(t, err, ErrInvalidID)
	})
	t.Run("invalid", func(t *testing.T) {
		_, manager := newTestManager(t)
		err := manager.MonitorSet("3", Config{"id": "3", "url": "http://x"})
		require.ErrorIs(t, err, ErrInvalidURL)
		require.NotContains(t, manager.configs, "3")
	})
	t.Run("writeFileErr", func(t *testing.T) {
		_, manager := newTestManager(t)
		manager.path = "/dev/null"

		err := manager.MonitorSet("1", config1)
		require.Error(t, err)
	})
}

func TestMonitorDelete(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		configDir, manager := newTestManager(t)
		manager.StartMonitors()

		require.NoError(t, manager.MonitorDelete("2"))
		require.NotContains(t, manager.configs, "2")
		require.NotContains(t, manager.runningMonitors, "2")

		_, err := os.Stat(filepath.Join(configDir, "2.json"))
		require.ErrorIs(t, err, os.ErrNotExist)
		manager.StopMonitors()
	})
	t.Run("existErr", func(t *testing.T) {
		_, manager := newTestManager(t)
		err := manager.MonitorDelete("nil")
		require.ErrorIs(t, err, ErrMonitorNotExist)
	})
	t.Run("removeErr", func(t *testing.T) {
		_, manager := newTestManager(t)
		manager.path = "/dev/null"

		err := manager.MonitorDelete("1")
		require.Error(t, err)
	})
}

func TestMonitorsInfo(t *testing.T) {
	_, manager := newTestManager(t)
	expected := []MonitorInfo{
		{ID: "1", Name: "one", Enable: false},
		{ID: "2", Name: "two", Enable: true},
	}
	require.Equal(t, expected, manager.MonitorsInfo())
}

func TestMonitorConfigs(t *testing.T) {
	_, manager := newTestManager(t)
	configs := manager.MonitorConfigs()
	require.Equal(t, Configs{"1": config1, "2": config2}, configs)

	// Returned configs are copies.
	configs["1"]["name"] = "x"
	require.Equal(t, "one", manager.configs["1"].Name())
}

func TestStartStopMonitors(t *testing.T) {
	_, manager := newTestManager(t)

	started := make(chan string, 2)
	manager.hooks.Start = func(_ context.Context, m *Monitor) {
		started <- m.Config.ID()
	}

	manager.StartMonitors()
	require.Equal(t, "2", <-started)

	_, running := manager.Monitor("2")
	require.True(t, running)

	require.ErrorIs(t, manager.RestartMonitor("x"), ErrMonitorNotExist)
	require.NoError(t, manager.RestartMonitor("2"))
	require.Equal(t, "2", <-started)

	manager.StopMonitors()
	_, running = manager.Monitor("2")
	require.False(t, running)
}

type recordCall struct {
	ctx context.Context
	cam *recorder.Camera
	ret chan recordResult
}

type recordResult struct {
	status recorder.Status
	err    error
}

func newTestMonitor(t *testing.T) (*Monitor, chan recordCall, chan error) {
	calls := make(chan recordCall)
	exits := make(chan error, 10)

	m := &Monitor{
		Config: Config{"id": "1", "name": "door", "enable": "true", "url": "rtsp://x"},
		Logger: log.NewMockLogger(),
		hooks: Hooks{
			RecorderExit: func(_ *Monitor, _ recorder.Status, err error) {
				exits <- err
			},
		},
		logf: func(log.Level, string, ...interface{}) {},
		record: func(ctx context.Context, _ *Monitor, cam *recorder.Camera) (recorder.Status, error) {
			call := recordCall{ctx: ctx, cam: cam, ret: make(chan recordResult)}
			calls <- call
			res := <-call.ret
			return res.status, res.err
		},
		minBackoff: time.Millisecond,
		maxBackoff: 4 * time.Millisecond,
		after:      time.After,
	}
	m.hooks.fillMissing()
	return m, calls, exits
}

var errMock = errors.New("mock")

func TestMonitorRun(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)
		m.Config["enable"] = "false"
		m.start()
		require.Nil(t, m.cancel)
		m.stop()
	})
	t.Run("invalidConfig", func(t *testing.T) {
		m, _, _ := newTestMonitor(t)
		m.Config["name"] = "../x"
		var logs []string
		m.logf = func(_ log.Level, format string, a ...interface{}) {
			logs = append(logs, fmt.Sprintf(format, a...))
		}
		m.start()
		require.Nil(t, m.cancel)
		require.Equal(t, []string{`invalid config, not starting: invalid name: "../x"`}, logs)
		m.stop()
	})
	t.Run("reconnect", func(t *testing.T) {
		m, calls, exits := newTestMonitor(t)
		m.start()

		call := <-calls
		require.Equal(t, "door", call.cam.Name)
		require.Equal(t, "rtsp://x", call.cam.URI)
		call.ret <- recordResult{recorder.StatusFailed, errMock}
		require.ErrorIs(t, <-exits, errMock)

		// New camera for each connection.
		call2 := <-calls
		require.NotSame(t, call.cam, call2.cam)

		go m.stop()
		<-call2.ctx.Done()
		require.False(t, call2.cam.Running())
		call2.ret <- recordResult{recorder.StatusStopped, nil}
		require.NoError(t, <-exits)
	})
	t.Run("restartRecorder", func(t *testing.T) {
		m, calls, exits := newTestMonitor(t)
		m.start()

		call := <-calls
		m.RestartRecorder()
		<-call.ctx.Done()
		require.False(t, call.cam.Running())
		call.ret <- recordResult{recorder.StatusStopped, nil}
		require.NoError(t, <-exits)

		call = <-calls
		require.True(t, call.cam.Running())

		go m.stop()
		<-call.ctx.Done()
		call.ret <- recordResult{recorder.StatusStopped, nil}
		<-exits
	})
	t.Run("segment", func(t *testing.T) {
		m, calls, _ := newTestMonitor(t)

		opened := make(chan string, 1)
		closed := make(chan string, 1)
		m.hooks.SegmentOpen = func(_ *Monitor, path string) { opened <- path }
		m.hooks.SegmentClose = func(_ *Monitor, path string) { closed <- path }
		m.start()

		call := <-calls
		m.onSegmentOpen("a.mp4")
		require.Equal(t, "a.mp4", <-opened)
		require.Equal(t, "a.mp4", m.CurrentSegment())

		m.onSegmentClose("a.mp4")
		require.Equal(t, "a.mp4", <-closed)
		require.Equal(t, "", m.CurrentSegment())
		require.False(t, m.OutputOpen())

		go m.stop()
		<-call.ctx.Done()
		call.ret <- recordResult{recorder.StatusStopped, nil}
	})
}

func TestBackoff(t *testing.T) {
	m, calls, exits := newTestMonitor(t)
	m.minBackoff = time.Second
	m.maxBackoff = 4 * time.Second

	delays := make(chan time.Duration, 10)
	m.after = func(d time.Duration) <-chan time.Time {
		delays <- d
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	m.start()

	fail := func(call recordCall) {
		call.ret <- recordResult{recorder.StatusFailed, errMock}
		<-exits
	}

	for _, expected := range []time.Duration{1, 2, 4, 4} {
		fail(<-calls)
		require.Equal(t, expected*time.Second, <-delays)
	}

	// Reset after a segment was opened.
	call := <-calls
	m.onSegmentOpen("x")
	fail(call)
	require.Equal(t, time.Second, <-delays)

	call = <-calls
	go m.stop()
	<-call.ctx.Done()
	call.ret <- recordResult{recorder.StatusStopped, nil}
	<-exits
	require.Empty(t, delays)
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := Config{"id": "x"}
		require.Equal(t, "x", c.Name())
		require.Equal(t, "tcp", c.Transport())
		require.Equal(t, 15*time.Minute, c.SegmentLength())
		require.Equal(t, 10*time.Second, c.Timeout())
	})
	t.Run("values", func(t *testing.T) {
		c := Config{
			"name":          "door",
			"transport":     "udp",
			"segmentLength": "0.5",
			"timeout":       "3",
		}
		require.Equal(t, "door", c.Name())
		require.Equal(t, "udp", c.Transport())
		require.Equal(t, 500*time.Millisecond, c.SegmentLength())
		require.Equal(t, 3*time.Second, c.Timeout())
	})
	t.Run("censoredURL", func(t *testing.T) {
		c := Config{"url": "rtsp://admin:pass@x:554/a"}
		require.Equal(t, "rtsp://xxx@x:554/a", c.censoredURL())
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{"id": "1", "name": "door", "url": "rtsp://x/a"}
	}
	cases := map[string]struct {
		key      string
		value    string
		expected error
	}{
		"ok":            {"", "", nil},
		"id":            {"id", "../1", ErrInvalidID},
		"name":          {"name", "a/b", ErrInvalidName},
		"url":           {"url", "rtsp://", ErrInvalidURL},
		"scheme":        {"url", "http://x", ErrInvalidURL},
		"transport":     {"transport", "x", ErrInvalidTransport},
		"segmentLength": {"segmentLength", "x", ErrInvalidNumber},
		"timeout":       {"timeout", "x", ErrInvalidNumber},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			if tc.key != "" {
				c[tc.key] = tc.value
			}
			err := c.Validate()
			if tc.expected == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tc.expected)
			}
		})
	}
}
