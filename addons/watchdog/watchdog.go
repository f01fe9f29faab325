// SPDX-License-Identifier: GPL-2.0-or-later

// Package watchdog restarts recorders whose segment file stops growing.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrew-shulgin/nvr"
	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/monitor"

	"github.com/fsnotify/fsnotify"
)

func init() {
	nvr.RegisterLogSource([]string{"watchdog"})
	nvr.RegisterMonitorStartHook(onMonitorStart)
}

const defaultInterval = 30 * time.Second

func onMonitorStart(ctx context.Context, m *monitor.Monitor) {
	d := &watchdog{
		segment:  m.CurrentSegment,
		interval: defaultInterval,
		onFreeze: m.RestartRecorder,
		logf:     m.Logger.Func("watchdog", m.Config.Name()),
	}
	go d.start(ctx)
}

type watchdog struct {
	segment  func() string
	interval time.Duration
	onFreeze func()
	logf     log.Func
}

// ErrFreeze possible freeze detected.
var ErrFreeze = errors.New("possible freeze detected")

func (d *watchdog) start(ctx context.Context) {
	for {
		select {
		case <-time.After(d.interval):
		case <-ctx.Done():
			return
		}

		path := d.segment()
		if path == "" {
			continue
		}

		err := d.watch(ctx, path)
		switch {
		case err == nil:
		case errors.Is(err, ErrFreeze):
			// Rotation during the watch is not a freeze.
			if d.segment() != path {
				continue
			}
			d.logf(log.LevelError, "%v, restarting recorder", err)
			d.onFreeze()
		default:
			d.logf(log.LevelWarning, "watch segment: %v", err)
		}
	}
}

// watch returns ErrFreeze if the file isn't written to within the interval.
func (d *watchdog) watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	timeout := time.NewTimer(d.interval)
	defer timeout.Stop()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case <-timeout.C:
			return fmt.Errorf("%w: no writes to %v in %v", ErrFreeze, path, d.interval)
		case <-ctx.Done():
			return nil
		}
	}
}
