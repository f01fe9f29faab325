// SPDX-License-Identifier: GPL-2.0-or-later

package nvr

import (
	"context"

	"github.com/andrew-shulgin/nvr/pkg/monitor"
	"github.com/andrew-shulgin/nvr/pkg/recorder"
	"github.com/andrew-shulgin/nvr/pkg/web/auth"
)

type appRunHook func(context.Context, *App) error

type hookList struct {
	onAppRun         []appRunHook
	newAuthenticator auth.NewAuthenticatorFunc
	monitorStart     []monitor.StartHook
	segmentOpen      []monitor.SegmentHook
	segmentClose     []monitor.SegmentHook
	recorderExit     []monitor.RecorderExitHook
	logSource        []string
}

var hooks = &hookList{}

// RegisterAppRunHook registers hook that's called after the
// environment is prepared and before the monitors are started.
// Addons use it to grab app components and register routes.
func RegisterAppRunHook(h appRunHook) {
	hooks.onAppRun = append(hooks.onAppRun, h)
}

// SetAuthenticator is used to set the authenticator.
func SetAuthenticator(a auth.NewAuthenticatorFunc) {
	if hooks.newAuthenticator != nil {
		panic("authenticator already set")
	}
	hooks.newAuthenticator = a
}

// RegisterMonitorStartHook registers hook that's called when the monitor starts.
func RegisterMonitorStartHook(h monitor.StartHook) {
	hooks.monitorStart = append(hooks.monitorStart, h)
}

// RegisterSegmentOpenHook registers hook that's called when a recorder opens a segment file.
func RegisterSegmentOpenHook(h monitor.SegmentHook) {
	hooks.segmentOpen = append(hooks.segmentOpen, h)
}

// RegisterSegmentCloseHook registers hook that's called when a recorder closes a segment file.
func RegisterSegmentCloseHook(h monitor.SegmentHook) {
	hooks.segmentClose = append(hooks.segmentClose, h)
}

// RegisterRecorderExitHook registers hook that's called every time a recorder returns.
func RegisterRecorderExitHook(h monitor.RecorderExitHook) {
	hooks.recorderExit = append(hooks.recorderExit, h)
}

// RegisterLogSource adds log source.
func RegisterLogSource(s []string) {
	hooks.logSource = append(hooks.logSource, s...)
}

func (h *hookList) appRun(ctx context.Context, app *App) error {
	for _, hook := range h.onAppRun {
		if err := hook(ctx, app); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookList) monitor() *monitor.Hooks {
	return &monitor.Hooks{
		Start: func(ctx context.Context, m *monitor.Monitor) {
			for _, hook := range h.monitorStart {
				hook(ctx, m)
			}
		},
		SegmentOpen: func(m *monitor.Monitor, path string) {
			for _, hook := range h.segmentOpen {
				hook(m, path)
			}
		},
		SegmentClose: func(m *monitor.Monitor, path string) {
			for _, hook := range h.segmentClose {
				hook(m, path)
			}
		},
		RecorderExit: func(m *monitor.Monitor, status recorder.Status, err error) {
			for _, hook := range h.recorderExit {
				hook(m, status, err)
			}
		},
	}
}
