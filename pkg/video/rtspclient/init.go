// SPDX-License-Identifier: GPL-2.0-or-later

// Package rtspclient reads H264 video from RTSP cameras.
package rtspclient

import (
	"errors"
	"sync"

	"github.com/andrew-shulgin/nvr/pkg/log"
)

// ErrNotInitialized returned by Open before Init is called.
var ErrNotInitialized = errors.New("rtsp client not initialized")

var state struct {
	mu     sync.Mutex
	logger *log.Logger
}

// Init sets up the process-wide client state. Must be called
// before any source is opened. Library messages are sent to logger.
func Init(logger *log.Logger) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.logger = logger
}

// Shutdown releases the process-wide state.
// All sources must be closed before it's called.
func Shutdown() {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.logger = nil
}

func currentLogger() (*log.Logger, error) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.logger == nil {
		return nil, ErrNotInitialized
	}
	return state.logger, nil
}
