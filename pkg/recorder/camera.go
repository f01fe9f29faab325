// SPDX-License-Identifier: GPL-2.0-or-later

// Package recorder records a camera stream into time-bounded segment files.
package recorder

import (
	"sync/atomic"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/video"
)

// Camera identity and state shared with the caller.
// The run flag is only written by the caller and the
// output flag is only written by the recorder.
type Camera struct {
	Name string
	URI  string

	running    atomic.Bool
	outputOpen atomic.Bool
}

// NewCamera returns a camera with the run flag set.
func NewCamera(name string, uri string) *Camera {
	c := &Camera{Name: name, URI: uri}
	c.running.Store(true)
	return c
}

// Stop requests the recorder to stop after the current read.
func (c *Camera) Stop() { c.running.Store(false) }

// Running returns false after Stop has been called.
func (c *Camera) Running() bool { return c.running.Load() }

// OutputOpen returns true while a segment file is open.
func (c *Camera) OutputOpen() bool { return c.outputOpen.Load() }

func (c *Camera) setOutputOpen(open bool) { c.outputOpen.Store(open) }

// DefaultOutputTimeScale time base of the segment files.
const DefaultOutputTimeScale = 90000

// Settings per-run recorder configuration.
type Settings struct {
	// Segment files are created in OutputRoot/YYYYMMDD/camera/.
	OutputRoot string

	// Target length of each segment. Zero or negative creates
	// a single segment for each connection.
	SegmentLength time.Duration

	// Ticks per second in the segment files.
	OutputTimeScale uint32

	Transport      string
	AllowedSchemes []string

	// Inactivity timeout of the source.
	ReadTimeout time.Duration

	// File extension of the segments.
	Ext string
}

func (s Settings) withDefaults() Settings {
	if s.OutputTimeScale == 0 {
		s.OutputTimeScale = DefaultOutputTimeScale
	}
	if s.Transport == "" {
		s.Transport = video.TransportTCP
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 10 * time.Second
	}
	if s.Ext == "" {
		s.Ext = "mp4"
	}
	return s
}

// rotationThreshold returns the segment length in output ticks,
// or zero if segments are unbounded.
func (s Settings) rotationThreshold() int64 {
	if s.SegmentLength <= 0 {
		return 0
	}
	return video.Rescale(int64(s.SegmentLength), uint32(time.Second), s.OutputTimeScale)
}

func (s Settings) sourceOptions(camera string) video.SourceOptions {
	return video.SourceOptions{
		Transport:      s.Transport,
		AllowedSchemes: s.AllowedSchemes,
		ReadTimeout:    s.ReadTimeout,
		Camera:         camera,
	}
}
