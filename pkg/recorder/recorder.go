// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/video"
	"github.com/andrew-shulgin/nvr/pkg/video/mp4muxer"
	"github.com/andrew-shulgin/nvr/pkg/video/rtspclient"
)

// Status how a recording ended.
type Status int

// Statuses.
const (
	// The run flag was cleared.
	StatusStopped Status = iota

	// The recording ended while it was still requested to run.
	StatusFailed
)

func (s Status) String() string {
	if s == StatusStopped {
		return "stopped"
	}
	return "failed"
}

// Errors.
var (
	ErrConnect      = errors.New("connect")
	ErrNoVideoTrack = errors.New("no video track")
	ErrSegment      = errors.New("segment")
	ErrWrite        = errors.New("write packet")
	ErrStreamEnded  = errors.New("stream ended")
)

// Recorder records a single connection to a camera.
type Recorder struct {
	cam      *Camera
	settings Settings
	logger   *log.Logger

	openSource video.OpenSourceFunc
	openSink   video.OpenSinkFunc
	now        func() time.Time

	// Called from the recording goroutine.
	OnSegmentOpen  func(path string)
	OnSegmentClose func(path string)
}

// NewRecorder returns a recorder that reads from
// RTSP and writes fragmented mp4 segments.
func NewRecorder(cam *Camera, settings Settings, logger *log.Logger) *Recorder {
	return &Recorder{
		cam:      cam,
		settings: settings.withDefaults(),
		logger:   logger,

		openSource: rtspclient.OpenSource,
		openSink:   mp4muxer.OpenSink,
		now:        time.Now,

		OnSegmentOpen:  func(string) {},
		OnSegmentClose: func(string) {},
	}
}

// Record connects to the camera and records until the run flag
// is cleared or an error occurs. Canceling the context unblocks
// pending reads. Source and segment are closed before returning.
func (r *Recorder) Record(ctx context.Context) (Status, error) {
	r.logger.Info().Src("recorder").Camera(r.cam.Name).Msg("connecting")

	err := r.record(ctx)
	if err != nil {
		r.logger.Error().
			Src("recorder").
			Camera(r.cam.Name).
			Msgf("recording failed: %v", err)
		return StatusFailed, err
	}

	r.logger.Info().Src("recorder").Camera(r.cam.Name).Msg("recording stopped")
	return StatusStopped, nil
}

func (r *Recorder) record(ctx context.Context) error {
	logf := r.logger.Func("recorder", r.cam.Name)

	src, err := r.openSource(ctx, r.cam.URI, r.settings.sourceOptions(r.cam.Name))
	if err != nil {
		return fmt.Errorf("%w: open source: %w", ErrConnect, err)
	}
	defer src.Close()

	tracks, err := src.Probe(ctx)
	if err != nil {
		return fmt.Errorf("%w: probe: %w", ErrConnect, err)
	}

	track, found := videoTrack(tracks)
	if !found {
		return ErrNoVideoTrack
	}
	logf(log.LevelInfo, "streaming %v track %v", track.Codec, track.Index)

	seg := &segmenter{
		cam:      r.cam,
		settings: r.settings,
		inTrack:  track,
		outTrack: track.WithTimeScale(r.settings.OutputTimeScale),
		logf:     logf,
		openSink: r.openSink,
		now:      r.now,
		onOpen:   r.OnSegmentOpen,
		onClose:  r.OnSegmentClose,
	}
	defer seg.close()

	p := &pipeline{seg: seg}
	defer func() {
		if p.dropped != 0 {
			logf(log.LevelDebug, "dropped %v packets", p.dropped)
		}
	}()

	for {
		pkt, err := src.ReadPacket(ctx)
		if !r.cam.Running() {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("%w: %w", ErrStreamEnded, err)
		}

		if pkt.Track != track.Index {
			continue
		}
		if err := p.process(pkt); err != nil {
			return err
		}
	}
}

// videoTrack returns the last video track.
func videoTrack(tracks []video.Track) (video.Track, bool) {
	var track video.Track
	found := false
	for _, t := range tracks {
		if t.IsVideo() {
			track, found = t, true
		}
	}
	return track, found
}

// pipeline routes packets of the video track through the
// segmenter and normalizer. Lives for one connection.
type pipeline struct {
	seg     *segmenter
	norm    normalizer
	dropped int
}

func (p *pipeline) process(pkt *video.Packet) error {
	valid := pkt.HasTimestamps() && pkt.Duration >= 0

	if valid && pkt.IsKeyFrame && p.seg.shouldRotate() {
		if err := p.seg.rotate(); err != nil {
			return err
		}
	}

	// Invalid packets and anything before the first key-frame.
	if !valid || !p.seg.isOpen() {
		p.dropped++
		return nil
	}

	dts, pts := p.norm.normalize(pkt.DTS, pkt.PTS)
	return p.seg.write(pkt, dts, pts)
}
