// SPDX-License-Identifier: GPL-2.0-or-later

package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/video"
)

// SegmentPath returns the path of a segment started at time t.
//
//	root/YYYYMMDD/camera/HHMMSS.ext
func SegmentPath(root string, camera string, t time.Time, ext string) string {
	return filepath.Join(
		root,
		t.Format("20060102"),
		camera,
		t.Format("150405")+"."+ext,
	)
}

// segment is an open output file.
type segment struct {
	path string
	sink video.Sink

	// Output decode timestamp of the first packet.
	baseline    int64
	hasBaseline bool

	// Last decode timestamp written, relative to baseline.
	lastDTS int64
}

// segmenter opens, writes and finalizes segment files.
// At most one segment is open at a time.
type segmenter struct {
	cam      *Camera
	settings Settings
	inTrack  video.Track
	outTrack video.Track
	logf     log.Func

	openSink video.OpenSinkFunc
	now      func() time.Time
	onOpen   func(path string)
	onClose  func(path string)

	seg *segment
}

func (s *segmenter) isOpen() bool {
	return s.seg != nil
}

// shouldRotate is evaluated on valid key-frames.
func (s *segmenter) shouldRotate() bool {
	if s.seg == nil {
		return true
	}
	threshold := s.settings.rotationThreshold()
	return threshold > 0 && s.seg.lastDTS >= threshold
}

// rotate finalizes the open segment and opens a new one.
func (s *segmenter) rotate() error {
	s.close()

	path := SegmentPath(s.settings.OutputRoot, s.cam.Name, s.now(), s.settings.Ext)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %w", ErrSegment, err)
	}

	sink, err := s.openSink(path, s.outTrack)
	if err != nil {
		return fmt.Errorf("%w: open %v: %w", ErrSegment, path, err)
	}

	s.seg = &segment{path: path, sink: sink}
	s.cam.setOutputOpen(true)
	s.logf(log.LevelDebug, "segment opened: %v", path)
	s.onOpen(path)
	return nil
}

// write rescales the normalized timestamps and writes the packet.
func (s *segmenter) write(pkt *video.Packet, dts int64, pts int64) error {
	in, out := s.inTrack.TimeScale, s.outTrack.TimeScale
	dts = video.Rescale(dts, in, out)
	pts = video.Rescale(pts, in, out)

	seg := s.seg
	if !seg.hasBaseline {
		seg.baseline = dts
		seg.hasBaseline = true
	}

	p := *pkt
	p.DTS = dts - seg.baseline
	p.PTS = pts - seg.baseline
	p.Duration = video.Rescale(pkt.Duration, in, out)

	if err := seg.sink.WritePacket(&p); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	seg.lastDTS = p.DTS
	return nil
}

// close writes the trailer of the open segment. A trailer
// error is logged since the segment can't be recovered.
func (s *segmenter) close() {
	if s.seg == nil {
		return
	}
	seg := s.seg
	s.seg = nil

	if err := seg.sink.Close(); err != nil {
		s.logf(log.LevelError, "write trailer: %v: %v", seg.path, err)
	}
	s.cam.setOutputOpen(false)
	s.logf(log.LevelDebug, "segment closed: %v", seg.path)
	s.onClose(seg.path)
}
