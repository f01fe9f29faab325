// SPDX-License-Identifier: GPL-2.0-or-later

package mp4muxer

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andrew-shulgin/nvr/pkg/video"

	"github.com/aler9/writerseeker"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
)

// Segment file layout.
//
//  ftyp moov  Header, written on creation.
//  moof mdat  One fragment for about every second of video.
//  ...
//  moof mdat  Last fragment, written on close.

const trackID = 1

// Errors.
var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrMissingParams    = errors.New("missing codec parameters")
	ErrClosed           = errors.New("muxer is closed")
)

// Muxer writes a single video track as fragmented mp4.
// Samples are held back by one packet to calculate their duration.
type Muxer struct {
	w          io.WriteCloser
	track      video.Track
	maxPartDur uint64

	nextSequenceNumber uint32
	partBaseTime       uint64
	partDuration       uint64
	partSamples        []*fmp4.PartSample

	prev         *video.Packet
	lastDuration uint32
	closed       bool
}

// Create creates the file and writes the header.
func Create(path string, track video.Track) (*Muxer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	m, err := New(f, track)
	if err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// OpenSink implements video.OpenSinkFunc.
func OpenSink(path string, track video.Track) (video.Sink, error) {
	m, err := Create(path, track)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// New writes the header to w and returns a muxer. The
// muxer takes ownership of w and closes it on Close.
func New(w io.WriteCloser, track video.Track) (*Muxer, error) {
	if track.Codec != video.CodecH264 {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCodec, track.Codec)
	}
	if len(track.SPS) == 0 || len(track.PPS) == 0 {
		return nil, ErrMissingParams
	}

	m := &Muxer{
		w:          w,
		track:      track,
		maxPartDur: uint64(track.TimeScale),

		nextSequenceNumber: 1,
	}

	if err := m.writeHeader(); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return m, nil
}

func (m *Muxer) writeHeader() error {
	init := fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        trackID,
			TimeScale: m.track.TimeScale,
			Codec: &fmp4.CodecH264{
				SPS: m.track.SPS,
				PPS: m.track.PPS,
			},
		}},
	}

	var ws writerseeker.WriterSeeker
	if err := init.Marshal(&ws); err != nil {
		return err
	}

	_, err := m.w.Write(ws.Bytes())
	return err
}

// WritePacket buffers the packet and writes the previous one.
// Timestamps must be non-negative and DTS must be non-decreasing.
func (m *Muxer) WritePacket(pkt *video.Packet) error {
	if m.closed {
		return ErrClosed
	}

	if m.prev != nil {
		duration := pkt.DTS - m.prev.DTS
		if duration < 0 {
			duration = 0
		}
		if err := m.writeSample(m.prev, uint32(duration)); err != nil {
			return err
		}
	}

	p := *pkt
	m.prev = &p
	return nil
}

func (m *Muxer) writeSample(pkt *video.Packet, duration uint32) error {
	if len(m.partSamples) == 0 {
		m.partBaseTime = 0
		if pkt.DTS > 0 {
			m.partBaseTime = uint64(pkt.DTS)
		}
	}

	m.partSamples = append(m.partSamples, &fmp4.PartSample{
		Duration:        duration,
		PTSOffset:       int32(pkt.PTS - pkt.DTS),
		IsNonSyncSample: !pkt.IsKeyFrame,
		Payload:         pkt.Payload,
	})
	m.partDuration += uint64(duration)
	m.lastDuration = duration

	if m.partDuration >= m.maxPartDur {
		return m.flushPart()
	}
	return nil
}

func (m *Muxer) flushPart() error {
	if len(m.partSamples) == 0 {
		return nil
	}

	part := fmp4.Part{
		SequenceNumber: m.nextSequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       trackID,
			BaseTime: m.partBaseTime,
			Samples:  m.partSamples,
		}},
	}
	m.nextSequenceNumber++
	m.partSamples = nil
	m.partDuration = 0

	var ws writerseeker.WriterSeeker
	if err := part.Marshal(&ws); err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}

	if _, err := m.w.Write(ws.Bytes()); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return nil
}

// Close writes the remaining samples and closes the file.
// The last sample uses the packet duration if it is
// known, otherwise the duration of the previous sample.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.prev != nil {
		duration := m.lastDuration
		if m.prev.Duration > 0 {
			duration = uint32(m.prev.Duration)
		}
		err = m.writeSample(m.prev, duration)
		m.prev = nil
	}
	if err == nil {
		err = m.flushPart()
	}

	if err2 := m.w.Close(); err == nil {
		err = err2
	}
	return err
}
