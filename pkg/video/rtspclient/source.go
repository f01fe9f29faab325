// SPDX-License-Identifier: GPL-2.0-or-later

package rtspclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/video"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"
)

// Errors.
var (
	ErrSchemeNotAllowed = errors.New("scheme not allowed")
	ErrInvalidTransport = errors.New("invalid transport")
	ErrNoH264           = errors.New("no H264 media")
	ErrMissingParams    = errors.New("SPS and PPS not received")
	ErrProbeOverflow    = errors.New("too many packets without SPS and PPS")
)

const (
	defaultReadTimeout = 10 * time.Second
	defaultProbeTime   = 10 * time.Second
	maxProbePackets    = 512
	packetBufferSize   = 256
)

// Source is a connected RTSP stream. Only the first H264
// media is set up, other medias are reported by Probe.
type Source struct {
	logf   log.Func
	client *gortsplib.Client

	probeTimeout time.Duration

	// Guards the parameters of the video track.
	mu       sync.Mutex
	tracks   []video.Track
	videoIdx int

	dtsExtractor *h264.DTSExtractor2

	packets chan *video.Packet
	pending []*video.Packet

	done       chan struct{}
	closeOnce  sync.Once
	terminated chan struct{}
	err        error
}

func newSource(logf log.Func, tracks []video.Track, videoIdx int) *Source {
	return &Source{
		logf:         logf,
		probeTimeout: defaultProbeTime,
		tracks:       tracks,
		videoIdx:     videoIdx,
		dtsExtractor: h264.NewDTSExtractor2(),
		packets:      make(chan *video.Packet, packetBufferSize),
		done:         make(chan struct{}),
		terminated:   make(chan struct{}),
	}
}

// OpenSource implements video.OpenSourceFunc.
func OpenSource(ctx context.Context, uri string, opts video.SourceOptions) (video.Source, error) {
	s, err := Open(ctx, uri, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Open connects to the camera and starts playing the H264 media.
func Open(ctx context.Context, uri string, opts video.SourceOptions) (*Source, error) {
	logger, err := currentLogger()
	if err != nil {
		return nil, err
	}
	logf := logger.Func("rtsp", opts.Camera)

	u, err := base.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if !opts.SchemeAllowed(u.Scheme) {
		return nil, fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}

	transport, err := parseTransport(opts.Transport)
	if err != nil {
		return nil, err
	}

	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	c := &gortsplib.Client{
		Transport:   transport,
		ReadTimeout: readTimeout,
		OnTransportSwitch: func(err error) {
			logf(log.LevelWarning, "%v", err)
		},
		OnDecodeError: func(err error) {
			logf(log.LevelDebug, "decode: %v", err)
		},
	}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	// Unblock the handshake if the context is canceled.
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	s, err := setup(c, u, logf)
	if err != nil {
		c.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return s, nil
}

func setup(c *gortsplib.Client, u *base.URL, logf log.Func) (*Source, error) {
	desc, _, err := c.Describe(u)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return nil, ErrNoH264
	}

	tracks, videoIdx := describeTracks(desc, medi, forma)
	s := newSource(logf, tracks, videoIdx)
	s.client = c

	dec, err := forma.CreateDecoder()
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}

	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := c.PacketPTS2(medi, pkt)
		if !ok {
			return
		}

		au, err := dec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) &&
				!errors.Is(err, rtph264.ErrMorePacketsNeeded) {
				logf(log.LevelDebug, "decode: %v", err)
			}
			return
		}

		p, err := s.handleAU(au, pts)
		if err != nil {
			logf(log.LevelDebug, "%v", err)
			return
		}
		s.push(p)
	})

	if _, err := c.Play(nil); err != nil {
		return nil, fmt.Errorf("play: %w", err)
	}

	go func() {
		s.err = c.Wait()
		close(s.terminated)
	}()

	return s, nil
}

func parseTransport(transport string) (*gortsplib.Transport, error) {
	var t gortsplib.Transport
	switch transport {
	case "", video.TransportTCP:
		t = gortsplib.TransportTCP
	case video.TransportUDP:
		t = gortsplib.TransportUDP
	case video.TransportUDPMulticast:
		t = gortsplib.TransportUDPMulticast
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransport, transport)
	}
	return &t, nil
}

// describeTracks lists the H264 media and any audio medias.
func describeTracks(
	desc *description.Session,
	h264Media *description.Media,
	forma *format.H264,
) ([]video.Track, int) {
	var tracks []video.Track
	videoIdx := 0
	for _, medi := range desc.Medias {
		if medi == h264Media {
			sps, pps := forma.SafeParams()
			videoIdx = len(tracks)
			tracks = append(tracks, video.Track{
				Index:     videoIdx,
				Type:      video.MediaTypeVideo,
				Codec:     video.CodecH264,
				TimeScale: uint32(forma.ClockRate()),
				SPS:       sps,
				PPS:       pps,
			})
			continue
		}
		if medi.Type != description.MediaTypeAudio || len(medi.Formats) == 0 {
			continue
		}
		tracks = append(tracks, video.Track{
			Index:     len(tracks),
			Type:      video.MediaTypeAudio,
			Codec:     medi.Formats[0].Codec(),
			TimeScale: uint32(medi.Formats[0].ClockRate()),
		})
	}
	return tracks, videoIdx
}

// handleAU converts a depacketized access unit to a packet.
// The DTS is unknown until the extractor has seen a key-frame.
func (s *Source) handleAU(au [][]byte, pts int64) (*video.Packet, error) {
	if len(au) == 0 {
		return nil, errors.New("empty access unit")
	}
	s.updateParams(au)

	dts := video.NoTimestamp
	d, err := s.dtsExtractor.Extract(au, pts)
	if err != nil {
		s.logf(log.LevelDebug, "extract dts: %v", err)
	} else {
		dts = d
	}

	payload, err := h264.AVCCMarshal(au)
	if err != nil {
		return nil, fmt.Errorf("marshal access unit: %w", err)
	}

	return &video.Packet{
		Track:      s.videoIdx,
		DTS:        dts,
		PTS:        pts,
		IsKeyFrame: h264.IDRPresent(au),
		Payload:    payload,
	}, nil
}

// updateParams saves in-band SPS and PPS.
func (s *Source) updateParams(au [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	track := &s.tracks[s.videoIdx]
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			if !bytes.Equal(track.SPS, nalu) {
				track.SPS = append([]byte(nil), nalu...)
			}
		case h264.NALUTypePPS:
			if !bytes.Equal(track.PPS, nalu) {
				track.PPS = append([]byte(nil), nalu...)
			}
		}
	}
}

func (s *Source) currentTracks() ([]video.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tracks := make([]video.Track, len(s.tracks))
	copy(tracks, s.tracks)
	v := tracks[s.videoIdx]
	return tracks, len(v.SPS) != 0 && len(v.PPS) != 0
}

func (s *Source) push(pkt *video.Packet) {
	select {
	case s.packets <- pkt:
	case <-s.done:
	}
}

// Probe returns the stream tracks. If the SPS and PPS are
// not in the session description, packets are read until
// they are received in-band. Those packets are replayed
// by ReadPacket.
func (s *Source) Probe(ctx context.Context) ([]video.Track, error) {
	if tracks, ok := s.currentTracks(); ok {
		return tracks, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	for {
		pkt, err := s.read(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("probe: %w", ErrMissingParams)
			}
			return nil, fmt.Errorf("probe: %w", err)
		}
		if len(s.pending) >= maxProbePackets {
			return nil, ErrProbeOverflow
		}
		s.pending = append(s.pending, pkt)

		if tracks, ok := s.currentTracks(); ok {
			return tracks, nil
		}
	}
}

// ReadPacket returns the next packet. Packets read
// during probing are returned first.
func (s *Source) ReadPacket(ctx context.Context) (*video.Packet, error) {
	if len(s.pending) != 0 {
		pkt := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		return pkt, nil
	}
	return s.read(ctx)
}

func (s *Source) read(ctx context.Context) (*video.Packet, error) {
	select {
	case pkt := <-s.packets:
		return pkt, nil
	case <-s.terminated:
		select {
		case pkt := <-s.packets:
			return pkt, nil
		default:
		}
		if s.err == nil {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read: %w", s.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects from the camera.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.client != nil {
			s.client.Close()
		}
	})
}
