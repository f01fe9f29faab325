// SPDX-License-Identifier: GPL-2.0-or-later

package rtspclient

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/video"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		103, 100, 0, 22, 172, 217, 64, 164,
		59, 228, 136, 192, 68, 0, 0, 3,
		0, 4, 0, 0, 3, 0, 96, 60,
		88, 182, 88,
	}
	testPPS = []byte{104, 235, 227, 203, 34, 192}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testNon = []byte{0x41, 0x9a, 0x02, 0x00}
)

func nopLogf(log.Level, string, ...interface{}) {}

func newTestSource() *Source {
	tracks := []video.Track{
		{Index: 0, Type: video.MediaTypeAudio, Codec: "MPEG-4 Audio", TimeScale: 48000},
		{Index: 1, Type: video.MediaTypeVideo, Codec: video.CodecH264, TimeScale: 90000},
	}
	return newSource(nopLogf, tracks, 1)
}

func TestParseTransport(t *testing.T) {
	cases := []struct {
		input    string
		expected gortsplib.Transport
	}{
		{"", gortsplib.TransportTCP},
		{"tcp", gortsplib.TransportTCP},
		{"udp", gortsplib.TransportUDP},
		{"udp-multicast", gortsplib.TransportUDPMulticast},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			transport, err := parseTransport(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, *transport)
		})
	}
	t.Run("invalid", func(t *testing.T) {
		_, err := parseTransport("http")
		require.ErrorIs(t, err, ErrInvalidTransport)
	})
}

func TestOpen(t *testing.T) {
	t.Run("notInitialized", func(t *testing.T) {
		Shutdown()
		_, err := Open(context.Background(), "rtsp://x", video.SourceOptions{})
		require.ErrorIs(t, err, ErrNotInitialized)
	})
	t.Run("schemeNotAllowed", func(t *testing.T) {
		Init(log.NewMockLogger())
		defer Shutdown()

		opts := video.SourceOptions{AllowedSchemes: []string{"rtsps"}}
		_, err := Open(context.Background(), "rtsp://127.0.0.1:1/a", opts)
		require.ErrorIs(t, err, ErrSchemeNotAllowed)
	})
	t.Run("invalidTransport", func(t *testing.T) {
		Init(log.NewMockLogger())
		defer Shutdown()

		opts := video.SourceOptions{Transport: "x"}
		_, err := Open(context.Background(), "rtsp://127.0.0.1:1/a", opts)
		require.ErrorIs(t, err, ErrInvalidTransport)
	})
	t.Run("invalidURL", func(t *testing.T) {
		Init(log.NewMockLogger())
		defer Shutdown()

		_, err := OpenSource(context.Background(), "::", video.SourceOptions{})
		require.Error(t, err)
	})
}

func TestHandleAU(t *testing.T) {
	t.Run("keyFrame", func(t *testing.T) {
		s := newTestSource()
		_, ok := s.currentTracks()
		require.False(t, ok)

		pkt, err := s.handleAU([][]byte{testSPS, testPPS, testIDR}, 9000)
		require.NoError(t, err)
		require.True(t, pkt.IsKeyFrame)
		require.Equal(t, int64(9000), pkt.PTS)
		require.Equal(t, 1, pkt.Track)

		// Length prefixed.
		require.Equal(t, []byte{0, 0, 0, byte(len(testSPS))}, pkt.Payload[:4])
		require.Equal(t, 4*3+len(testSPS)+len(testPPS)+len(testIDR), len(pkt.Payload))

		tracks, ok := s.currentTracks()
		require.True(t, ok)
		require.Equal(t, testSPS, tracks[1].SPS)
		require.Equal(t, testPPS, tracks[1].PPS)
		require.Nil(t, tracks[0].SPS)
	})
	t.Run("nonKeyFrame", func(t *testing.T) {
		s := newTestSource()
		pkt, err := s.handleAU([][]byte{testNon}, 3000)
		require.NoError(t, err)
		require.False(t, pkt.IsKeyFrame)
		require.Equal(t, int64(3000), pkt.PTS)
	})
	t.Run("empty", func(t *testing.T) {
		s := newTestSource()
		_, err := s.handleAU(nil, 0)
		require.Error(t, err)
	})
}

func TestProbe(t *testing.T) {
	t.Run("paramsInDescription", func(t *testing.T) {
		s := newTestSource()
		s.tracks[1].SPS = testSPS
		s.tracks[1].PPS = testPPS

		tracks, err := s.Probe(context.Background())
		require.NoError(t, err)
		require.Len(t, tracks, 2)
		require.True(t, tracks[1].IsVideo())
		require.Empty(t, s.pending)
	})
	t.Run("inBand", func(t *testing.T) {
		s := newTestSource()

		pkt1, err := s.handleAU([][]byte{testNon}, 1)
		require.NoError(t, err)
		s.push(pkt1)
		go func() {
			time.Sleep(10 * time.Millisecond)
			pkt2, err := s.handleAU([][]byte{testSPS, testPPS, testIDR}, 2)
			if err != nil {
				panic(err)
			}
			s.push(pkt2)
		}()

		tracks, err := s.Probe(context.Background())
		require.NoError(t, err)
		require.Equal(t, testSPS, tracks[1].SPS)
		require.Len(t, s.pending, 2)

		pkt, err := s.ReadPacket(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(1), pkt.PTS)

		pkt, err = s.ReadPacket(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(2), pkt.PTS)
		require.Empty(t, s.pending)
	})
	t.Run("timeout", func(t *testing.T) {
		s := newTestSource()
		s.probeTimeout = 10 * time.Millisecond

		_, err := s.Probe(context.Background())
		require.ErrorIs(t, err, ErrMissingParams)
	})
	t.Run("canceled", func(t *testing.T) {
		s := newTestSource()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Probe(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestReadPacket(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		s := newTestSource()
		s.push(&video.Packet{PTS: 1})
		close(s.terminated)

		pkt, err := s.ReadPacket(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(1), pkt.PTS)

		_, err = s.ReadPacket(context.Background())
		require.ErrorIs(t, err, io.EOF)
	})
	t.Run("error", func(t *testing.T) {
		s := newTestSource()
		errMock := errors.New("mock")
		s.err = errMock
		close(s.terminated)

		_, err := s.ReadPacket(context.Background())
		require.ErrorIs(t, err, errMock)
	})
	t.Run("canceled", func(t *testing.T) {
		s := newTestSource()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.ReadPacket(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
	t.Run("closeUnblocksPush", func(t *testing.T) {
		s := newTestSource()
		for i := 0; i < packetBufferSize; i++ {
			s.push(&video.Packet{})
		}

		done := make(chan struct{})
		go func() {
			s.push(&video.Packet{})
			close(done)
		}()
		s.Close()
		s.Close()
		<-done
	})
}
