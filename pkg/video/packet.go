// SPDX-License-Identifier: GPL-2.0-or-later

package video

import (
	"math"
	"math/bits"
)

// NoTimestamp marks an unknown decode or presentation timestamp.
const NoTimestamp int64 = math.MinInt64

// MediaType type of track.
type MediaType int

// Media types.
const (
	MediaTypeVideo MediaType = iota
	MediaTypeAudio
	MediaTypeOther
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeVideo:
		return "video"
	case MediaTypeAudio:
		return "audio"
	}
	return "other"
}

// Codec names.
const (
	CodecH264 = "H264"
)

// Track describes one elementary stream of a source or sink.
type Track struct {
	Index     int
	Type      MediaType
	Codec     string
	TimeScale uint32 // Ticks per second.

	// H264 parameters.
	SPS []byte
	PPS []byte
}

// IsVideo returns true if the track is a video track.
func (t Track) IsVideo() bool {
	return t.Type == MediaTypeVideo
}

// WithTimeScale returns a copy of the track using another time base.
func (t Track) WithTimeScale(timeScale uint32) Track {
	t.TimeScale = timeScale
	return t
}

// Packet is a single encoded access unit.
type Packet struct {
	Track      int
	DTS        int64 // NoTimestamp if unknown.
	PTS        int64 // NoTimestamp if unknown.
	IsKeyFrame bool
	Duration   int64

	// H264 access units are stored in AVCC format.
	Payload []byte
}

// HasTimestamps returns true if both timestamps are known.
func (p *Packet) HasTimestamps() bool {
	return p.DTS != NoTimestamp && p.PTS != NoTimestamp
}

// Rescale converts a timestamp from one time base to another,
// rounding half away from zero. NoTimestamp is passed through.
func Rescale(ts int64, from uint32, to uint32) int64 {
	if ts == NoTimestamp || from == to {
		return ts
	}
	if from == 0 {
		return NoTimestamp
	}

	neg := ts < 0
	abs := uint64(ts)
	if neg {
		abs = uint64(-ts)
	}

	hi, lo := bits.Mul64(abs, uint64(to))
	lo, carry := bits.Add64(lo, uint64(from)/2, 0)
	hi += carry
	if hi >= uint64(from) {
		// Overflow.
		if neg {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(from))
	if q > math.MaxInt64 {
		q = math.MaxInt64
	}

	if neg {
		return -int64(q)
	}
	return int64(q)
}
