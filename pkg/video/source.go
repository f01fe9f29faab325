// SPDX-License-Identifier: GPL-2.0-or-later

package video

import (
	"context"
	"time"
)

// Source is a connected network stream.
//
// ReadPacket returns io.EOF when the stream has ended. It may block
// until data is available, the context is canceled or the read
// timeout of the source expires.
type Source interface {
	Probe(context.Context) ([]Track, error)
	ReadPacket(context.Context) (*Packet, error)
	Close()
}

// Sink is an open container file, the header
// is written when the sink is created.
type Sink interface {
	WritePacket(*Packet) error

	// Close writes the trailer and releases the file.
	Close() error
}

// OpenSourceFunc connects to a stream.
type OpenSourceFunc func(ctx context.Context, uri string, opts SourceOptions) (Source, error)

// OpenSinkFunc creates a container file and writes its header.
type OpenSinkFunc func(path string, track Track) (Sink, error)

// Transports.
const (
	TransportTCP          = "tcp"
	TransportUDP          = "udp"
	TransportUDPMulticast = "udp-multicast"
)

// DefaultAllowedSchemes schemes accepted by default.
var DefaultAllowedSchemes = []string{"rtsp", "rtsps"}

// SourceOptions options used when opening a source.
type SourceOptions struct {
	Transport      string
	AllowedSchemes []string

	// Camera name used in log messages.
	Camera string

	// Maximum time without data before the read fails.
	ReadTimeout time.Duration
}

// SchemeAllowed returns true if the scheme is in the allow-list.
func (o SourceOptions) SchemeAllowed(scheme string) bool {
	schemes := o.AllowedSchemes
	if len(schemes) == 0 {
		schemes = DefaultAllowedSchemes
	}
	for _, s := range schemes {
		if s == scheme {
			return true
		}
	}
	return false
}
