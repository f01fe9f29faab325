// SPDX-License-Identifier: GPL-2.0-or-later

package monitor

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/video"
)

// Configs camera configurations by ID.
type Configs map[string]Config

// Config camera configuration.
type Config map[string]string

const (
	defaultSegmentLength = 15 * time.Minute
	defaultTimeout       = 10 * time.Second
)

func (c Config) enabled() bool {
	return c["enable"] == "true"
}

// ID returns the camera ID.
func (c Config) ID() string {
	return c["id"]
}

// Name returns the camera name, segments are stored under it.
func (c Config) Name() string {
	if c["name"] == "" {
		return c.ID()
	}
	return c["name"]
}

// URL returns the stream address.
func (c Config) URL() string {
	return c["url"]
}

// Transport returns the RTSP transport.
func (c Config) Transport() string {
	if c["transport"] == "" {
		return video.TransportTCP
	}
	return c["transport"]
}

// SegmentLength returns the target segment length.
func (c Config) SegmentLength() time.Duration {
	return c.seconds("segmentLength", defaultSegmentLength)
}

// Timeout returns the source inactivity timeout.
func (c Config) Timeout() time.Duration {
	return c.seconds("timeout", defaultTimeout)
}

func (c Config) seconds(key string, def time.Duration) time.Duration {
	v, err := strconv.ParseFloat(c[key], 64)
	if err != nil {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

// Config errors.
var (
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidURL       = errors.New("invalid url")
	ErrInvalidTransport = errors.New("invalid transport")
	ErrInvalidNumber    = errors.New("invalid number")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks fields that are used in paths or passed to the recorder.
func (c Config) Validate() error {
	if !validName.MatchString(c.ID()) {
		return fmt.Errorf("%w: %q", ErrInvalidID, c.ID())
	}
	if !validName.MatchString(c.Name()) {
		return fmt.Errorf("%w: %q", ErrInvalidName, c.Name())
	}

	u, err := url.Parse(c.URL())
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, c.URL())
	}
	if !(video.SourceOptions{}).SchemeAllowed(u.Scheme) {
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}

	switch c.Transport() {
	case video.TransportTCP, video.TransportUDP, video.TransportUDPMulticast:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport())
	}

	for _, key := range []string{"segmentLength", "timeout"} {
		if c[key] == "" {
			continue
		}
		if _, err := strconv.ParseFloat(c[key], 64); err != nil {
			return fmt.Errorf("%w: %v: %q", ErrInvalidNumber, key, c[key])
		}
	}
	return nil
}

// censoredURL returns the URL without credentials.
func (c Config) censoredURL() string {
	u, err := url.Parse(c.URL())
	if err != nil {
		return ""
	}
	if u.User != nil {
		u.User = url.User("xxx")
	}
	return u.String()
}
