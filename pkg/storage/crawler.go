// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Recordings are stored in the following format
//
// <YYYYMMDD>
// ├── Camera1
// └── Camera2
//     ├── <HHMMSS>.mp4
//     └── <HHMMSS>.mp4
//
// The job of the crawler is to on-request
// find and return segment paths.

// Crawler crawls through storage looking for recordings.
type Crawler struct {
	fs  fs.FS
	ext string
}

// NewCrawler creates new crawler for the recordings directory.
func NewCrawler(fileSystem fs.FS) *Crawler {
	return &Crawler{
		fs:  fileSystem,
		ext: ".mp4",
	}
}

// Recording is a single segment file.
type Recording struct {
	// YYYYMMDD_HHMMSS_camera
	ID     string    `json:"id"`
	Camera string    `json:"camera"`
	Time   time.Time `json:"time"`

	// Relative to the recordings directory.
	Path string `json:"path"`
}

// CrawlerQuery filters recordings.
type CrawlerQuery struct {
	// Empty for all cameras.
	Camera string

	// Only return recordings with an ID before this one.
	Before string

	Limit int
}

const defaultLimit = 50

// Recordings returns recordings newest first.
func (c *Crawler) Recordings(q CrawlerQuery) ([]Recording, error) {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}

	days, err := fs.ReadDir(c.fs, ".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read recordings directory: %w", err)
	}

	var recordings []Recording
	for i := len(days) - 1; i >= 0; i-- {
		day := days[i]
		if !day.IsDir() || !isDigits(day.Name(), 8) {
			continue
		}
		if q.Before != "" && day.Name() > q.Before {
			continue
		}

		dayRecs, err := c.dayRecordings(day.Name(), q.Camera)
		if err != nil {
			return nil, err
		}
		for _, rec := range dayRecs {
			if q.Before != "" && rec.ID >= q.Before {
				continue
			}
			recordings = append(recordings, rec)
			if len(recordings) == q.Limit {
				return recordings, nil
			}
		}
	}
	return recordings, nil
}

// dayRecordings returns all recordings from a single day, newest first.
func (c *Crawler) dayRecordings(day string, camera string) ([]Recording, error) {
	cameras, err := fs.ReadDir(c.fs, day)
	if err != nil {
		return nil, fmt.Errorf("read day directory: %w", err)
	}

	var recordings []Recording
	for _, cam := range cameras {
		if !cam.IsDir() || (camera != "" && cam.Name() != camera) {
			continue
		}
		camDir := path.Join(day, cam.Name())
		files, err := fs.ReadDir(c.fs, camDir)
		if err != nil {
			return nil, fmt.Errorf("read camera directory: %w", err)
		}

		for _, file := range files {
			name := file.Name()
			if file.IsDir() || !strings.HasSuffix(name, c.ext) {
				continue
			}
			clock := strings.TrimSuffix(name, c.ext)
			if !isDigits(clock, 6) {
				continue
			}
			t, err := time.ParseInLocation("20060102150405", day+clock, time.Local)
			if err != nil {
				continue
			}
			recordings = append(recordings, Recording{
				ID:     day + "_" + clock + "_" + cam.Name(),
				Camera: cam.Name(),
				Time:   t,
				Path:   path.Join(camDir, name),
			})
		}
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ID > recordings[j].ID
	})
	return recordings, nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
