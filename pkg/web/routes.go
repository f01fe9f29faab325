// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/monitor"
	"github.com/andrew-shulgin/nvr/pkg/storage"
	"github.com/andrew-shulgin/nvr/pkg/web/auth"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", jsonContentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Users returns a obfuscated user list.
func Users(a auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, a.UsersList())
	})
}

// UserSet handler to set user details.
func UserSet(a auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var req auth.SetUserRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		for _, r := range req.Username {
			if unicode.IsUpper(r) {
				http.Error(
					w,
					fmt.Sprintf("username cannot contain uppercase letters: %q", string(r)),
					http.StatusBadRequest,
				)
				return
			}
		}

		if err := a.UserSet(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	})
}

// UserDelete handler to delete user.
func UserDelete(a auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id missing", http.StatusBadRequest)
			return
		}

		if err := a.UserDelete(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// CameraList returns the camera list without URLs.
func CameraList(cameraInfo func() []monitor.MonitorInfo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, cameraInfo())
	})
}

// CameraConfigs returns camera configurations in json format.
func CameraConfigs(m *monitor.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, m.MonitorConfigs())
	})
}

// CameraRestart handler to restart the monitor of a camera.
func CameraRestart(m *monitor.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id missing", http.StatusBadRequest)
			return
		}

		err := m.RestartMonitor(id)
		if errors.Is(err, monitor.ErrMonitorNotExist) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("could not restart camera: %v", err),
				http.StatusInternalServerError)
		}
	})
}

// CameraSet handler to set camera configuration.
func CameraSet(m *monitor.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var c monitor.Config
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := c.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := m.MonitorSet(c.ID(), c); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// CameraDelete handler to delete camera.
func CameraDelete(m *monitor.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id missing", http.StatusBadRequest)
			return
		}

		err := m.MonitorDelete(id)
		if errors.Is(err, monitor.ErrMonitorNotExist) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

const recordingVideoPrefix = "/api/recording/video/"

// RecordingVideo serves segment files by their path relative to the recordings directory.
func RecordingVideo(recordingsDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		recPath := strings.TrimPrefix(r.URL.Path, recordingVideoPrefix)
		if recPath == "" || containsDotDot(recPath) || !strings.HasSuffix(recPath, ".mp4") {
			http.Error(w, "invalid recording path", http.StatusBadRequest)
			return
		}

		path := filepath.Join(recordingsDir, filepath.FromSlash(recPath))
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) || (err == nil && info.IsDir()) {
			http.Error(w, "recording does not exist", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "stat recording", http.StatusInternalServerError)
			return
		}

		http.ServeFile(w, r, path)
	})
}

func containsDotDot(v string) bool {
	if !strings.Contains(v, "..") {
		return false
	}
	for _, ent := range strings.FieldsFunc(v, isSlashRune) {
		if ent == ".." {
			return true
		}
	}
	return false
}

func isSlashRune(r rune) bool { return r == '/' || r == '\\' }

// RecordingQuery lists segments newest first.
func RecordingQuery(crawler *storage.Crawler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		var limit int
		if s := query.Get("limit"); s != "" {
			var err error
			limit, err = strconv.Atoi(s)
			if err != nil || limit < 0 {
				http.Error(w, fmt.Sprintf("invalid limit: %q", s), http.StatusBadRequest)
				return
			}
		}

		q := storage.CrawlerQuery{
			Camera: query.Get("camera"),
			Before: query.Get("before"),
			Limit:  limit,
		}

		recordings, err := crawler.Recordings(q)
		if err != nil {
			logger.Error().Src("app").Msgf("crawler: could not process recording query: %v", err)
			http.Error(w, "could not process recording query", http.StatusInternalServerError)
			return
		}
		if recordings == nil {
			recordings = []storage.Recording{}
		}

		writeJSON(w, recordings)
	})
}

// parseLogQuery reads the level, source and camera filters.
func parseLogQuery(query url.Values) (log.Query, error) {
	var levels []log.Level
	for _, s := range parseCSVParam(query, "levels") {
		level, err := strconv.Atoi(s)
		if err != nil {
			return log.Query{}, fmt.Errorf("invalid levels list: %w", err)
		}
		levels = append(levels, log.Level(level))
	}
	return log.Query{
		Levels:  levels,
		Sources: parseCSVParam(query, "sources"),
		Cameras: parseCSVParam(query, "cameras"),
	}, nil
}

func parseCSVParam(query url.Values, key string) []string {
	csv := query.Get(key)
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

// LogFeed streams new log entries over a websocket.
func LogFeed(logger *log.Logger, a auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		q, err := parseLogQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied.
			return
		}
		defer c.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Control frames are only processed while reading.
		go func() {
			defer cancel()
			for {
				if _, _, err := c.NextReader(); err != nil {
					return
				}
			}
		}()

		feed, cancelFeed := logger.Subscribe()
		defer cancelFeed()

		for {
			var entry log.Log
			select {
			case e, ok := <-feed:
				if !ok {
					return
				}
				entry = e
			case <-ctx.Done():
				return
			}

			if !q.Match(entry) {
				continue
			}

			// Validate auth before each message.
			res := a.ValidateRequest(r)
			if !res.IsValid || !res.User.IsAdmin {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQuery queries the log database.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		q, err := parseLogQuery(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if s := query.Get("limit"); s != "" {
			q.Limit, err = strconv.Atoi(s)
			if err != nil || q.Limit < 0 {
				http.Error(w, fmt.Sprintf("invalid limit: %q", s), http.StatusBadRequest)
				return
			}
		}

		if s := query.Get("time"); s != "" {
			t, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid time: %q", s), http.StatusBadRequest)
				return
			}
			q.Time = log.UnixMicro(t)
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if logs == nil {
			logs = []log.Log{}
		}

		writeJSON(w, logs)
	})
}

// LogSources returns a list of log sources.
func LogSources(l *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, l.Sources())
	})
}
