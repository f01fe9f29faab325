// SPDX-License-Identifier: GPL-2.0-or-later

package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/andrew-shulgin/nvr"
	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/storage"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

func init() {
	nvr.RegisterLogSource([]string{"status"})
	nvr.RegisterAppRunHook(func(ctx context.Context, app *nvr.App) error {
		sys := newSystem(
			app.Env.StorageDir,
			app.Storage.DiskUsage,
			app.Logger.Func("status", ""),
		)
		go sys.StatusLoop(ctx)

		app.Mux.Handle("/api/system/status", app.Auth.User(handleStatus(sys)))
		return nil
	})
}

type status struct {
	CPUUsage            int    `json:"cpuUsage"`
	RAMUsage            int    `json:"ramUsage"`
	DiskUsage           int    `json:"diskUsage"`
	RecordingsUsed      int64  `json:"recordingsUsed"`
	RecordingsFormatted string `json:"recordingsFormatted"`
}

type (
	cpuFunc        func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc        func(context.Context) (*mem.VirtualMemoryStat, error)
	diskFunc       func(context.Context, string) (*disk.UsageStat, error)
	recordingsFunc func(maxAge time.Duration) storage.DiskUsage
)

type system struct {
	cpu        cpuFunc
	ram        ramFunc
	disk       diskFunc
	recordings recordingsFunc

	storageDir string
	interval   time.Duration

	status status
	mu     sync.Mutex

	logf log.Func
}

func newSystem(storageDir string, recordings recordingsFunc, logf log.Func) *system {
	return &system{
		cpu:        cpu.PercentWithContext,
		ram:        mem.VirtualMemoryWithContext,
		disk:       disk.UsageWithContext,
		recordings: recordings,

		storageDir: storageDir,
		interval:   10 * time.Second,

		logf: logf,
	}
}

// update measures cpu usage over the interval.
func (s *system) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.interval, false)
	if err != nil {
		return fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return fmt.Errorf("cpu usage: no value") //nolint:goerr113
	}
	ramUsage, err := s.ram(ctx)
	if err != nil {
		return fmt.Errorf("ram usage: %w", err)
	}
	diskUsage, err := s.disk(ctx, s.storageDir)
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	// The recordings walk is slow, use a cached value.
	recordings := s.recordings(10 * time.Minute)

	s.mu.Lock()
	s.status = status{
		CPUUsage:            int(cpuUsage[0]),
		RAMUsage:            int(ramUsage.UsedPercent),
		DiskUsage:           int(diskUsage.UsedPercent),
		RecordingsUsed:      recordings.Used,
		RecordingsFormatted: recordings.Formatted,
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *system) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.update(ctx); err != nil && ctx.Err() == nil {
			s.logf(log.LevelError, "could not update system status: %v", err)
			select {
			case <-time.After(s.interval):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *system) getStatus() status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func handleStatus(sys *system) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sys.getStatus()); err != nil {
			http.Error(w, "could not encode json", http.StatusInternalServerError)
		}
	})
}
