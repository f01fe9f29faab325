// SPDX-License-Identifier: GPL-2.0-or-later

package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/storage"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

var errStub = errors.New("stub")

func stubCPU(context.Context, time.Duration, bool) ([]float64, error) {
	return []float64{11}, nil
}

func stubRAM(context.Context) (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{UsedPercent: 22.0}, nil
}

func stubDisk(_ context.Context, path string) (*disk.UsageStat, error) {
	return &disk.UsageStat{Path: path, UsedPercent: 33.3}, nil
}

func stubRecordings(time.Duration) storage.DiskUsage {
	return storage.DiskUsage{Used: 44, Formatted: "0MB"}
}

func stubCPUErr(context.Context, time.Duration, bool) ([]float64, error) {
	return nil, errStub
}

func stubRAMErr(context.Context) (*mem.VirtualMemoryStat, error) {
	return nil, errStub
}

func stubDiskErr(context.Context, string) (*disk.UsageStat, error) {
	return nil, errStub
}

func newTestSystem() *system {
	return &system{
		cpu:        stubCPU,
		ram:        stubRAM,
		disk:       stubDisk,
		recordings: stubRecordings,
		storageDir: "/storage",
		interval:   10 * time.Millisecond,
		logf:       func(log.Level, string, ...interface{}) {},
	}
}

func TestUpdate(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := newTestSystem()
		require.NoError(t, s.update(context.Background()))

		expected := status{
			CPUUsage:            11,
			RAMUsage:            22,
			DiskUsage:           33,
			RecordingsUsed:      44,
			RecordingsFormatted: "0MB",
		}
		require.Equal(t, expected, s.getStatus())
	})
	t.Run("diskPath", func(t *testing.T) {
		s := newTestSystem()
		var path string
		s.disk = func(_ context.Context, p string) (*disk.UsageStat, error) {
			path = p
			return &disk.UsageStat{}, nil
		}
		require.NoError(t, s.update(context.Background()))
		require.Equal(t, "/storage", path)
	})

	errCases := map[string]func(*system){
		"cpuErr":   func(s *system) { s.cpu = stubCPUErr },
		"ramErr":   func(s *system) { s.ram = stubRAMErr },
		"diskErr":  func(s *system) { s.disk = stubDiskErr },
		"cpuEmpty": func(s *system) { s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) { return nil, nil } },
	}
	for name, modify := range errCases {
		t.Run(name, func(t *testing.T) {
			s := newTestSystem()
			modify(s)
			require.Error(t, s.update(context.Background()))
			require.Equal(t, status{}, s.getStatus())
		})
	}
}

func TestStatusLoop(t *testing.T) {
	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		newTestSystem().StatusLoop(ctx)
	})
	t.Run("logsErrors", func(t *testing.T) {
		logs := make(chan string, 10)
		s := newTestSystem()
		s.ram = stubRAMErr
		s.logf = func(_ log.Level, format string, a ...interface{}) {
			select {
			case logs <- fmt.Sprintf(format, a...):
			default:
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.StatusLoop(ctx)
			close(done)
		}()

		require.Equal(t, "could not update system status: ram usage: stub", <-logs)
		cancel()
		<-done
	})
}

func TestHandleStatus(t *testing.T) {
	s := newTestSystem()
	require.NoError(t, s.update(context.Background()))

	rec := httptest.NewRecorder()
	handleStatus(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{
		"cpuUsage": 11,
		"ramUsage": 22,
		"diskUsage": 33,
		"recordingsUsed": 44,
		"recordingsFormatted": "0MB"
	}`, rec.Body.String())

	rec = httptest.NewRecorder()
	handleStatus(s).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/system/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
