// SPDX-License-Identifier: GPL-2.0-or-later

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/recorder"
	"github.com/andrew-shulgin/nvr/pkg/storage"
)

// StartHook is called when monitor start.
type StartHook func(context.Context, *Monitor)

// SegmentHook is called when a segment file is opened or closed.
type SegmentHook func(m *Monitor, path string)

// RecorderExitHook is called every time the recorder returns.
type RecorderExitHook func(*Monitor, recorder.Status, error)

// Hooks monitor hooks.
type Hooks struct {
	Start        StartHook
	SegmentOpen  SegmentHook
	SegmentClose SegmentHook
	RecorderExit RecorderExitHook
}

func (h *Hooks) fillMissing() {
	if h.Start == nil {
		h.Start = func(context.Context, *Monitor) {}
	}
	if h.SegmentOpen == nil {
		h.SegmentOpen = func(*Monitor, string) {}
	}
	if h.SegmentClose == nil {
		h.SegmentClose = func(*Monitor, string) {}
	}
	if h.RecorderExit == nil {
		h.RecorderExit = func(*Monitor, recorder.Status, error) {}
	}
}

// Manager for the monitors.
type Manager struct {
	configs         Configs
	runningMonitors monitors

	env    storage.ConfigEnv
	logger *log.Logger
	path   string
	hooks  Hooks
	mu     sync.Mutex

	record recordFunc
}

// NewManager return new monitor manager.
func NewManager(
	configPath string,
	env storage.ConfigEnv,
	logger *log.Logger,
	hooks *Hooks,
) (*Manager, error) {
	if err := os.MkdirAll(configPath, 0o700); err != nil {
		return nil, fmt.Errorf("create cameras directory: %w", err)
	}

	configFiles, err := readConfigs(os.DirFS(configPath))
	if err != nil {
		return nil, fmt.Errorf("read config files: %w", err)
	}

	configs := make(Configs)
	for _, file := range configFiles {
		var config Config
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w: %v", err, string(file))
		}
		configs[config.ID()] = config
	}

	h := Hooks{}
	if hooks != nil {
		h = *hooks
	}
	h.fillMissing()

	return &Manager{
		configs:         configs,
		runningMonitors: make(monitors),

		env:    env,
		logger: logger,
		path:   configPath,
		hooks:  h,

		record: record,
	}, nil
}

func readConfigs(fileSystem fs.FS) ([][]byte, error) {
	var files [][]byte
	walkFunc := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		file, err := fs.ReadFile(fileSystem, path)
		if err != nil {
			return fmt.Errorf("read file: %v %w", path, err)
		}
		files = append(files, file)
		return nil
	}
	err := fs.WalkDir(fileSystem, ".", walkFunc)
	return files, err
}

func (m *Manager) unsafeStartMonitor(id string) {
	monitor := m.newMonitor(m.configs[id])
	monitor.start()
	m.runningMonitors[id] = monitor
}

func (m *Manager) unsafeStopMonitor(id string) {
	m.runningMonitors[id].stop()
	delete(m.runningMonitors, id)
}

// StartMonitors starts all monitors.
func (m *Manager) StartMonitors() {
	m.mu.Lock()
	for id := range m.configs {
		m.unsafeStartMonitor(id)
	}
	m.mu.Unlock()
}

// StopMonitors stops all monitors and waits for the
// recorders to finalize their segments.
func (m *Manager) StopMonitors() {
	m.mu.Lock()
	var wg sync.WaitGroup
	for _, monitor := range m.runningMonitors {
		wg.Add(1)
		go func(monitor *Monitor) {
			monitor.stop()
			wg.Done()
		}(monitor)
	}
	wg.Wait()
	m.runningMonitors = make(monitors)
	m.mu.Unlock()
}

// ErrMonitorNotExist monitor does not exist.
var ErrMonitorNotExist = errors.New("monitor does not exist")

// RestartMonitor restarts monitor by ID.
func (m *Manager) RestartMonitor(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exist := m.configs[id]; !exist {
		return ErrMonitorNotExist
	}

	if _, exist := m.runningMonitors[id]; exist {
		m.unsafeStopMonitor(id)
	}
	m.unsafeStartMonitor(id)
	return nil
}

// Monitor returns a running monitor by ID.
func (m *Manager) Monitor(id string) (*Monitor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	monitor, exist := m.runningMonitors[id]
	return monitor, exist
}

// MonitorSet sets config for specified monitor.
// Changes are not applied until the monitor restarts.
func (m *Manager) MonitorSet(id string, config Config) error {
	if config.ID() != id {
		return fmt.Errorf("%w: id does not match config", ErrInvalidID)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	configJSON, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal config file: %w", err)
	}
	err = os.WriteFile(m.configPath(id), configJSON, 0o600)
	if err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configs[id] = config
	return nil
}

// MonitorDelete stops and deletes monitor by id.
func (m *Manager) MonitorDelete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exist := m.configs[id]; !exist {
		return ErrMonitorNotExist
	}

	if _, exist := m.runningMonitors[id]; exist {
		m.unsafeStopMonitor(id)
	}
	delete(m.configs, id)

	if err := os.Remove(m.configPath(id)); err != nil {
		return fmt.Errorf("remove config file: %w", err)
	}
	return nil
}

// MonitorInfo public monitor information.
type MonitorInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Enable     bool   `json:"enable"`
	Recording  bool   `json:"recording"`
	CurrentSeg string `json:"currentSegment,omitempty"`
}

// MonitorsInfo returns common information about the monitors.
// This will be accessible by normal users.
func (m *Manager) MonitorsInfo() []MonitorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]MonitorInfo, 0, len(m.configs))
	for id, config := range m.configs {
		info := MonitorInfo{
			ID:     config.ID(),
			Name:   config.Name(),
			Enable: config.enabled(),
		}
		if monitor, running := m.runningMonitors[id]; running {
			info.Recording = monitor.OutputOpen()
			info.CurrentSeg = monitor.CurrentSegment()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// MonitorConfigs returns configurations for all monitors.
func (m *Manager) MonitorConfigs() Configs {
	m.mu.Lock()
	defer m.mu.Unlock()

	configs := make(Configs)
	for id, config := range m.configs {
		c := make(Config, len(config))
		for k, v := range config {
			c[k] = v
		}
		configs[id] = c
	}
	return configs
}

func (m *Manager) configPath(id string) string {
	return filepath.Join(m.path, id+".json")
}

// monitors map.
type monitors map[string]*Monitor

type recordFunc func(context.Context, *Monitor, *recorder.Camera) (recorder.Status, error)

// Monitor keeps a recorder running for a single camera.
type Monitor struct {
	Config Config
	Env    storage.ConfigEnv
	Logger *log.Logger

	hooks  Hooks
	logf   log.Func
	record recordFunc

	minBackoff time.Duration
	maxBackoff time.Duration
	after      func(time.Duration) <-chan time.Time

	mu             sync.Mutex
	camera         *recorder.Camera
	recCancel      context.CancelFunc
	currentSegment string
	segmentOpened  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func (m *Manager) newMonitor(config Config) *Monitor {
	return &Monitor{
		Config: config,
		Env:    m.env,
		Logger: m.logger,

		hooks:  m.hooks,
		logf:   m.logger.Func("monitor", config.Name()),
		record: m.record,

		minBackoff: 1 * time.Second,
		maxBackoff: 30 * time.Second,
		after:      time.After,
	}
}

func (m *Monitor) start() {
	if !m.Config.enabled() {
		m.logf(log.LevelInfo, "disabled")
		return
	}

	// Config files may be edited by hand.
	if err := m.Config.Validate(); err != nil {
		m.logf(log.LevelError, "invalid config, not starting: %v", err)
		return
	}

	m.logf(log.LevelInfo, "starting: %v", m.Config.censoredURL())

	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())

	m.hooks.Start(ctx, m)

	m.wg.Add(1)
	go m.run(ctx)
}

// run restarts the recorder until the context is canceled.
// Failures are retried with exponential backoff which is
// reset once a segment has been opened.
func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	backoff := m.minBackoff
	for {
		cam := recorder.NewCamera(m.Config.Name(), m.Config.URL())
		recCtx, recCancel := context.WithCancel(ctx)

		m.mu.Lock()
		m.camera = cam
		m.recCancel = recCancel
		m.segmentOpened = false
		m.mu.Unlock()

		status, err := m.record(recCtx, m, cam)
		recCancel()
		m.hooks.RecorderExit(m, status, err)

		if ctx.Err() != nil {
			m.logf(log.LevelInfo, "stopped")
			return
		}

		m.mu.Lock()
		if m.segmentOpened {
			backoff = m.minBackoff
		}
		m.mu.Unlock()

		if status == recorder.StatusStopped {
			m.logf(log.LevelInfo, "restarting recorder")
			continue
		}

		m.logf(log.LevelWarning, "recorder: %v, reconnecting in %v", err, backoff)
		select {
		case <-ctx.Done():
			m.logf(log.LevelInfo, "stopped")
			return
		case <-m.after(backoff):
		}

		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

func record(ctx context.Context, m *Monitor, cam *recorder.Camera) (recorder.Status, error) {
	settings := recorder.Settings{
		OutputRoot:    m.Env.RecordingsDir(),
		SegmentLength: m.Config.SegmentLength(),
		Transport:     m.Config.Transport(),
		ReadTimeout:   m.Config.Timeout(),
	}
	r := recorder.NewRecorder(cam, settings, m.Logger)
	r.OnSegmentOpen = m.onSegmentOpen
	r.OnSegmentClose = m.onSegmentClose
	return r.Record(ctx)
}

func (m *Monitor) onSegmentOpen(path string) {
	m.mu.Lock()
	m.currentSegment = path
	m.segmentOpened = true
	m.mu.Unlock()
	m.hooks.SegmentOpen(m, path)
}

func (m *Monitor) onSegmentClose(path string) {
	m.mu.Lock()
	m.currentSegment = ""
	m.mu.Unlock()
	m.hooks.SegmentClose(m, path)
}

// CurrentSegment returns the path of the open segment or
// an empty string if no segment is open.
func (m *Monitor) CurrentSegment() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSegment
}

// OutputOpen returns true while the recorder has a segment open.
func (m *Monitor) OutputOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera != nil && m.camera.OutputOpen()
}

// RestartRecorder closes the current connection, the
// recorder is started again without delay.
func (m *Monitor) RestartRecorder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera == nil {
		return
	}
	m.logf(log.LevelWarning, "recorder restart requested")
	m.camera.Stop()
	m.recCancel()
}

// stop monitor and wait for the recorder to return.
func (m *Monitor) stop() {
	if m.cancel == nil {
		return
	}
	m.mu.Lock()
	if m.camera != nil {
		m.camera.Stop()
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
