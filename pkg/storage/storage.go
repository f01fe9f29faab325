// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port       int    `yaml:"port"`
	StorageDir string `yaml:"storageDir"`
	HomeDir    string `yaml:"homeDir"`

	// Optional MQTT broker for segment events, "tcp://host:1883".
	MQTTBroker string `yaml:"mqttBroker"`
	MQTTTopic  string `yaml:"mqttTopic"`

	ConfigDir string `yaml:"-"`
}

// ErrPathNotAbsolute path is not absolute.
var ErrPathNotAbsolute = errors.New("path is not absolute")

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 2020
	}
	if env.HomeDir == "" {
		env.HomeDir = filepath.Dir(env.ConfigDir)
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.HomeDir, "storage")
	}
	if env.MQTTTopic == "" {
		env.MQTTTopic = "nvr"
	}

	if !filepath.IsAbs(env.HomeDir) {
		return nil, fmt.Errorf("homeDir '%v': %w", env.HomeDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	return &env, nil
}

// RecordingsDir return recordings directory.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// CamerasDir return camera configs directory.
func (env ConfigEnv) CamerasDir() string {
	return filepath.Join(env.ConfigDir, "cameras")
}

// PrepareEnvironment creates the recordings directory.
func (env ConfigEnv) PrepareEnvironment() error {
	err := os.MkdirAll(env.RecordingsDir(), 0o755)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("create recordings directory: %v: %w", env.StorageDir, err)
	}
	return nil
}

// Manager storage manager.
type Manager struct {
	recordingsDir string
	disk          *disk
}

// NewManager returns new manager.
func NewManager(env ConfigEnv) *Manager {
	dir := env.RecordingsDir()
	return &Manager{
		recordingsDir: dir,
		disk:          newDisk(os.DirFS(dir)),
	}
}

// RecordingsDir Returns path to recordings directory.
func (s *Manager) RecordingsDir() string {
	return s.recordingsDir
}

// DiskUsage returns cached value if within maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) DiskUsage {
	return s.disk.usage(maxAge)
}

// Only used to calculate and cache disk usage.
type disk struct {
	fs             fs.FS
	diskUsageBytes func(fs.FS) int64

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDisk(fileSystem fs.FS) *disk {
	return &disk{
		fs:             fileSystem,
		diskUsageBytes: diskUsageBytes,
	}
}

func (d *disk) usage(maxAge time.Duration) DiskUsage {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache
	}
	d.cacheLock.Unlock()

	used := d.diskUsageBytes(d.fs)
	updated := DiskUsage{
		Used:      used,
		Formatted: formatDiskUsage(float64(used)),
	}

	d.cacheLock.Lock()
	d.cache = updated
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()

	return updated
}

// DiskUsage of the recordings directory.
type DiskUsage struct {
	Used      int64  `json:"used"`
	Formatted string `json:"formatted"`
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

func diskUsageBytes(fileSystem fs.FS) int64 {
	var used int64
	fs.WalkDir(fileSystem, ".", func(_ string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		used += info.Size()
		return nil
	})
	return used
}
