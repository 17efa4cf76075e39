package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML representation consumed by cmd/sersync, mirrored
// closely onto Config/RemoteConfig so the mapping stays mechanical. Grounded
// on the teacher's convention of keeping wire/file schemas as plain tagged
// structs decoded by a single library call (there, protobuf; here,
// gopkg.in/yaml.v3, named in the domain-stack table for this module's CLI
// configuration surface).
type File struct {
	WatchedRoot string       `yaml:"watched_root"`
	Remotes     []FileRemote `yaml:"remotes"`

	RsyncFlags       []string `yaml:"rsync_flags"`
	AuthPasswordFile string   `yaml:"auth_password_file"`
	TransferTimeout  int      `yaml:"transfer_timeout_secs"`
	DisabledEvents   []string `yaml:"disabled_events"`

	Filter struct {
		Enabled  bool     `yaml:"enabled"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"filter"`

	CoalesceWindowSecs int `yaml:"coalesce_window_secs"`
	QueueCapacity      int `yaml:"queue_capacity"`
	WorkerCount        int `yaml:"worker_count"`

	Scheduler struct {
		Enabled         bool     `yaml:"enabled"`
		IntervalMinutes int      `yaml:"interval_minutes"`
		Excludes        []string `yaml:"excludes"`
	} `yaml:"scheduler"`

	Ledger struct {
		Path             string `yaml:"path"`
		TickIntervalSecs int    `yaml:"tick_interval_secs"`
	} `yaml:"ledger"`

	Bidirectional struct {
		Enabled         bool   `yaml:"enabled"`
		MetadataBaseDir string `yaml:"metadata_base_dir"`
		MaxBackupCount  int    `yaml:"max_backup_count"`
		TimeTolerance   int    `yaml:"time_tolerance_secs"`
	} `yaml:"bidirectional"`
}

// FileRemote is one entry of File.Remotes.
type FileRemote struct {
	Name           string `yaml:"name"`
	Addr           string `yaml:"addr"`
	Module         string `yaml:"module"`
	SSH            bool   `yaml:"ssh"`
	Mode           string `yaml:"mode"`
	ConflictPolicy string `yaml:"conflict_policy"`
	SyncInterval   int    `yaml:"sync_interval_minutes"`
	Port           int    `yaml:"port"`
	Enabled        bool   `yaml:"enabled"`
}

// LoadFile reads and parses a YAML configuration file from path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing configuration file: %w", err)
	}
	return &f, nil
}

// ToConfig converts the parsed file into a Config, applying defaults for
// zero-valued fields where spec.md names one. It does not call Validate;
// callers must do so.
func (f *File) ToConfig() (*Config, error) {
	cfg := &Config{
		WatchedRoot:        f.WatchedRoot,
		RsyncFlags:         f.RsyncFlags,
		AuthPasswordFile:   f.AuthPasswordFile,
		TransferTimeout:    f.TransferTimeout,
		EventMaskDisabled:  f.DisabledEvents,
		CoalesceWindowSecs: f.CoalesceWindowSecs,
		QueueCapacity:      f.QueueCapacity,
		WorkerCount:        f.WorkerCount,
	}
	cfg.Filter.Enabled = f.Filter.Enabled
	cfg.Filter.Patterns = f.Filter.Patterns

	cfg.Scheduler.Enabled = f.Scheduler.Enabled
	cfg.Scheduler.IntervalMinutes = f.Scheduler.IntervalMinutes
	cfg.Scheduler.Excludes = f.Scheduler.Excludes

	cfg.Ledger.Path = f.Ledger.Path
	cfg.Ledger.TickIntervalSecs = f.Ledger.TickIntervalSecs

	cfg.Bidirectional.Enabled = f.Bidirectional.Enabled
	cfg.Bidirectional.MetadataBaseDir = f.Bidirectional.MetadataBaseDir
	cfg.Bidirectional.MaxBackupCount = f.Bidirectional.MaxBackupCount
	cfg.Bidirectional.TimeTolerance = f.Bidirectional.TimeTolerance

	if len(cfg.RsyncFlags) == 0 {
		cfg.RsyncFlags = []string{"-artuz"}
	}

	for _, r := range f.Remotes {
		mode := RemoteMode(r.Mode)
		if mode == "" {
			mode = ModeOneway
		}
		policy := ConflictPolicy(r.ConflictPolicy)
		if policy == "" {
			policy = PolicyKeepNewer
		}
		cfg.Remotes = append(cfg.Remotes, RemoteConfig{
			Name:           r.Name,
			Addr:           r.Addr,
			Module:         r.Module,
			SSH:            r.SSH,
			Mode:           mode,
			ConflictPolicy: policy,
			SyncInterval:   r.SyncInterval,
			Port:           r.Port,
			Enabled:        r.Enabled,
		})
	}

	return cfg, nil
}
