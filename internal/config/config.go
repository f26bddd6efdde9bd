package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "FLASHD_"

var ErrInvalid = errors.New("config: invalid")

// Medium is one installer source tried in order at startup.
type Medium struct {
	Device string `toml:"device"`
	FSType string `toml:"fs_type"`
}

// Config is the resolved daemon configuration. Values start at Default,
// then the TOML file overlays the keys it defines, then FLASHD_* env vars.
type Config struct {
	ScratchMB   int    `env:"SCRATCH_MB"`
	StagingPath string `env:"STAGING_PATH"`
	ChunkSize   int    `env:"CHUNK_SIZE"`

	DevicePath    string        `env:"DEVICE_PATH"`
	TCPPort       int           `env:"TCP_PORT"`
	TCPBacklog    int           `env:"TCP_BACKLOG"`
	RetryInitial  time.Duration `env:"RETRY_INITIAL"`
	RetryMax      time.Duration `env:"RETRY_MAX"`
	PropertiesDir string        `env:"PROPERTIES_DIR"`

	FstabPath       string `env:"FSTAB"`
	BaseDevice      string `env:"BASE_DEVICE"`
	AutoPartition   bool   `env:"AUTO_PARTITION"`
	MountPartitions bool   `env:"MOUNT_PARTITIONS"`

	Product    string            `env:"PRODUCT"`
	Variables  map[string]string `env:"VARIABLES"`
	Decompress map[string]string `env:"DECOMPRESS"`

	OTAPackage      string `env:"OTA_PACKAGE"`
	RecoveryCommand string `env:"RECOVERY_COMMAND"`

	InstallerMountPoint string `env:"INSTALLER_MOUNT"`
	InstallerMedia      []Medium

	MetricsAddr  string   `env:"METRICS_ADDR"`
	MetricsToken string   `env:"METRICS_TOKEN"`
	CorsOrigins  []string `env:"CORS_ORIGINS" envSeparator:","`
}

func Default() Config {
	return Config{
		ScratchMB:           16,
		StagingPath:         "/cache/fastboot.download",
		ChunkSize:           256 << 10,
		DevicePath:          "/dev/android_adb",
		TCPPort:             1234,
		TCPBacklog:          5,
		RetryInitial:        250 * time.Millisecond,
		RetryMax:            5 * time.Second,
		PropertiesDir:       "/run/flashd/properties",
		FstabPath:           "/etc/recovery.fstab",
		BaseDevice:          "/dev/mmcblk0",
		MountPartitions:     true,
		Product:             "flashd",
		Variables:           map[string]string{},
		Decompress:          map[string]string{"system": "gzip"},
		OTAPackage:          "/cache/update.zip",
		RecoveryCommand:     "/cache/recovery/command",
		InstallerMountPoint: "/installer",
	}
}

type fileConfig struct {
	ScratchMB       int               `toml:"scratch_mb"`
	StagingPath     string            `toml:"staging_path"`
	ChunkSize       int               `toml:"chunk_size"`
	DevicePath      string            `toml:"device_path"`
	TCPPort         int               `toml:"tcp_port"`
	TCPBacklog      int               `toml:"tcp_backlog"`
	RetryInitial    string            `toml:"retry_initial"`
	RetryMax        string            `toml:"retry_max"`
	PropertiesDir   string            `toml:"properties_dir"`
	FstabPath       string            `toml:"fstab"`
	BaseDevice      string            `toml:"base_device"`
	AutoPartition   bool              `toml:"auto_partition"`
	MountPartitions bool              `toml:"mount_partitions"`
	Product         string            `toml:"product"`
	Variables       map[string]string `toml:"variables"`
	Decompress      map[string]string `toml:"decompress"`
	OTAPackage      string            `toml:"ota_package"`
	RecoveryCommand string            `toml:"recovery_command"`
	Installer       struct {
		MountPoint string   `toml:"mount_point"`
		Media      []Medium `toml:"media"`
	} `toml:"installer"`
	Metrics struct {
		Addr        string   `toml:"addr"`
		Token       string   `toml:"token"`
		CorsOrigins []string `toml:"cors_origins"`
	} `toml:"metrics"`
}

// Load resolves the configuration. An empty path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("scratch_mb") {
		cfg.ScratchMB = raw.ScratchMB
	}
	if meta.IsDefined("staging_path") {
		cfg.StagingPath = strings.TrimSpace(raw.StagingPath)
	}
	if meta.IsDefined("chunk_size") {
		cfg.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("device_path") {
		cfg.DevicePath = strings.TrimSpace(raw.DevicePath)
	}
	if meta.IsDefined("tcp_port") {
		cfg.TCPPort = raw.TCPPort
	}
	if meta.IsDefined("tcp_backlog") {
		cfg.TCPBacklog = raw.TCPBacklog
	}
	if meta.IsDefined("retry_initial") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryInitial))
		if err != nil {
			return fmt.Errorf("parse retry_initial: %w", err)
		}
		cfg.RetryInitial = d
	}
	if meta.IsDefined("retry_max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryMax))
		if err != nil {
			return fmt.Errorf("parse retry_max: %w", err)
		}
		cfg.RetryMax = d
	}
	if meta.IsDefined("properties_dir") {
		cfg.PropertiesDir = strings.TrimSpace(raw.PropertiesDir)
	}
	if meta.IsDefined("fstab") {
		cfg.FstabPath = strings.TrimSpace(raw.FstabPath)
	}
	if meta.IsDefined("base_device") {
		cfg.BaseDevice = strings.TrimSpace(raw.BaseDevice)
	}
	if meta.IsDefined("auto_partition") {
		cfg.AutoPartition = raw.AutoPartition
	}
	if meta.IsDefined("mount_partitions") {
		cfg.MountPartitions = raw.MountPartitions
	}
	if meta.IsDefined("product") {
		cfg.Product = strings.TrimSpace(raw.Product)
	}
	if meta.IsDefined("variables") {
		cfg.Variables = raw.Variables
	}
	// Decompress entries merge so a file can add targets without
	// restating the system default.
	if meta.IsDefined("decompress") {
		for target, codec := range raw.Decompress {
			cfg.Decompress[target] = codec
		}
	}
	if meta.IsDefined("ota_package") {
		cfg.OTAPackage = strings.TrimSpace(raw.OTAPackage)
	}
	if meta.IsDefined("recovery_command") {
		cfg.RecoveryCommand = strings.TrimSpace(raw.RecoveryCommand)
	}
	if meta.IsDefined("installer", "mount_point") {
		cfg.InstallerMountPoint = strings.TrimSpace(raw.Installer.MountPoint)
	}
	if meta.IsDefined("installer", "media") {
		cfg.InstallerMedia = raw.Installer.Media
	}
	if meta.IsDefined("metrics", "addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}
	if meta.IsDefined("metrics", "token") {
		cfg.MetricsToken = strings.TrimSpace(raw.Metrics.Token)
	}
	if meta.IsDefined("metrics", "cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.Metrics.CorsOrigins)
	}
	return nil
}

// ApplyEnv overlays FLASHD_* variables that are set; unset variables leave
// the current values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("%w: env: %v", ErrInvalid, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ScratchMB <= 0 {
		return fmt.Errorf("%w: scratch_mb must be positive", ErrInvalid)
	}
	if !filepath.IsAbs(c.StagingPath) {
		return fmt.Errorf("%w: staging_path must be absolute", ErrInvalid)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalid)
	}
	if c.DevicePath == "" && c.TCPPort < 0 {
		return fmt.Errorf("%w: no device_path and tcp disabled", ErrInvalid)
	}
	if c.TCPPort > 65535 {
		return fmt.Errorf("%w: tcp_port out of range", ErrInvalid)
	}
	if c.TCPPort >= 0 && c.TCPBacklog <= 0 {
		return fmt.Errorf("%w: tcp_backlog must be positive", ErrInvalid)
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		return fmt.Errorf("%w: retry window %v..%v", ErrInvalid, c.RetryInitial, c.RetryMax)
	}
	if strings.TrimSpace(c.Product) == "" {
		return fmt.Errorf("%w: product is required", ErrInvalid)
	}
	if c.AutoPartition && strings.TrimSpace(c.BaseDevice) == "" {
		return fmt.Errorf("%w: auto_partition requires base_device", ErrInvalid)
	}
	if c.AutoPartition && strings.TrimSpace(c.FstabPath) == "" {
		return fmt.Errorf("%w: auto_partition requires fstab", ErrInvalid)
	}
	if _, err := c.Codecs(); err != nil {
		return err
	}
	for i, m := range c.InstallerMedia {
		if strings.TrimSpace(m.Device) == "" {
			return fmt.Errorf("%w: installer media[%d] missing device", ErrInvalid, i)
		}
	}
	if len(c.InstallerMedia) > 0 && !filepath.IsAbs(c.InstallerMountPoint) {
		return fmt.Errorf("%w: installer mount_point must be absolute", ErrInvalid)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
