package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/llmariner/model-registry/pkg/modelkind"
	"gopkg.in/yaml.v3"
)

const (
	defaultModelsDir  = "models"
	defaultConfigFile = "configs/models.yaml"
	cacheDirName      = ".cache"
)

// AutoimportConfig lists the directories scanned for loose artifacts, one per model type.
// An empty value disables autoimport for that type.
type AutoimportConfig struct {
	Main       string `yaml:"main"`
	Lora       string `yaml:"lora"`
	Embedding  string `yaml:"embedding"`
	ControlNet string `yaml:"controlnet"`
}

// Dirs returns the configured directories keyed by model type.
func (c *AutoimportConfig) Dirs() map[modelkind.Type]string {
	m := map[modelkind.Type]string{}
	for t, d := range map[modelkind.Type]string{
		modelkind.Main:             c.Main,
		modelkind.Lora:             c.Lora,
		modelkind.TextualInversion: c.Embedding,
		modelkind.ControlNet:       c.ControlNet,
	} {
		if d != "" {
			m[t] = d
		}
	}
	return m
}

// ObjectCacheConfig is the configuration of the in-memory object cache.
type ObjectCacheConfig struct {
	// MaxSizeGB is the budget of unreferenced loaded artifacts.
	MaxSizeGB float64 `yaml:"maxSizeGB"`
	// Precision and Device are passed through to the loader.
	Precision string `yaml:"precision"`
	Device    string `yaml:"device"`
}

// MaxSizeBytes returns the budget in bytes.
func (c *ObjectCacheConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeGB * (1 << 30))
}

func (c *ObjectCacheConfig) validate() error {
	if c.MaxSizeGB <= 0 {
		return fmt.Errorf("maxSizeGB must be greater than 0")
	}
	switch c.Precision {
	case "float16", "float32", "bfloat16":
	default:
		return fmt.Errorf("unsupported precision: %q", c.Precision)
	}
	if c.Device == "" {
		return fmt.Errorf("device must be set")
	}
	return nil
}

// HashConfig is the configuration of content hashing for handles.
type HashConfig struct {
	Enable bool `yaml:"enable"`
	// CacheTTL is how long a computed hash is reused while the files are unchanged.
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

func (c *HashConfig) validate() error {
	if c.Enable && c.CacheTTL <= 0 {
		return fmt.Errorf("cacheTTL must be greater than 0")
	}
	return nil
}

// WatcherConfig is the configuration of the filesystem watcher.
type WatcherConfig struct {
	Enable   bool          `yaml:"enable"`
	Debounce time.Duration `yaml:"debounce"`
}

func (c *WatcherConfig) validate() error {
	if c.Enable && c.Debounce <= 0 {
		return fmt.Errorf("debounce must be greater than 0")
	}
	return nil
}

// ServerConfig is the HTTP server configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
	// AllowedOrigins enables CORS for the given origins. Wildcards such as
	// "http://localhost:*" are accepted.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// S3Config is the S3 configuration.
type S3Config struct {
	EndpointURL string `yaml:"endpointUrl"`
	Region      string `yaml:"region"`
}

// ObjectStoreConfig is the object store configuration used for importing remote models.
type ObjectStoreConfig struct {
	S3 S3Config `yaml:"s3"`
}

// MetricsConfig is the metrics configuration.
type MetricsConfig struct {
	Enable bool `yaml:"enable"`
}

// Config is the configuration.
type Config struct {
	// RootDir is the directory relative paths are resolved against. Empty means
	// the working directory.
	RootDir string `yaml:"rootDir"`
	// ModelsDir is the managed model storage root.
	ModelsDir string `yaml:"modelsDir"`
	// ConfigFile is the persisted registry file.
	ConfigFile string `yaml:"configFile"`
	// ConversionCacheDir holds converted models. Defaults to <modelsDir>/.cache.
	ConversionCacheDir string `yaml:"conversionCacheDir"`

	Autoimport  AutoimportConfig  `yaml:"autoimport"`
	ObjectCache ObjectCacheConfig `yaml:"objectCache"`
	Hash        HashConfig        `yaml:"hash"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Server      ServerConfig      `yaml:"server"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
	Metrics     MetricsConfig     `yaml:"metrics"`

	// SkipInitialScan disables the scan run when the manager is created.
	SkipInitialScan bool `yaml:"skipInitialScan"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ModelsDir:  defaultModelsDir,
		ConfigFile: defaultConfigFile,
		Autoimport: AutoimportConfig{
			Main:       "autoimport/main",
			Lora:       "autoimport/lora",
			Embedding:  "autoimport/embedding",
			ControlNet: "autoimport/controlnet",
		},
		ObjectCache: ObjectCacheConfig{
			MaxSizeGB: 6.0,
			Precision: "float16",
			Device:    "cuda",
		},
		Hash: HashConfig{
			Enable:   true,
			CacheTTL: 10 * time.Minute,
		},
		Watcher: WatcherConfig{
			Debounce: time.Second,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Metrics: MetricsConfig{
			Enable: true,
		},
	}
}

// ApplyDefaults fills the fields derived from other fields.
func (c *Config) ApplyDefaults() {
	if c.ModelsDir == "" {
		c.ModelsDir = defaultModelsDir
	}
	if c.ConversionCacheDir == "" {
		c.ConversionCacheDir = filepath.Join(c.ModelsDir, cacheDirName)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return fmt.Errorf("modelsDir must be set")
	}
	if err := c.ObjectCache.validate(); err != nil {
		return fmt.Errorf("objectCache: %s", err)
	}
	if err := c.Hash.validate(); err != nil {
		return fmt.Errorf("hash: %s", err)
	}
	if err := c.Watcher.validate(); err != nil {
		return fmt.Errorf("watcher: %s", err)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server: port must be greater than 0")
	}
	return nil
}

// Resolve returns the absolute form of p. Relative paths are resolved against RootDir.
func (c *Config) Resolve(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.RootDir, p)
	}
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return filepath.Clean(p)
}

// Relativize returns p relative to RootDir when p lies under it, and p unchanged otherwise.
func (c *Config) Relativize(p string) string {
	root := c.Resolve(".")
	rel, err := filepath.Rel(root, c.Resolve(p))
	if err != nil || !IsLocal(rel) {
		return p
	}
	return rel
}

// ModelsPath returns the absolute managed model storage root.
func (c *Config) ModelsPath() string {
	return c.Resolve(c.ModelsDir)
}

// ModelDir returns the conventional directory for models of the given base and type.
func (c *Config) ModelDir(base modelkind.Base, typ modelkind.Type) string {
	return filepath.Join(c.ModelsPath(), string(base), string(typ))
}

// ConfigPath returns the absolute path of the registry file, or "" if none is configured.
func (c *Config) ConfigPath() string {
	if c.ConfigFile == "" {
		return ""
	}
	return c.Resolve(c.ConfigFile)
}

// CachePath returns the absolute conversion cache directory.
func (c *Config) CachePath() string {
	return c.Resolve(c.ConversionCacheDir)
}

// UnderModels reports whether p lies under the managed model storage root.
func (c *Config) UnderModels(p string) bool {
	rel, err := filepath.Rel(c.ModelsPath(), c.Resolve(p))
	return err == nil && rel != "." && IsLocal(rel)
}

// IsLocal reports whether the relative path rel stays within its base.
func IsLocal(rel string) bool {
	return filepath.IsLocal(rel) || rel == "."
}

// Parse parses the configuration file at the given path, returning a new
// Config struct with defaults applied.
func Parse(path string) (Config, error) {
	config := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("config: read: %s", err)
	}

	if err = yaml.Unmarshal(b, &config); err != nil {
		return config, fmt.Errorf("config: unmarshal: %s", err)
	}
	config.ApplyDefaults()
	return config, nil
}
