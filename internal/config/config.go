package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	DB       DBConfig       `mapstructure:"db"`
	Log      LogConfig      `mapstructure:"log"`
	Camera   CameraConfig   `mapstructure:"camera"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DBConfig selects the gallery backend. URL wins over the individual
// fields; "memory" keeps the gallery in process.
type DBConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type CameraConfig struct {
	Device   string `mapstructure:"device"`
	Format   string `mapstructure:"format"`
	Width    int    `mapstructure:"width"`
	Height   int    `mapstructure:"height"`
	FPS      int    `mapstructure:"fps"`
	Rotation int    `mapstructure:"rotation"`
	Facing   string `mapstructure:"facing"`
}

type PipelineConfig struct {
	InputSize         int           `mapstructure:"input_size"`
	MaintainAspect    bool          `mapstructure:"maintain_aspect"`
	MatchThreshold    float64       `mapstructure:"match_threshold"`
	TopK              int           `mapstructure:"top_k"`
	DetectTimeout     time.Duration `mapstructure:"detect_timeout"`
	TrackerMinOverlap float64       `mapstructure:"tracker_min_overlap"`
}

type WorkerConfig struct {
	Python             string  `mapstructure:"python"`
	Script             string  `mapstructure:"script"`
	DetectionThreshold float64 `mapstructure:"detection_threshold"`
	Debug              bool    `mapstructure:"debug"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
}

type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	EnrollSecret string `mapstructure:"enroll_secret"`
}

// Load reads defaults, an optional config file and FACEWATCH_* environment
// variables, in increasing order of precedence. Flags bound to v beat all.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Debugf("Config loaded from %s", configPath)
		}
	}

	v.SetEnvPrefix("FACEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.url", "")
	v.SetDefault("db.host", "")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "facewatch")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("camera.device", "/dev/video0")
	v.SetDefault("camera.format", "")
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.fps", 30)
	v.SetDefault("camera.rotation", 0)
	v.SetDefault("camera.facing", "back")

	v.SetDefault("pipeline.input_size", 112)
	v.SetDefault("pipeline.maintain_aspect", false)
	v.SetDefault("pipeline.match_threshold", 1.0)
	v.SetDefault("pipeline.top_k", 1)
	v.SetDefault("pipeline.detect_timeout", "5s")
	v.SetDefault("pipeline.tracker_min_overlap", 0.3)

	v.SetDefault("worker.python", "python3")
	v.SetDefault("worker.script", "python/worker.py")
	v.SetDefault("worker.detection_threshold", 0.5)
	v.SetDefault("worker.debug", false)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "facewatch")
	v.SetDefault("mqtt.topic", "facewatch/recognitions")
	v.SetDefault("mqtt.qos", 0)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8088")
	v.SetDefault("server.enroll_secret", "")
}

// Validate rejects settings the pipeline cannot work with.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return errors.Errorf("camera size %dx%d must be positive", c.Camera.Width, c.Camera.Height)
	}
	if _, err := types.ParseFacing(c.Camera.Facing); err != nil {
		return err
	}
	if c.Pipeline.InputSize <= 0 {
		return errors.Errorf("recognition input size %d must be positive", c.Pipeline.InputSize)
	}
	if c.Pipeline.MatchThreshold <= 0 {
		return errors.Errorf("match threshold %v must be positive", c.Pipeline.MatchThreshold)
	}
	if c.Pipeline.DetectTimeout < 0 {
		return errors.New("detect timeout must not be negative")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.Errorf("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS)
	}
	return nil
}

// DatabaseURL returns the gallery connection string. Without an explicit
// URL it is built from the db.* fields, then from the POSTGRES_*
// variables used by the container setup, then a local default.
func (c *Config) DatabaseURL() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}

	host, port, user, pass, name := c.DB.Host, fmt.Sprint(c.DB.Port), c.DB.User, c.DB.Password, c.DB.Name
	if host == "" {
		host = os.Getenv("POSTGRES_HOST")
		if host == "" {
			return "postgres://localhost:5432/facewatch"
		}
		user = os.Getenv("POSTGRES_USER")
		pass = os.Getenv("POSTGRES_PASSWORD")
		if n := os.Getenv("POSTGRES_DB"); n != "" {
			name = n
		}
		if p := os.Getenv("POSTGRES_PORT"); p != "" {
			port = p
		}
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Facing returns the parsed camera facing. Validate has already checked it.
func (c *Config) Facing() types.Facing {
	f, _ := types.ParseFacing(c.Camera.Facing)
	return f
}
