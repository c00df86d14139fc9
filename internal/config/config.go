package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env     string        `yaml:"env" env-default:"local"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Sweeper SweeperConfig `yaml:"sweeper"`
}

type StorageConfig struct {
	// Backend selects the store implementation: "sqlite" or "mongo".
	Backend    string        `yaml:"backend" env-default:"sqlite"`
	SQLitePath string        `yaml:"sqlite_path"`
	MongoURI   string        `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDB    string        `yaml:"mongo_db"`
	OpTimeout  time.Duration `yaml:"op_timeout" env-default:"5s"`
}

type HTTPConfig struct {
	Port        int           `yaml:"port" env-default:"8080"`
	ReadTimeout time.Duration `yaml:"read_timeout" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type TokensConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
	AccessTTL     time.Duration `yaml:"access_ttl" env-default:"15m"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl" env-default:"720h"`
	RefreshPepper string        `yaml:"refresh_pepper" env:"REFRESH_PEPPER"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval" env-default:"1h"`
	Timeout  time.Duration `yaml:"timeout" env-default:"30s"`
}

// MustLoad reads the config from --config flag or CONFIG_PATH and panics on
// any failure. Configuration problems are fatal at startup by design.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}
	return MustLoadPath(path)
}

func MustLoadPath(path string) *Config {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file not found: " + path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("failed to read config: " + err.Error())
	}

	return &cfg
}

func fetchConfigPath() string {
	var path string
	flag.StringVar(&path, "config", "", "path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return path
}
