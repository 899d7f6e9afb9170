package env

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	DebugHTTP bool `env:"CROSSBAR_DEBUG_HTTP"`

	// LogFile, when set, sends logs to a size-rotated file instead of stderr.
	LogFile       string `env:"CROSSBAR_LOG_FILE"`
	LogMaxSizeMB  int    `env:"CROSSBAR_LOG_MAX_SIZE_MB,default=50"`
	LogMaxBackups int    `env:"CROSSBAR_LOG_MAX_BACKUPS,default=3"`

	// SettingsPath is where the GUI settings blob is persisted.
	SettingsPath string `env:"CROSSBAR_SETTINGS,default=crossbar.json"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
