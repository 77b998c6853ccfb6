package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		LogLevel    int    `env:"LOG_LEVEL,default=4"`
		DotPath     string `env:"DOT_PATH,default=~/.warden"`
		DBName      string `env:"DB_NAME,default=warden.db"`
		MetricsAddr string `env:"METRICS_ADDR,default=:2112"`

		Pipeline  Pipeline
		Scheduler Scheduler
		Enforcer  Enforcer
	}

	Pipeline struct {
		QueueSize   int           `env:"PIPELINE_QUEUE_SIZE,default=256"`
		DedupWindow time.Duration `env:"PIPELINE_DEDUP_WINDOW,default=2m"`
	}

	Scheduler struct {
		MaxSleep      time.Duration `env:"SCHEDULER_MAX_SLEEP,default=1m"`
		RetentionDays int           `env:"RETENTION_DAYS,default=90"`
	}

	Enforcer struct {
		MaxRetries int           `env:"ENFORCER_MAX_RETRIES,default=3"`
		RetryStep  time.Duration `env:"ENFORCER_RETRY_STEP,default=300ms"`
		DryRun     bool          `env:"ENFORCER_DRY_RUN,default=true"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg := &Config{}
		envcfg := envconfig.Config{
			Lookuper: envconfig.PrefixLookuper("WARDEN_", envconfig.OsLookuper()),
			Target:   cfg,
		}
		if err := envconfig.ProcessWith(context.Background(), &envcfg); err != nil {
			globalErr = fmt.Errorf("process env config: %w", err)
			return
		}
		home, err := os.UserHomeDir()
		if err != nil {
			globalErr = fmt.Errorf("get user home directory: %w", err)
			return
		}
		cfg.DotPath = strings.Replace(cfg.DotPath, "~", home, 1)
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}
