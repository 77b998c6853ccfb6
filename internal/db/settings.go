package db

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/modwarden/warden/resources"

	yaml "gopkg.in/yaml.v2"
)

var ErrNotFound = errors.New("not found")

type (
	Settings struct {
		Enabled        bool               `yaml:"enabled" json:"enabled"`
		AlertChannelID int64              `yaml:"alert_channel_id" json:"alert_channel_id"`
		Spam           SpamSettings       `yaml:"spam" json:"spam"`
		Content        ContentSettings    `yaml:"content" json:"content"`
		Raid           RaidSettings       `yaml:"raid" json:"raid"`
		Nuke           NukeSettings       `yaml:"nuke" json:"nuke"`
		Escalation     EscalationSettings `yaml:"escalation" json:"escalation"`
	}

	SpamSettings struct {
		Enabled         bool `yaml:"enabled" json:"enabled"`
		MaxMessages     int  `yaml:"max_messages" json:"max_messages"`
		WindowSeconds   int  `yaml:"window_seconds" json:"window_seconds"`
		RepeatThreshold int  `yaml:"repeat_threshold" json:"repeat_threshold"`
	}

	ContentSettings struct {
		Enabled            bool     `yaml:"enabled" json:"enabled"`
		BannedWords        []string `yaml:"banned_words" json:"banned_words"`
		BlockInvites       bool     `yaml:"block_invites" json:"block_invites"`
		DomainBlacklist    []string `yaml:"domain_blacklist" json:"domain_blacklist"`
		DomainWhitelist    []string `yaml:"domain_whitelist" json:"domain_whitelist"`
		BlockedExtensions  []string `yaml:"blocked_extensions" json:"blocked_extensions"`
		MaxAttachmentBytes int64    `yaml:"max_attachment_bytes" json:"max_attachment_bytes"`
	}

	RaidSettings struct {
		Enabled       bool `yaml:"enabled" json:"enabled"`
		JoinThreshold int  `yaml:"join_threshold" json:"join_threshold"`
		WindowSeconds int  `yaml:"window_seconds" json:"window_seconds"`
		LockSeconds   int  `yaml:"lock_seconds" json:"lock_seconds"`
	}

	NukeSettings struct {
		Enabled         bool `yaml:"enabled" json:"enabled"`
		ActionThreshold int  `yaml:"action_threshold" json:"action_threshold"`
		WindowSeconds   int  `yaml:"window_seconds" json:"window_seconds"`
		LockSeconds     int  `yaml:"lock_seconds" json:"lock_seconds"`
	}

	EscalationSettings struct {
		Enabled       bool             `yaml:"enabled" json:"enabled"`
		RetentionDays int              `yaml:"retention_days" json:"retention_days"`
		Steps         []EscalationStep `yaml:"steps" json:"steps"`
	}

	EscalationStep struct {
		MinWeight       int    `yaml:"min_weight" json:"min_weight"`
		Action          string `yaml:"action" json:"action"`
		DurationSeconds int    `yaml:"duration_seconds" json:"duration_seconds"`
	}
)

func (s SpamSettings) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

func (s RaidSettings) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

func (s RaidSettings) LockDuration() time.Duration {
	return time.Duration(s.LockSeconds) * time.Second
}

func (s NukeSettings) Window() time.Duration {
	return time.Duration(s.WindowSeconds) * time.Second
}

func (s NukeSettings) LockDuration() time.Duration {
	return time.Duration(s.LockSeconds) * time.Second
}

func (s EscalationSettings) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

func (s EscalationStep) Duration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

var (
	defaultsOnce sync.Once
	defaults     Settings
	defaultsErr  error
)

// DefaultSettings returns the embedded baseline community settings. Every
// community starts from this until an operator patches it.
func DefaultSettings() (Settings, error) {
	defaultsOnce.Do(func() {
		raw, err := resources.FS.ReadFile("default_settings.yml")
		if err != nil {
			defaultsErr = errors.Wrap(err, "read default settings")
			return
		}
		if err := yaml.Unmarshal(raw, &defaults); err != nil {
			defaultsErr = errors.Wrap(err, "parse default settings")
			return
		}
	})
	return defaults, defaultsErr
}

func DefaultCommunityConfig(communityID int64) (*CommunityConfig, error) {
	settings, err := DefaultSettings()
	if err != nil {
		return nil, err
	}
	return &CommunityConfig{
		ID:        communityID,
		Settings:  settings,
		UpdatedAt: time.Now(),
	}, nil
}
