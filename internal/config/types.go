package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Poll      PollConfig      `json:"poll,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

// DebugConfig gates the local pprof listener. Off unless asked for.
type DebugConfig struct {
	PprofEnabled bool   `json:"pprof_enabled,omitempty"`
	PprofAddr    string `json:"pprof_addr,omitempty"` // loopback only
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserID is the sole user allowed to drive the bot. Everyone
	// else is ignored.
	AdminUserID int64 `json:"admin_user_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m") for the
	// long-poll cycle against the Bot API.
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled bool `json:"enabled"`
	// ChatID receives forwarded log lines; usually the admin's private
	// chat. Zero falls back to admin_user_id.
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls weekly trigger behavior.
type SchedulerConfig struct {
	// Timezone all triggers fire in. Defaults to "Asia/Seoul".
	Timezone string `json:"timezone,omitempty"`
	// SessionTimeout is a Go duration string after which an unfinished
	// schedule-building conversation is discarded. Defaults to "10m".
	SessionTimeout string `json:"session_timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// PollConfig is the payload posted to a group when its slot fires.
// Omitted fields keep the built-in question and answers.
type PollConfig struct {
	Question        string   `json:"question,omitempty"`
	Options         []string `json:"options,omitempty"`
	Anonymous       bool     `json:"anonymous,omitempty"`
	MultipleAnswers bool     `json:"multiple_answers,omitempty"`
}

const (
	DefaultPollQuestion = "Assalomu alaykum, Zoom darsligiga tayyormisiz?"
	DefaultTimezone     = "Asia/Seoul"
)

func DefaultPollOptions() []string { return []string{"ha", "yo'q"} }

// Validate checks the parts that would otherwise only fail deep inside
// startup. Called both on initial load and before hot-reload commits.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Telegram.AdminUserID == 0 {
		return fmt.Errorf("telegram.admin_user_id is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("scheduler.session_timeout", c.Scheduler.SessionTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if len(c.Poll.Options) == 1 {
		return fmt.Errorf("poll.options: need at least two answers")
	}
	return nil
}

// EffectivePoll resolves the poll payload, filling omitted fields with
// the built-in defaults.
func (c *Config) EffectivePoll() PollConfig {
	p := c.Poll
	if strings.TrimSpace(p.Question) == "" {
		p.Question = DefaultPollQuestion
	}
	if len(p.Options) == 0 {
		p.Options = DefaultPollOptions()
	}
	return p
}

// SessionTimeout resolves scheduler.session_timeout with its default.
func (c *Config) SessionTimeout() time.Duration {
	d, err := ParseDurationOrDefault("scheduler.session_timeout", c.Scheduler.SessionTimeout, 10*time.Minute)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
