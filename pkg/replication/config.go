package replication

import (
	"time"

	"github.com/dd0wney/cluso-replication/pkg/validation"
)

// Queue and monitor constants shared by every domain.
const (
	// MinQueueCountForBytes is the live queue size below which the byte
	// threshold is ignored.
	MinQueueCountForBytes = 10

	// lateQueueMaxCount and lateQueueMaxBytes bound one late queue refill.
	lateQueueMaxCount = 100
	lateQueueMaxBytes = 50000

	// followingWakeInterval bounds how long NextMessage waits for the live
	// queue before re-checking shutdown.
	followingWakeInterval = 500 * time.Millisecond

	// selfGapTolerance is the gap between a data server and its own newest
	// change that is not reported as missing.
	selfGapTolerance = 50
)

// Config holds the settings of a replication server domain
type Config struct {
	// Identity of the local replication server
	ServerID     int32  `yaml:"server_id" validate:"gt=0"`
	GroupID      uint8  `yaml:"group_id"`
	GenerationID int64  `yaml:"generation_id"`
	ServerURL    string `yaml:"server_url"`
	Weight       int    `yaml:"weight" validate:"gte=0"`

	// Per-peer live queue limits
	QueueSize  int `yaml:"queue_size" validate:"gte=0"`
	QueueBytes int `yaml:"queue_bytes" validate:"gte=0"`

	// Data servers with at least this many pending changes are degraded.
	// Zero disables the check.
	DegradedStatusThreshold int `yaml:"degraded_status_threshold" validate:"gte=0"`

	AssuredTimeout            time.Duration `yaml:"assured_timeout"`
	MonitorDataLifetime       time.Duration `yaml:"monitor_data_lifetime"`
	MonitorResponseTimeout    time.Duration `yaml:"monitor_response_timeout"`
	StatusAnalyzerInterval    time.Duration `yaml:"status_analyzer_interval"`
	MonitoringPublisherPeriod time.Duration `yaml:"monitoring_publisher_period"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval"`

	// Changes older than PurgeDelay are purged from the changelog.
	// Zero keeps everything.
	PurgeDelay    time.Duration `yaml:"purge_delay"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		ServerID:                  1,
		GroupID:                   1,
		Weight:                    1,
		QueueSize:                 10000,
		QueueBytes:                10000 * 100,
		DegradedStatusThreshold:   5000,
		AssuredTimeout:            2 * time.Second,
		MonitorDataLifetime:       500 * time.Millisecond,
		MonitorResponseTimeout:    5 * time.Second,
		StatusAnalyzerInterval:    5 * time.Second,
		MonitoringPublisherPeriod: 3 * time.Second,
		HeartbeatInterval:         10 * time.Second,
		PurgeInterval:             time.Minute,
	}
}

// ApplyDefaults applies default values to zero-valued fields
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	c.GroupID = validation.DefaultOr(c.GroupID, defaults.GroupID)
	c.Weight = validation.DefaultOrInt(c.Weight, defaults.Weight)
	c.QueueSize = validation.DefaultOrInt(c.QueueSize, defaults.QueueSize)
	c.QueueBytes = validation.DefaultOrInt(c.QueueBytes, c.QueueSize*100)
	c.AssuredTimeout = validation.DefaultOrDuration(c.AssuredTimeout, defaults.AssuredTimeout)
	c.MonitorDataLifetime = validation.DefaultOrDuration(c.MonitorDataLifetime, defaults.MonitorDataLifetime)
	c.MonitorResponseTimeout = validation.DefaultOrDuration(c.MonitorResponseTimeout, defaults.MonitorResponseTimeout)
	c.StatusAnalyzerInterval = validation.DefaultOrDuration(c.StatusAnalyzerInterval, defaults.StatusAnalyzerInterval)
	c.MonitoringPublisherPeriod = validation.DefaultOrDuration(c.MonitoringPublisherPeriod, defaults.MonitoringPublisherPeriod)
	c.HeartbeatInterval = validation.DefaultOrDuration(c.HeartbeatInterval, defaults.HeartbeatInterval)
	c.PurgeInterval = validation.DefaultOrDuration(c.PurgeInterval, defaults.PurgeInterval)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	v := validation.NewConfigValidator("Config")
	v.Positive("QueueSize", c.QueueSize).
		Positive("QueueBytes", c.QueueBytes).
		NonNegative("DegradedStatusThreshold", c.DegradedStatusThreshold).
		MinDuration("AssuredTimeout", c.AssuredTimeout, 10*time.Millisecond).
		MinDuration("MonitorDataLifetime", c.MonitorDataLifetime, time.Millisecond).
		RangeDuration("MonitorResponseTimeout", c.MonitorResponseTimeout, 10*time.Millisecond, time.Minute).
		MinDuration("StatusAnalyzerInterval", c.StatusAnalyzerInterval, 10*time.Millisecond).
		MinDuration("MonitoringPublisherPeriod", c.MonitoringPublisherPeriod, 10*time.Millisecond).
		MinDuration("HeartbeatInterval", c.HeartbeatInterval, 10*time.Millisecond)

	v.When(c.PurgeDelay > 0, func(cv *validation.ConfigValidator) {
		cv.MinDuration("PurgeDelay", c.PurgeDelay, time.Second).
			MinDuration("PurgeInterval", c.PurgeInterval, 10*time.Millisecond)
	})

	return v.Validate()
}
