package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Environment variables read by ApplyEnv.
const (
	EnvListenAddr     = "P2PNODE_LISTEN_ADDR"
	EnvIdentityPath   = "P2PNODE_IDENTITY"
	EnvMuxers         = "P2PNODE_MUXERS"
	EnvUpgradeTimeout = "P2PNODE_UPGRADE_TIMEOUT"
	EnvMetricsAddr    = "P2PNODE_METRICS_ADDR"
	EnvLogLevel       = "P2PNODE_LOG_LEVEL"
)

// Timeouts outside these bounds are ignored when read from the environment.
const (
	MinUpgradeTimeout = 100 * time.Millisecond
	MaxUpgradeTimeout = 5 * time.Minute
)

// ApplyEnv overrides fields from P2PNODE_* environment variables. Values
// that fail to parse are logged and leave the field unchanged.
func (c *Config) ApplyEnv() {
	setString(&c.ListenAddr, EnvListenAddr)
	setString(&c.IdentityPath, EnvIdentityPath)
	setString(&c.MetricsAddr, EnvMetricsAddr)
	setString(&c.LogLevel, EnvLogLevel)
	if v := os.Getenv(EnvMuxers); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		c.Muxers = ids
	}
	c.parseTimeoutSetting()
}

func setString(field *string, env string) {
	if v := os.Getenv(env); v != "" {
		*field = v
	}
}

func (c *Config) parseTimeoutSetting() {
	v := os.Getenv(EnvUpgradeTimeout)
	if v == "" {
		return
	}
	timeout, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseTimeoutSetting",
			"env_var":     EnvUpgradeTimeout,
			"value":       v,
			"error":       err.Error(),
			"using_value": c.UpgradeTimeout.String(),
		}).Warn("Failed to parse upgrade timeout, using configured value")
		return
	}
	if timeout < MinUpgradeTimeout || timeout > MaxUpgradeTimeout {
		logrus.WithFields(logrus.Fields{
			"function":    "parseTimeoutSetting",
			"env_var":     EnvUpgradeTimeout,
			"value":       timeout.String(),
			"min":         MinUpgradeTimeout.String(),
			"max":         MaxUpgradeTimeout.String(),
			"using_value": c.UpgradeTimeout.String(),
		}).Warn("Upgrade timeout out of bounds, using configured value")
		return
	}
	c.UpgradeTimeout = timeout
}
