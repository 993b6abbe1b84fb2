package config

import (
	"os"
	"time"

	"github.com/cloudwheel/tcpengine/lib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML configuration file. Durations are given in
// milliseconds; zero values fall back to the library defaults.
type Config struct {
	Engine struct {
		EphemeralPortLower uint16 `yaml:"ephemeralPortLower"`
		EphemeralPortUpper uint16 `yaml:"ephemeralPortUpper"`
		PayloadPoolSize    int    `yaml:"payloadPoolSize"`
		PoolDebug          bool   `yaml:"poolDebug"`
		Debug              bool   `yaml:"debug"`
	} `yaml:"engine"`
	Connection struct {
		SendBufferSize      uint32 `yaml:"sendBufferSize"`
		RecvBufferSize      uint32 `yaml:"recvBufferSize"`
		PreferredMSS        uint16 `yaml:"preferredMss"`
		MaxRetries          int    `yaml:"maxRetries"`
		MaxSynRetries       int    `yaml:"maxSynRetries"`
		InitialRtoMs        int    `yaml:"initialRtoMs"`
		RtoMinMs            int    `yaml:"rtoMinMs"`
		RtoMaxMs            int    `yaml:"rtoMaxMs"`
		KeepaliveIdleMs     int    `yaml:"keepaliveIdleMs"`
		KeepaliveIntervalMs int    `yaml:"keepaliveIntervalMs"`
		KeepaliveProbes     int    `yaml:"keepaliveProbes"`
		DelayedAckDelayMs   int    `yaml:"delayedAckDelayMs"`
		NoDelay             bool   `yaml:"noDelay"`
		CongestionControl   string `yaml:"congestionControl"`
		SackEnabled         *bool  `yaml:"sackEnabled"`
		TimestampEnabled    *bool  `yaml:"timestampEnabled"`
		WindowScale         uint8  `yaml:"windowScale"`
		TimeWaitDurationMs  int    `yaml:"timeWaitDurationMs"`
	} `yaml:"connection"`
}

// LoadConfig reads the YAML file at path and returns engine and
// connection configurations with defaults applied for absent fields.
func LoadConfig(path string) (*lib.EngineConfig, *lib.ConnectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading config file %s", path)
	}
	var fileConf Config
	if err := yaml.Unmarshal(data, &fileConf); err != nil {
		return nil, nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	engineConf := lib.DefaultEngineConfig()
	connConf := lib.DefaultConnectionConfig()
	engineConf.Connection = connConf

	e := fileConf.Engine
	if e.EphemeralPortLower > 0 {
		engineConf.EphemeralPortLower = e.EphemeralPortLower
	}
	if e.EphemeralPortUpper > 0 {
		engineConf.EphemeralPortUpper = e.EphemeralPortUpper
	}
	if engineConf.EphemeralPortUpper < engineConf.EphemeralPortLower {
		return nil, nil, errors.Errorf("ephemeral port range %d-%d is inverted",
			engineConf.EphemeralPortLower, engineConf.EphemeralPortUpper)
	}
	if e.PayloadPoolSize > 0 {
		engineConf.PayloadPoolSize = e.PayloadPoolSize
	}
	engineConf.PoolDebug = e.PoolDebug
	engineConf.Debug = e.Debug

	c := fileConf.Connection
	if c.SendBufferSize > 0 {
		connConf.SendBufferSize = c.SendBufferSize
	}
	if c.RecvBufferSize > 0 {
		connConf.RecvBufferSize = c.RecvBufferSize
	}
	if c.PreferredMSS > 0 {
		connConf.PreferredMSS = c.PreferredMSS
	}
	if c.MaxRetries > 0 {
		connConf.MaxRetries = c.MaxRetries
	}
	if c.MaxSynRetries > 0 {
		connConf.MaxSynRetries = c.MaxSynRetries
	}
	if c.InitialRtoMs > 0 {
		connConf.InitialRTO = time.Duration(c.InitialRtoMs) * time.Millisecond
	}
	if c.RtoMinMs > 0 {
		connConf.RtoMin = time.Duration(c.RtoMinMs) * time.Millisecond
	}
	if c.RtoMaxMs > 0 {
		connConf.RtoMax = time.Duration(c.RtoMaxMs) * time.Millisecond
	}
	if c.KeepaliveIdleMs > 0 {
		connConf.KeepaliveIdle = time.Duration(c.KeepaliveIdleMs) * time.Millisecond
	}
	if c.KeepaliveIntervalMs > 0 {
		connConf.KeepaliveInterval = time.Duration(c.KeepaliveIntervalMs) * time.Millisecond
	}
	if c.KeepaliveProbes > 0 {
		connConf.KeepaliveProbes = c.KeepaliveProbes
	}
	if c.DelayedAckDelayMs > 0 {
		connConf.DelayedAckDelay = time.Duration(c.DelayedAckDelayMs) * time.Millisecond
	}
	connConf.NoDelay = c.NoDelay
	if c.CongestionControl != "" {
		connConf.CongestionControl = c.CongestionControl
	}
	if c.SackEnabled != nil {
		connConf.SackEnabled = *c.SackEnabled
	}
	if c.TimestampEnabled != nil {
		connConf.TimestampEnabled = *c.TimestampEnabled
	}
	if c.WindowScale > 0 {
		if c.WindowScale > 14 {
			return nil, nil, errors.Errorf("window scale %d exceeds the maximum shift of 14", c.WindowScale)
		}
		connConf.WindowScale = c.WindowScale
	}
	if c.TimeWaitDurationMs > 0 {
		connConf.TimeWaitDuration = time.Duration(c.TimeWaitDurationMs) * time.Millisecond
	}

	return engineConf, connConf, nil
}
