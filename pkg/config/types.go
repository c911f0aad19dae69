package config

import (
	"time"

	"ticktack/pkg/session"
)

type CacheSettings struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type SessionSettings struct {
	Ruleset        string
	QueueDepth     int
	AbandonSeconds int
	AllowRefill    bool
	KeyframeEvery  uint64
}

// Config translates the file settings into what sessions expect.
func (s SessionSettings) Config() session.Config {
	return session.Config{
		QueueDepth:     s.QueueDepth,
		AbandonTimeout: time.Duration(s.AbandonSeconds) * time.Second,
		AllowRefill:    s.AllowRefill,
		KeyframeEvery:  s.KeyframeEvery,
	}
}

type IngressSettings struct {
	Port    int
	Origins []string
	// Commands per second one connection may send, and how far above
	// that it may burst.
	CommandRate  float64
	CommandBurst int
}

type ServerSettings struct {
	DBPath  string
	Session SessionSettings
	Ingress IngressSettings
	Cache   CacheSettings
}

type Config struct {
	Server ServerSettings
}
