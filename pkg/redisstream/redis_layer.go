package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const (
	SectionSlug  = "redis"
	DefaultTopic = "fluxloop.turns"
)

// Settings holds Redis Streams transport configuration for turn events.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled"`
	Addr     string `glazed:"redis-addr"`
	Topic    string `glazed:"redis-topic"`
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
}

// NewSection returns the section definition for Redis Streams settings.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis Streams publishing of recorded turns",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Publish every recorded turn to a Redis stream")),
			fields.New("redis-addr", fields.TypeString,
				fields.WithDefault("localhost:6379"),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-topic", fields.TypeString,
				fields.WithDefault(DefaultTopic),
				fields.WithHelp("Stream the turn events are published to")),
			fields.New("redis-group", fields.TypeString,
				fields.WithDefault("fluxloop"),
				fields.WithHelp("Consumer group used when tailing turns")),
			fields.New("redis-consumer", fields.TypeString,
				fields.WithDefault("cli-1"),
				fields.WithHelp("Consumer name used when tailing turns")),
		),
	)
}

func (s Settings) topic() string {
	if s.Topic == "" {
		return DefaultTopic
	}
	return s.Topic
}
