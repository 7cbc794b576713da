package bundlesync

import (
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/fluxloop/pkg/config"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const (
	SectionSlug = "sync"

	DefaultAPIURL = "https://api.fluxloop.ai"

	EnvSyncURL    = "FLUXLOOP_SYNC_URL"
	EnvSyncAPIKey = "FLUXLOOP_SYNC_API_KEY"
	EnvAPIKey     = "FLUXLOOP_API_KEY"
)

// Settings configures the coordination service client.
type Settings struct {
	APIURL          string `glazed:"api-url"`
	APIKey          string `glazed:"api-key"`
	ProjectID       string `glazed:"project-id"`
	BundleVersionID string `glazed:"bundle-version-id"`
	MaxRetries      int    `glazed:"max-retries"`
	BackoffMs       int    `glazed:"backoff-ms"`
	TimeoutSeconds  int    `glazed:"timeout-seconds"`
}

func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Bundle synchronization with the coordination service",
		schema.WithFields(
			fields.New("api-url", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Sync API base URL (default $"+EnvSyncURL+" or "+DefaultAPIURL+")")),
			fields.New("api-key", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Sync API key (default $"+EnvSyncAPIKey+" or $"+EnvAPIKey+")")),
			fields.New("project-id", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Project to pull the bundle of")),
			fields.New("bundle-version-id", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Bundle version (defaults to the pulled one)")),
			fields.New("max-retries", fields.TypeInteger,
				fields.WithDefault(DefaultMaxRetries),
				fields.WithHelp("Retries after a transport failure; 0 disables retries")),
			fields.New("backoff-ms", fields.TypeInteger,
				fields.WithDefault(int(DefaultBackoff/time.Millisecond)),
				fields.WithHelp("First retry delay in milliseconds, doubled per retry")),
			fields.New("timeout-seconds", fields.TypeInteger,
				fields.WithDefault(int(DefaultTimeout/time.Second)),
				fields.WithHelp("Timeout of a single HTTP attempt")),
		),
	)
}

// ResolveAPIURL picks the flag value, then $FLUXLOOP_SYNC_URL, then the
// public endpoint. Trailing slashes are dropped.
func ResolveAPIURL(override string) string {
	u := strings.TrimSpace(override)
	if u == "" {
		u = strings.TrimSpace(os.Getenv(EnvSyncURL))
	}
	if u == "" {
		u = DefaultAPIURL
	}
	return strings.TrimRight(u, "/")
}

// ResolveAPIKey picks the flag value, then $FLUXLOOP_SYNC_API_KEY, then
// $FLUXLOOP_API_KEY.
func ResolveAPIKey(override string) (string, error) {
	for _, k := range []string{override, os.Getenv(EnvSyncAPIKey), os.Getenv(EnvAPIKey)} {
		if k = strings.TrimSpace(k); k != "" {
			return k, nil
		}
	}
	return "", config.Errorf("resolve api key",
		"sync API key is not set; pass --api-key or export %s", EnvSyncAPIKey)
}

// ClientOptions converts the retry and timeout settings. MaxRetries is taken
// as is, so 0 disables retries and a negative value keeps the default. Zero
// backoff and timeout keep the defaults.
func (s Settings) ClientOptions() []ClientOption {
	opts := []ClientOption{WithMaxRetries(s.MaxRetries)}
	if s.BackoffMs > 0 {
		opts = append(opts, WithBackoff(time.Duration(s.BackoffMs)*time.Millisecond))
	}
	if s.TimeoutSeconds > 0 {
		opts = append(opts, WithTimeout(time.Duration(s.TimeoutSeconds)*time.Second))
	}
	return opts
}

// NewClientFromSettings resolves URL and key and builds a client.
func NewClientFromSettings(s Settings, opts ...ClientOption) (*Client, error) {
	key, err := ResolveAPIKey(s.APIKey)
	if err != nil {
		return nil, err
	}
	return NewClient(ResolveAPIURL(s.APIURL), key, append(s.ClientOptions(), opts...)...), nil
}
