package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings is the process-wide configuration, constructed once at startup
// and passed by reference into each component's constructor.
type Settings struct {
	Database      DbSettings      `mapstructure:"database"`
	Server        ServerSettings  `mapstructure:"server"`
	CRM           CrmSettings     `mapstructure:"crm"`
	Metrika       MetrikaSettings `mapstructure:"metrika"`
	Routing       RoutingSettings `mapstructure:"routing"`
	Stages        StageSettings   `mapstructure:"stages"`
	Worker        WorkerSettings  `mapstructure:"worker"`
	Observability Observability   `mapstructure:"observability"`

	// ProcessFromDate is the history cutoff in "2006-01-02" form. Deals
	// created strictly before it are never processed. Empty disables the
	// filter.
	ProcessFromDate string `mapstructure:"process_from_date"`

	cutoff time.Time
}

// DbSettings selects and configures the durable store backend.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres sqlite"`
	// DSN is the postgres connection string.
	DSN string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	// Path is the sqlite database file, ":memory:" allowed.
	Path string `mapstructure:"path" validate:"required_if=Type sqlite"`
}

// ServerSettings configures the inbound webhook endpoint.
type ServerSettings struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// WebhookToken, when set, must match the X-Hook-Token (or
	// X-Webhook-Token) header of inbound events.
	WebhookToken string `mapstructure:"webhook_token"`
	LogBody      bool   `mapstructure:"log_body"`
	MaxBodyLog   int    `mapstructure:"max_body_log"`
}

// CrmSettings configures the CRM REST client and the deal field codes the
// resolver reads.
type CrmSettings struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// RoutingField is the deal field whose normalized value selects a
	// counter, RequiredField must be non-empty for a deal to be routable.
	RoutingField  string `mapstructure:"routing_field" validate:"required"`
	RequiredField string `mapstructure:"required_field" validate:"required"`
	// ClientIDDealField is the legacy UF fallback when the deal has no
	// plain "client_id" field. ClientIDContactField, when set, lets the
	// client look contacts up by stored client id.
	ClientIDDealField    string `mapstructure:"client_id_deal_field"`
	ClientIDContactField string `mapstructure:"client_id_contact_field"`
	EventHandlerURL      string `mapstructure:"event_handler_url"`
}

// MetrikaSettings configures delivery to the measurement endpoint.
type MetrikaSettings struct {
	CollectURL   string        `mapstructure:"collect_url" validate:"required,url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // initial backoff duration
}

// StaticRoute is a config-supplied routing entry. Static entries override
// store entries with the same normalized key.
type StaticRoute struct {
	Key       string `mapstructure:"key" validate:"required"`
	CounterID int64  `mapstructure:"counter_id" validate:"required,gt=0"`
	Token     string `mapstructure:"token" validate:"required"`
}

// RoutingSettings configures route resolution.
type RoutingSettings struct {
	// DefaultBehavior is "skip" or "default". With "default", unmatched
	// keys fall back to DefaultCounterID/DefaultToken.
	DefaultBehavior  string        `mapstructure:"default_behavior" validate:"oneof=skip default"`
	DefaultCounterID int64         `mapstructure:"default_counter_id"`
	DefaultToken     string        `mapstructure:"default_token"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	Static           []StaticRoute `mapstructure:"static"`
}

// StageSettings maps deal lifecycle stages to downstream event kinds.
type StageSettings struct {
	Paid      []string `mapstructure:"paid"`
	Cancelled []string `mapstructure:"cancelled"`
}

// WorkerSettings configures the delivery worker loop.
type WorkerSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Routing.DefaultBehavior == "default" && (c.Routing.DefaultCounterID <= 0 || c.Routing.DefaultToken == "") {
		return fmt.Errorf("routing.default_behavior=default requires default_counter_id and default_token")
	}
	if c.ProcessFromDate != "" {
		t, err := time.Parse("2006-01-02", c.ProcessFromDate)
		if err != nil {
			return fmt.Errorf("invalid process_from_date %q: %w", c.ProcessFromDate, err)
		}
		c.cutoff = t
	}
	return nil
}

// Cutoff returns the parsed history cutoff date. The zero time means the
// filter is disabled.
func (c *Settings) Cutoff() time.Time {
	return c.cutoff
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := defaults()
	viper.SetConfigType("yaml")
	viper.SetConfigName("bridge")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "bridge."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging dev config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like BRIDGE_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.path")
	viper.BindEnv("server.addr")
	viper.BindEnv("server.webhook_token")
	viper.BindEnv("crm.webhook_url")
	viper.BindEnv("crm.routing_field")
	viper.BindEnv("crm.required_field")
	viper.BindEnv("crm.client_id_deal_field")
	viper.BindEnv("crm.client_id_contact_field")
	viper.BindEnv("crm.event_handler_url")
	viper.BindEnv("metrika.collect_url")
	viper.BindEnv("metrika.max_attempts")
	viper.BindEnv("metrika.retry_backoff")
	viper.BindEnv("routing.default_behavior")
	viper.BindEnv("routing.default_counter_id")
	viper.BindEnv("routing.default_token")
	viper.BindEnv("worker.poll_interval")
	viper.BindEnv("worker.batch_size")
	viper.BindEnv("process_from_date")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func defaults() *Settings {
	return &Settings{
		Server: ServerSettings{
			Addr:       ":8080",
			LogBody:    true,
			MaxBodyLog: 2048,
		},
		CRM: CrmSettings{
			Timeout: 20 * time.Second,
		},
		Metrika: MetrikaSettings{
			CollectURL:   "https://mc.yandex.ru/collect",
			Timeout:      10 * time.Second,
			MaxAttempts:  3,
			RetryBackoff: time.Second,
		},
		Routing: RoutingSettings{
			DefaultBehavior: "skip",
			CacheTTL:        300 * time.Second,
		},
		Worker: WorkerSettings{
			PollInterval: 2 * time.Second,
			BatchSize:    50,
		},
	}
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
