package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	SupaglueBaseURL string `env:"SUPAGLUE_BASE_URL,required=true"`
	SupaglueAPIKey  string `env:"SUPAGLUE_API_KEY,required=true"`
	CustomerID      string `env:"CUSTOMER_ID,required=true"`
	ProviderName    string `env:"PROVIDER_NAME,required=true"`

	PgDatabaseUrl string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH,default=db/associations.db"`

	PageSize         int           `env:"PAGE_SIZE,default=100"`
	TxMaxWait        time.Duration `env:"TX_MAX_WAIT,default=5s"`
	TxTimeout        time.Duration `env:"TX_TIMEOUT,default=10s"`
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT,default=30s"`
	ReaderMaxRetries int           `env:"READER_MAX_RETRIES,default=0"`

	SyncInterval   time.Duration `env:"SYNC_INTERVAL,default=1h"`
	SyncRunTimeout time.Duration `env:"SYNC_RUN_TIMEOUT,default=50m"`

	HttpListenAddress  string `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	CorsAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS,default=*"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"SUPAGLUE_BASE_URL": c.SupaglueBaseURL,
		"SUPAGLUE_API_KEY":  c.SupaglueAPIKey,
		"CUSTOMER_ID":       c.CustomerID,
		"PROVIDER_NAME":     c.ProviderName,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize))
	}
	if c.TxMaxWait <= 0 {
		errs = append(errs, fmt.Errorf("TX_MAX_WAIT must be positive, got %v", c.TxMaxWait))
	}
	if c.TxTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TX_TIMEOUT must be positive, got %v", c.TxTimeout))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_TIMEOUT must be positive, got %v", c.HTTPTimeout))
	}
	if c.ReaderMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("READER_MAX_RETRIES must not be negative, got %d", c.ReaderMaxRetries))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_INTERVAL must be positive, got %v", c.SyncInterval))
	}
	if c.PgDatabaseUrl == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("either DATABASE_URL or SQLITE_PATH is required"))
	}
	return errors.Join(errs...)
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CorsAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
