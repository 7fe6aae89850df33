package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mobilerelay/relay/storage"
	"github.com/mobilerelay/relay/storage/memory"
	relaysql "github.com/mobilerelay/relay/storage/sql"

	"log/slog"
)

// Config is the config format for the relay server, following the
// teacher's cmd/dex/config.go shape: a handful of top-level sections plus a
// dynamically-typed Storage block.
type Config struct {
	Web       Web       `json:"web"`
	Telemetry Telemetry `json:"telemetry"`
	Storage   Storage   `json:"storage"`
	Logger    Logger    `json:"logger"`

	// JWTSecret signs bearer tokens. Mandatory: refusing to start without
	// one is the only fatal startup error the spec allows (spec.md §4.1).
	JWTSecret string `json:"jwtSecret"`

	// RetentionDays is the audit log retention horizon in days, read through
	// RetentionHorizonDays (default 90). The SQL store's retention sweep does
	// not read it: it always uses a 90-day horizon.
	RetentionDays int `json:"retentionDays"`

	// ExternalIdentity configures the optional third-party assertion
	// exchange (POST /auth/external). Left zero-value, the endpoint is
	// disabled.
	ExternalIdentity ExternalIdentity `json:"externalIdentity"`
}

// ExternalIdentity names the OIDC issuer and audience external assertions
// must carry.
type ExternalIdentity struct {
	IssuerURL string `json:"issuerURL"`
	Audience  string `json:"audience"`
}

// Validate performs the fast, CLI-responsive checks the teacher's
// Config.Validate does before anything touches the network.
func (c Config) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{c.JWTSecret == "", "jwtSecret must be set (refusing to start with no signing key)"},
		{c.Storage.Config == nil, "no storage supplied in config file"},
		{c.Web.HTTP == "" && c.Web.HTTPS == "", "must supply an HTTP/HTTPS address to listen on"},
		{c.Web.HTTPS != "" && c.Web.TLSCert == "", "no cert specified for HTTPS"},
		{c.Web.HTTPS != "" && c.Web.TLSKey == "", "no private key specified for HTTPS"},
		{c.ExternalIdentity.IssuerURL != "" && c.ExternalIdentity.Audience == "", "externalIdentity.audience required when issuerURL is set"},
	}

	var checkErrors []string
	for _, check := range checks {
		if check.bad {
			checkErrors = append(checkErrors, check.errMsg)
		}
	}
	if len(checkErrors) != 0 {
		return fmt.Errorf("invalid config:\n\t-\t%s", strings.Join(checkErrors, "\n\t-\t"))
	}
	return nil
}

// RetentionHorizonDays returns the configured retention horizon, defaulting
// to 90 days per spec.md §3.
func (c Config) RetentionHorizonDays() int {
	if c.RetentionDays <= 0 {
		return 90
	}
	return c.RetentionDays
}

// Web is the config format for the HTTP server.
type Web struct {
	HTTP           string   `json:"http"`
	HTTPS          string   `json:"https"`
	Headers        Headers  `json:"headers"`
	TLSCert        string   `json:"tlsCert"`
	TLSKey         string   `json:"tlsKey"`
	AllowedOrigins []string `json:"allowedOrigins"`
	AllowedHeaders []string `json:"allowedHeaders"`
}

// Headers mirrors the teacher's security-header passthrough
// (cmd/dex/config.go's Headers), reused unmodified since it has nothing
// OIDC-specific about it.
type Headers struct {
	ContentSecurityPolicy   string `json:"Content-Security-Policy"`
	XFrameOptions           string `json:"X-Frame-Options"`
	XContentTypeOptions     string `json:"X-Content-Type-Options"`
	XXSSProtection          string `json:"X-XSS-Protection"`
	StrictTransportSecurity string `json:"Strict-Transport-Security"`
}

func (h *Headers) ToHTTPHeader() http.Header {
	if h == nil {
		return make(http.Header)
	}
	header := make(http.Header)
	if h.ContentSecurityPolicy != "" {
		header.Set("Content-Security-Policy", h.ContentSecurityPolicy)
	}
	if h.XFrameOptions != "" {
		header.Set("X-Frame-Options", h.XFrameOptions)
	}
	if h.XContentTypeOptions != "" {
		header.Set("X-Content-Type-Options", h.XContentTypeOptions)
	}
	if h.XXSSProtection != "" {
		header.Set("X-XSS-Protection", h.XXSSProtection)
	}
	if h.StrictTransportSecurity != "" {
		header.Set("Strict-Transport-Security", h.StrictTransportSecurity)
	}
	return header
}

// Telemetry is the config format for the metrics/health HTTP server.
type Telemetry struct {
	HTTP            string `json:"http"`
	EnableProfiling bool   `json:"enableProfiling"`
}

// Logger holds configuration for the structured logger.
type Logger struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Storage holds the app's storage configuration.
type Storage struct {
	Type   string        `json:"type"`
	Config StorageConfig `json:"config"`
}

// StorageConfig is a configuration that can open a storage.Storage.
type StorageConfig interface {
	Open(logger *slog.Logger) (storage.Storage, error)
}

var (
	_ StorageConfig = (*memory.Config)(nil)
	_ StorageConfig = (*relaysql.SQLite3)(nil)
	_ StorageConfig = (*relaysql.Postgres)(nil)
	_ StorageConfig = (*relaysql.MySQL)(nil)
)

var storages = map[string]func() StorageConfig{
	"memory":   func() StorageConfig { return new(memory.Config) },
	"sqlite3":  func() StorageConfig { return new(relaysql.SQLite3) },
	"postgres": func() StorageConfig { return new(relaysql.Postgres) },
	"mysql":    func() StorageConfig { return new(relaysql.MySQL) },
}

// UnmarshalJSON dynamically determines the type of the storage config,
// exactly as the teacher's Storage.UnmarshalJSON does for its own backends.
func (s *Storage) UnmarshalJSON(b []byte) error {
	var store struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(b, &store); err != nil {
		return fmt.Errorf("parse storage: %v", err)
	}
	f, ok := storages[store.Type]
	if !ok {
		return fmt.Errorf("unknown storage type %q", store.Type)
	}

	storageConfig := f()
	if len(store.Config) != 0 {
		if err := json.Unmarshal(store.Config, storageConfig); err != nil {
			return fmt.Errorf("parse storage config: %v", err)
		}
	}
	*s = Storage{Type: store.Type, Config: storageConfig}
	return nil
}
