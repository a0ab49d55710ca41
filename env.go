package polymongo

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/cloudresty/go-env"
)

// loadConfigFromEnv loads configuration from environment variables,
// applying struct-tag defaults via cloudresty/go-env, the same approach
// as the teacher's env.go.
func loadConfigFromEnv(prefix string) (*Config, error) {
	config := defaultConfig()

	bindOptions := env.DefaultBindingOptions()
	if prefix != "" {
		bindOptions.Prefix = prefix
	}

	if err := env.Bind(config, bindOptions); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	if config.Logger == nil {
		config.Logger = newEmitLogger()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	config.MongoURI = stripURIPathAndQuery(config.MongoURI)

	return config, nil
}

var mongoURIPattern = regexp.MustCompile(`^mongodb(\+srv)?://.+`)

// validateMongoURI enforces the accepted-input rule of §6: the scheme
// must be mongodb:// or mongodb+srv://.
func validateMongoURI(uri string) error {
	if !mongoURIPattern.MatchString(uri) {
		return ErrInvalidMongoURI
	}
	return nil
}

// stripURIPathAndQuery enforces §6's "host/port only; database portion
// ignored" rule: any path component and any query string a caller
// supplies are dropped, since the engine appends "/<dbName>" itself for
// every database it opens. Implemented by hand rather than with net/url
// because MongoDB replica-set URIs commonly list multiple comma-separated
// hosts (mongodb://h1:27017,h2:27017/db), which net/url's host parsing
// does not round-trip reliably.
func stripURIPathAndQuery(uri string) string {
	schemeEnd := strings.Index(uri, "://")
	if schemeEnd < 0 {
		return uri
	}
	authorityStart := schemeEnd + len("://")
	cut := strings.IndexAny(uri[authorityStart:], "/?")
	if cut < 0 {
		return uri
	}
	return uri[:authorityStart+cut]
}

// validateConfig validates a fully-populated Config.
func validateConfig(config *Config) error {
	if config.MongoURI == "" {
		return errors.New("POLYMONGO_MONGO_URI must be set")
	}

	if err := validateMongoURI(config.MongoURI); err != nil {
		return err
	}

	if !isValidEvictionType(config.EvictionType) {
		return fmt.Errorf("invalid eviction type: %s", config.EvictionType)
	}

	if config.MaxConnections < 0 {
		return errors.New("POLYMONGO_MAX_CONNECTIONS must not be negative")
	}

	return nil
}

// isValidEvictionType checks if the eviction type is one of the three
// supported policies.
func isValidEvictionType(t EvictionType) bool {
	return slices.Contains([]EvictionType{EvictionManual, EvictionTimeout, EvictionLRU}, t)
}

// Environment variable names for reference, mirroring the teacher's
// exported Env* constants.
const (
	EnvMongoURI         = "POLYMONGO_MONGO_URI"
	EnvMetadataDB       = "POLYMONGO_METADATA_DB"
	EnvDefaultDB        = "POLYMONGO_DEFAULT_DB"
	EnvMaxConnections   = "POLYMONGO_MAX_CONNECTIONS"
	EnvIdleTimeout      = "POLYMONGO_IDLE_TIMEOUT"
	EnvCacheConnections = "POLYMONGO_CACHE_CONNECTIONS"
	EnvDisconnectOnIdle = "POLYMONGO_DISCONNECT_ON_IDLE"
	EnvEvictionType     = "POLYMONGO_EVICTION_TYPE"
	EnvAppName          = "POLYMONGO_APP_NAME"
	EnvReadPreference   = "POLYMONGO_READ_PREFERENCE"
	EnvWriteConcern     = "POLYMONGO_WRITE_CONCERN"
)
