package polymongo

import (
	"time"

	"github.com/cloudresty/go-polymongo/internal/cache"
)

// EvictionType selects the eviction policy used by the connection cache.
type EvictionType string

const (
	// EvictionManual disables all automatic eviction; only explicit
	// Close calls free a slot.
	EvictionManual EvictionType = "manual"
	// EvictionTimeout evicts connections that have been idle for at
	// least the configured idle timeout.
	EvictionTimeout EvictionType = "timeout"
	// EvictionLRU evicts by the adaptive priority-weighted score.
	EvictionLRU EvictionType = "LRU"
)

// Priority constants, lower is more important. NeverClose is the sentinel
// that exempts a database from every automatic eviction selector.
const (
	PriorityNeverClose = -1
	PriorityHighest    = 0
	PriorityHigh       = 100
	PriorityMedium     = 500
	PriorityLow        = 1000
	PriorityLowest     = 10000
)

// Config holds the full configuration surface for an Orchestrator,
// loadable from environment variables (cloudresty/go-env struct tags) or
// assembled programmatically via functional Options.
type Config struct {
	// MongoURI is the host/port portion of the MongoDB connection
	// string; required. Any path or query string is stripped before use
	// — the engine appends "/<dbName>" per database it opens.
	MongoURI string `env:"POLYMONGO_MONGO_URI"`

	// MetadataDB names the database that holds the connection_metadata
	// collection.
	MetadataDB string `env:"POLYMONGO_METADATA_DB,default=polymongo-metadata"`

	// DefaultDB is used by wrapModel's .Db(name) chain when name is empty.
	DefaultDB string `env:"POLYMONGO_DEFAULT_DB,default=Default-DB"`

	// MaxConnections caps the number of concurrently open, non-watched
	// connections. Zero means unlimited.
	MaxConnections int `env:"POLYMONGO_MAX_CONNECTIONS,default=0"`

	// IdleTimeout is the sliding idle window used by the timeout
	// strategy, and the rearm interval after a watch stream closes
	// under DisconnectOnIdle.
	IdleTimeout time.Duration `env:"POLYMONGO_IDLE_TIMEOUT,default=60000ms"`

	// CacheConnections disables connection reuse entirely when false:
	// every Get becomes a miss.
	CacheConnections bool `env:"POLYMONGO_CACHE_CONNECTIONS,default=true"`

	// DisconnectOnIdle gates whether idle timers are armed at all.
	DisconnectOnIdle bool `env:"POLYMONGO_DISCONNECT_ON_IDLE,default=true"`

	// EvictionType selects manual, timeout, or LRU.
	EvictionType EvictionType `env:"POLYMONGO_EVICTION_TYPE,default=LRU"`

	// AppName is passed through to the driver for connection metadata,
	// matching the teacher's MONGODB_APP_NAME convention.
	AppName string `env:"POLYMONGO_APP_NAME,default=polymongo"`

	// ReadPreference and WriteConcern are applied to every per-database
	// connection the cache opens, the same buildClientOptions role the
	// teacher's client.go gives them.
	ReadPreference ReadPreference `env:"POLYMONGO_READ_PREFERENCE,default=primary"`
	WriteConcern   WriteConcern   `env:"POLYMONGO_WRITE_CONCERN,default=majority"`

	// Logger receives structured log lines for every event §7 says must
	// be logged rather than propagated. Defaults to an emit-backed
	// logger (see logging.go) when unset.
	Logger Logger
}

// ReadPreference mirrors the driver's named read preference modes.
type ReadPreference string

const (
	ReadPrimary            ReadPreference = "primary"
	ReadPrimaryPreferred   ReadPreference = "primaryPreferred"
	ReadSecondary          ReadPreference = "secondary"
	ReadSecondaryPreferred ReadPreference = "secondaryPreferred"
	ReadNearest            ReadPreference = "nearest"
)

// WriteConcern mirrors the driver's named write concern levels.
type WriteConcern string

const (
	WriteMajority     WriteConcern = "majority"
	WriteAcknowledged WriteConcern = "acknowledged"
	WriteJournaled    WriteConcern = "journaled"
)

// Option configures a Config, following the teacher's functional-options
// pattern (options.go).
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		MetadataDB:       "polymongo-metadata",
		DefaultDB:        "Default-DB",
		IdleTimeout:      60 * time.Second,
		CacheConnections: true,
		DisconnectOnIdle: true,
		EvictionType:     EvictionLRU,
		AppName:          "polymongo",
	}
}

// WithMongoURI sets the MongoDB host/port URI. Required.
func WithMongoURI(uri string) Option {
	return func(c *Config) { c.MongoURI = uri }
}

// WithMetadataDB sets the metadata database name.
func WithMetadataDB(name string) Option {
	return func(c *Config) { c.MetadataDB = name }
}

// WithDefaultDB sets the database .Db(name) falls back to when name is
// empty.
func WithDefaultDB(name string) Option {
	return func(c *Config) { c.DefaultDB = name }
}

// WithMaxConnections sets the admission cap. Zero disables the cap.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithIdleTimeout sets the idle timer duration for the timeout strategy
// and the sliding-reset window.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) { c.IdleTimeout = d }
}

// WithCacheConnections toggles connection reuse.
func WithCacheConnections(enabled bool) Option {
	return func(c *Config) { c.CacheConnections = enabled }
}

// WithDisconnectOnIdle toggles idle-timer arming.
func WithDisconnectOnIdle(enabled bool) Option {
	return func(c *Config) { c.DisconnectOnIdle = enabled }
}

// WithEvictionType selects the eviction strategy.
func WithEvictionType(t EvictionType) Option {
	return func(c *Config) { c.EvictionType = t }
}

// WithAppName sets the application name passed to the driver.
func WithAppName(name string) Option {
	return func(c *Config) { c.AppName = name }
}

// WithLogger sets a custom logger implementation.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithReadPreference sets the read preference applied to every connection.
func WithReadPreference(pref ReadPreference) Option {
	return func(c *Config) { c.ReadPreference = pref }
}

// WithWriteConcern sets the write concern applied to every connection.
func WithWriteConcern(concern WriteConcern) Option {
	return func(c *Config) { c.WriteConcern = concern }
}

// FromEnv returns an Option that loads configuration from environment
// variables. It replaces every field except Logger with the loaded
// values, so Options applied before it are overwritten and Options
// applied after it override individual fields. If loading or validation
// fails, the Config is left unchanged.
func FromEnv() Option {
	return func(c *Config) {
		loaded, err := loadConfigFromEnv("")
		if err == nil {
			merged := *loaded
			merged.Logger = c.Logger
			*c = merged
		}
	}
}

// FromEnvWithPrefix is FromEnv with a custom environment variable prefix.
func FromEnvWithPrefix(prefix string) Option {
	return func(c *Config) {
		loaded, err := loadConfigFromEnv(prefix)
		if err == nil {
			merged := *loaded
			merged.Logger = c.Logger
			*c = merged
		}
	}
}

// validateDatabaseName enforces §6 (non-empty after trim, ≤64 chars, none
// of / \ . " $ * < > : | ?) by delegating to internal/cache's
// ValidateDBName — the same validator every live Get/Open call runs
// against, so there is exactly one place this rule is encoded.
func validateDatabaseName(name string) error {
	if err := cache.ValidateDBName(name); err != nil {
		return &InvalidDatabaseNameError{Name: name, Reason: err.Error()}
	}
	return nil
}

// validatePriority enforces §6/§7: integer ≥ -1.
func validatePriority(p int) error {
	if p < PriorityNeverClose {
		return ErrInvalidPriority
	}
	return nil
}
