package polymongo

import (
	"os"
	"testing"
	"time"
)

func clearPolymongoEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		EnvMongoURI, EnvMetadataDB, EnvDefaultDB, EnvMaxConnections,
		EnvIdleTimeout, EnvCacheConnections, EnvDisconnectOnIdle,
		EnvEvictionType, EnvAppName,
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoadConfigFromEnvAppliesDefaults(t *testing.T) {
	clearPolymongoEnv(t)
	t.Setenv(EnvMongoURI, "mongodb://localhost:27017")

	cfg, err := loadConfigFromEnv("")
	if err != nil {
		t.Fatalf("loadConfigFromEnv failed: %v", err)
	}

	if cfg.MetadataDB != "polymongo-metadata" {
		t.Errorf("expected default metadataDB, got %s", cfg.MetadataDB)
	}
	if cfg.DefaultDB != "Default-DB" {
		t.Errorf("expected default defaultDB, got %s", cfg.DefaultDB)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Errorf("expected default idle timeout 60s, got %v", cfg.IdleTimeout)
	}
	if !cfg.CacheConnections {
		t.Error("expected cacheConnections to default true")
	}
	if !cfg.DisconnectOnIdle {
		t.Error("expected disconnectOnIdle to default true")
	}
	if cfg.EvictionType != EvictionLRU {
		t.Errorf("expected default eviction type LRU, got %s", cfg.EvictionType)
	}
	if cfg.Logger == nil {
		t.Error("expected a default logger to be set")
	}
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	clearPolymongoEnv(t)
	t.Setenv(EnvMongoURI, "mongodb://localhost:27017")
	t.Setenv(EnvMaxConnections, "10")
	t.Setenv(EnvEvictionType, "timeout")

	cfg, err := loadConfigFromEnv("")
	if err != nil {
		t.Fatalf("loadConfigFromEnv failed: %v", err)
	}
	if cfg.MaxConnections != 10 {
		t.Errorf("expected maxConnections 10, got %d", cfg.MaxConnections)
	}
	if cfg.EvictionType != EvictionTimeout {
		t.Errorf("expected eviction type timeout, got %s", cfg.EvictionType)
	}
}

func TestLoadConfigFromEnvMissingURIFails(t *testing.T) {
	clearPolymongoEnv(t)
	if _, err := loadConfigFromEnv(""); err == nil {
		t.Error("expected an error when POLYMONGO_MONGO_URI is unset")
	}
}

func TestLoadConfigFromEnvRejectsMalformedURI(t *testing.T) {
	clearPolymongoEnv(t)
	t.Setenv(EnvMongoURI, "postgres://localhost:5432")
	if _, err := loadConfigFromEnv(""); err == nil {
		t.Error("expected an error for a non-mongodb:// URI")
	}
}

func TestLoadConfigFromEnvWithPrefix(t *testing.T) {
	clearPolymongoEnv(t)
	t.Setenv("APP_"+EnvMongoURI, "mongodb://localhost:27017")

	cfg, err := loadConfigFromEnv("APP")
	if err != nil {
		t.Fatalf("loadConfigFromEnv with prefix failed: %v", err)
	}
	if cfg.MongoURI != "mongodb://localhost:27017" {
		t.Errorf("expected mongoURI to be loaded via prefixed var, got %q", cfg.MongoURI)
	}
}

func TestValidateMongoURI(t *testing.T) {
	cases := []struct {
		uri     string
		wantErr bool
	}{
		{"mongodb://localhost:27017", false},
		{"mongodb+srv://cluster0.mongodb.net", false},
		{"postgres://localhost", true},
		{"", true},
	}
	for _, tc := range cases {
		err := validateMongoURI(tc.uri)
		if (err != nil) != tc.wantErr {
			t.Errorf("validateMongoURI(%q) error = %v, wantErr %v", tc.uri, err, tc.wantErr)
		}
	}
}

func TestStripURIPathAndQuery(t *testing.T) {
	cases := []struct {
		uri  string
		want string
	}{
		{"mongodb://localhost:27017", "mongodb://localhost:27017"},
		{"mongodb://localhost:27017/olddb", "mongodb://localhost:27017"},
		{"mongodb://localhost:27017/olddb?replicaSet=rs0", "mongodb://localhost:27017"},
		{"mongodb://localhost:27017?replicaSet=rs0", "mongodb://localhost:27017"},
		{"mongodb://h1:27017,h2:27017,h3:27017/olddb?replicaSet=rs0", "mongodb://h1:27017,h2:27017,h3:27017"},
		{"mongodb+srv://cluster0.mongodb.net/olddb", "mongodb+srv://cluster0.mongodb.net"},
		{"not-a-uri", "not-a-uri"},
	}
	for _, tc := range cases {
		if got := stripURIPathAndQuery(tc.uri); got != tc.want {
			t.Errorf("stripURIPathAndQuery(%q) = %q, want %q", tc.uri, got, tc.want)
		}
	}
}

func TestIsValidEvictionType(t *testing.T) {
	for _, valid := range []EvictionType{EvictionManual, EvictionTimeout, EvictionLRU} {
		if !isValidEvictionType(valid) {
			t.Errorf("expected %s to be valid", valid)
		}
	}
	if isValidEvictionType(EvictionType("bogus")) {
		t.Error("expected bogus eviction type to be invalid")
	}
}
