package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hydrogen-ci/hydrogen/common/logger"
	"github.com/hydrogen-ci/hydrogen/queuerunner"
	"github.com/hydrogen-ci/hydrogen/server/store"
)

// Config is everything the queue runner daemon needs, read from the config
// file (and overridable through flags by the command line layer).
type Config struct {
	Database store.DatabaseConfig

	// StoreDir/StateDir root the local content-addressed store.
	StoreDir string
	StateDir string

	// StoreURI selects the destination store; "" means identical to the
	// local store. Supported schemes: file://<dir> (a local binary cache)
	// and s3://<bucket>?region=<region>.
	StoreURI string

	MetricsAddr string

	LogLevels logger.LogLevelConfig

	Runner queuerunner.Config

	EvaluatorWorkers      int
	EvaluatorMaxMemoryMiB int64
}

// LoadConfig reads the daemon configuration. configFile may be empty, in
// which case defaults and environment variables (HYDROGEN_*) apply.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("hydrogen")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_driver", string(store.Postgres))
	v.SetDefault("db_connection_string", "dbname=hydrogen sslmode=disable")
	v.SetDefault("max_db_connections", store.DefaultDatabaseMaxOpenConnections)
	v.SetDefault("store_dir", "/nix/store")
	v.SetDefault("state_dir", "/var/lib/hydrogen")
	v.SetDefault("data_dir", "/var/lib/hydrogen")
	v.SetDefault("log_dir", "/var/log/hydrogen")
	v.SetDefault("store_uri", "")
	v.SetDefault("metrics_addr", "127.0.0.1:9198")
	v.SetDefault("max_output_size", int64(2<<30))
	v.SetDefault("max_log_size", int64(64<<20))
	v.SetDefault("memory_tokens", int64(4<<30))
	v.SetDefault("max_unsupported_time", 0)
	v.SetDefault("upload_logs_to_binary_cache", false)
	v.SetDefault("use-substitutes", false)
	v.SetDefault("gc_roots_dir", "/nix/var/nix/gcroots/hydrogen")
	v.SetDefault("machines_files", []string{})
	v.SetDefault("local_system", "x86_64-linux")
	v.SetDefault("xxx-jobset-repeats", "")
	v.SetDefault("evaluator_workers", 1)
	v.SetDefault("evaluator_max_memory_size", 4096)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %q: %w", configFile, err)
		}
	}

	jobsetRepeats, err := parseJobsetRepeats(v.GetString("xxx-jobset-repeats"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Database: store.DatabaseConfig{
			Driver:             store.DBDriver(v.GetString("db_driver")),
			ConnectionString:   store.DatabaseConnectionString(v.GetString("db_connection_string")),
			MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
			MaxOpenConnections: v.GetInt("max_db_connections"),
		},
		StoreDir:    v.GetString("store_dir"),
		StateDir:    v.GetString("state_dir"),
		StoreURI:    v.GetString("store_uri"),
		MetricsAddr: v.GetString("metrics_addr"),
		LogLevels:   logger.LogLevelConfig(v.GetString("log_levels")),
		Runner: queuerunner.Config{
			MaxOutputSize:           uint64(v.GetInt64("max_output_size")),
			MaxLogSize:              uint64(v.GetInt64("max_log_size")),
			MemoryTokens:            v.GetInt64("memory_tokens"),
			MaxUnsupportedTime:      time.Duration(v.GetInt64("max_unsupported_time")) * time.Second,
			UploadLogsToBinaryCache: v.GetBool("upload_logs_to_binary_cache"),
			RootsDir:                v.GetString("gc_roots_dir"),
			LogDir:                  v.GetString("log_dir"),
			DataDir:                 v.GetString("data_dir"),
			LocalSystem:             v.GetString("local_system"),
			UseSubstitutes:          v.GetBool("use-substitutes"),
			JobsetRepeats:           jobsetRepeats,
			MachinesFiles:           v.GetStringSlice("machines_files"),
		},
		EvaluatorWorkers:      v.GetInt("evaluator_workers"),
		EvaluatorMaxMemoryMiB: v.GetInt64("evaluator_max_memory_size"),
	}
	return config, nil
}

// parseJobsetRepeats parses a whitespace separated list of
// project:jobset:N triples.
func parseJobsetRepeats(value string) (map[string]int, error) {
	repeats := make(map[string]int)
	for _, entry := range strings.Fields(value) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bad value in xxx-jobset-repeats: %q", entry)
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("bad repeat count in xxx-jobset-repeats: %q", entry)
		}
		repeats[parts[0]+":"+parts[1]] = n
	}
	return repeats, nil
}
