/*
Copyright 2024-2026 ForgeGuard Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package forgeguard

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config is the runtime configuration for a Service.
type Config struct {
	// Classifier produces class probabilities for each uncached submission.
	// Required.
	Classifier Classifier

	// Fingerprinter derives cache keys from decoded images. Defaults to
	// AverageHash.
	Fingerprinter Fingerprinter

	// Cache holds completed analyses. Defaults to an LRUCache built from
	// CacheSize and CacheTTL.
	Cache Cache

	// Events receives one audit record per admitted request. Defaults to an
	// EventLog rooted at LogDir.
	Events *EventLog

	Logger logrus.FieldLogger

	// RateLimitCapacity is the number of requests each client may burst
	// before refills pace it. Defaults to 30 per RateLimitWindow.
	RateLimitCapacity int
	RateLimitWindow   time.Duration

	// CacheSize is the max number of analyses kept. Defaults to 100.
	CacheSize int
	// CacheTTL is how long a cached analysis stays valid. Defaults to 5m.
	CacheTTL time.Duration

	// LogDir is where audit partitions are written. Defaults to ./logs.
	LogDir string
	// LogRetentionDays is how many days of audit partitions to keep.
	// Defaults to 30.
	LogRetentionDays int

	// Workers is the number of pipeline workers. Defaults to the CPU count.
	Workers int

	// InstanceID is a unique identifier for this instance.
	InstanceID string
}

func (c *Config) SetDefaults() error {
	setter.SetDefault(&c.Logger, logrus.WithField("category", "forgeguard"))
	setter.SetDefault(&c.Fingerprinter, &AverageHash{})
	setter.SetDefault(&c.RateLimitCapacity, 30)
	setter.SetDefault(&c.RateLimitWindow, clock.Minute)
	setter.SetDefault(&c.CacheSize, 100)
	setter.SetDefault(&c.CacheTTL, clock.Minute*5)
	setter.SetDefault(&c.LogDir, "./logs")
	setter.SetDefault(&c.LogRetentionDays, 30)
	setter.SetDefault(&c.Workers, runtime.NumCPU())

	if c.Classifier == nil {
		return errors.New("Config.Classifier is required")
	}
	return nil
}

// DaemonConfig is the configuration for a full daemon: the service plus its
// HTTP surface and classifier connection.
type DaemonConfig struct {
	// HTTPListenAddress is the interface and port the HTTP API listens on.
	HTTPListenAddress string

	// ClassifierAddress is the host:port of the model server consulted for
	// uncached submissions.
	ClassifierAddress string
	// ClassifierTimeout bounds a single model server call. Defaults to 30s.
	ClassifierTimeout time.Duration

	CacheSize int
	CacheTTL  time.Duration

	RateLimitCapacity int
	RateLimitWindow   time.Duration

	LogDir           string
	LogRetentionDays int

	Workers int

	// InstanceID is a unique identifier for this instance.
	InstanceID string

	Logger logrus.FieldLogger

	// Classifier overrides the HTTP classifier the daemon would otherwise
	// build from ClassifierAddress. Mainly used by tests.
	Classifier Classifier
}

// SetupDaemonConfig returns a DaemonConfig filled from the environment. If
// configFile is not nil it is read as KEY=VALUE lines and loaded into the
// environment first.
func SetupDaemonConfig(log logrus.FieldLogger, configFile io.Reader) (DaemonConfig, error) {
	var conf DaemonConfig

	if configFile != nil {
		if err := fromEnvFile(log, configFile); err != nil {
			return conf, err
		}
	}

	setter.SetDefault(&conf.Logger, log.WithField("category", "forgeguard"))
	setter.SetDefault(&conf.InstanceID, os.Getenv("FORGEGUARD_INSTANCE_ID"), uuid.NewString()[:8])
	setter.SetDefault(&conf.HTTPListenAddress, os.Getenv("FORGEGUARD_HTTP_ADDRESS"),
		fmt.Sprintf("%s:8890", LocalHost()))
	setter.SetDefault(&conf.ClassifierAddress, os.Getenv("FORGEGUARD_CLASSIFIER_ADDRESS"),
		fmt.Sprintf("%s:9900", LocalHost()))
	setter.SetDefault(&conf.ClassifierTimeout, getEnvDuration(log, "FORGEGUARD_CLASSIFIER_TIMEOUT"), clock.Second*30)
	setter.SetDefault(&conf.CacheSize, getEnvInteger(log, "FORGEGUARD_CACHE_SIZE"), 100)
	setter.SetDefault(&conf.CacheTTL, getEnvDuration(log, "FORGEGUARD_CACHE_TTL"), clock.Minute*5)
	setter.SetDefault(&conf.RateLimitCapacity, getEnvInteger(log, "FORGEGUARD_RATE_LIMIT_CAPACITY"), 30)
	setter.SetDefault(&conf.RateLimitWindow, getEnvDuration(log, "FORGEGUARD_RATE_LIMIT_WINDOW"), clock.Minute)
	setter.SetDefault(&conf.LogDir, os.Getenv("FORGEGUARD_LOG_DIR"), "./logs")
	setter.SetDefault(&conf.LogRetentionDays, getEnvInteger(log, "FORGEGUARD_LOG_RETENTION_DAYS"), 30)
	setter.SetDefault(&conf.Workers, getEnvInteger(log, "FORGEGUARD_WORKERS"), runtime.NumCPU())

	return conf, nil
}

// LocalHost returns the host daemons bind to by default.
func LocalHost() string {
	return "localhost"
}

func getEnvInteger(log logrus.FieldLogger, name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as an integer", name)
		return 0
	}
	return int(i)
}

func getEnvDuration(log logrus.FieldLogger, name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).Errorf("while parsing '%s' as a duration", name)
		return 0
	}
	return d
}

// Take values from a reader in the format `FORGEGUARD_CONF_ITEM=my-value`
// and put them into the environment.  Lines that begin with `#` are ignored.
func fromEnvFile(log logrus.FieldLogger, configFile io.Reader) error {
	contents, err := io.ReadAll(configFile)
	if err != nil {
		return fmt.Errorf("while reading config file: %s", err)
	}

	for i, line := range strings.Split(string(contents), "\n") {
		// Skip comments, empty lines or lines with tabs
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, " ") ||
			strings.HasPrefix(line, "\t") || len(line) == 0 {
			continue
		}

		log.Debugf("config: [%d] '%s'", i, line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return errors.Errorf("malformed key=value on line '%d'", i)
		}
		if err := os.Setenv(parts[0], parts[1]); err != nil {
			return errors.Wrapf(err, "while setting environ for '%s=%s'", parts[0], parts[1])
		}
	}
	return nil
}
