package app

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// ErrMissingConfigKey and ErrInvalidConfigValue are the two distinct failure
// classes spec §6 requires: a key absent from both the environment and the
// optional dotenv overlay, versus a key present but not parseable.
var (
	ErrMissingConfigKey   = errors.New("config: missing key")
	ErrInvalidConfigValue = errors.New("config: invalid value")
)

// Config holds the four parameters spec §6 names as consumed from the
// environment (and an optional local ".env" overlay loaded first, env vars
// always take priority, mirroring original_source/server/main.py's
// env-then-file precedence).
type Config struct {
	Port             int
	ListenBacklog    int
	NumberOfAgencies int
	LoggingLevel     string
}

// LoadConfig reads SERVER_PORT, SERVER_LISTEN_BACKLOG, NUM_AGENCIES and
// LOGGING_LEVEL, overlaying a ".env" file in the working directory if one
// exists (absence of the file is not an error).
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	port, err := requiredInt("SERVER_PORT")
	if err != nil {
		return Config{}, err
	}

	backlog, err := requiredInt("SERVER_LISTEN_BACKLOG")
	if err != nil {
		return Config{}, err
	}

	level, ok := os.LookupEnv("LOGGING_LEVEL")
	if !ok || level == "" {
		return Config{}, errors.Wrap(ErrMissingConfigKey, "LOGGING_LEVEL")
	}

	numAgencies, err := requiredInt("NUM_AGENCIES")
	if err != nil {
		return Config{}, err
	}

	return Config{
		Port:             port,
		ListenBacklog:    backlog,
		NumberOfAgencies: numAgencies,
		LoggingLevel:     level,
	}, nil
}

func requiredInt(key string) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, errors.Wrap(ErrMissingConfigKey, key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidConfigValue, "%s: %v", key, err)
	}
	return v, nil
}

func optionalInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidConfigValue, "%s: %v", key, err)
	}
	return v, nil
}
