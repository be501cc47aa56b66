package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is stamped at build time with -ldflags "-X .../shared.Version=...".
var Version = "dev"

func GetenvString(raw string) (string, error) { return raw, nil }

func GetenvInt(raw string) (int, error) { return strconv.Atoi(raw) }

func GetenvBool(raw string) (bool, error) { return strconv.ParseBool(raw) }

func GetenvDuration(raw string) (time.Duration, error) { return time.ParseDuration(raw) }

// Getenv reads key and parses it. A missing key yields def, or an error
// when required is set.
func Getenv[T any](parse func(string) (T, error), key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse func(string) (T, error), key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
