// Package envconfig reads process configuration from the environment.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

var (
	// Set via CTRLNET_DEBUG in the environment
	Debug bool
	// Set via CTRLNET_NUM_THREADS in the environment
	NumThreads int
	// Set via CTRLNET_WORLD_SIZE in the environment
	WorldSize int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CTRLNET_DEBUG":       {"CTRLNET_DEBUG", Debug, "Show additional debug information (e.g. CTRLNET_DEBUG=1)"},
		"CTRLNET_NUM_THREADS": {"CTRLNET_NUM_THREADS", NumThreads, "Worker goroutines for cpu backend matmul (default NumCPU)"},
		"CTRLNET_WORLD_SIZE":  {"CTRLNET_WORLD_SIZE", WorldSize, "Sequence-parallel worker group size (default 1)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

func clean(key string) string {
	return os.Getenv(key)
}

// LoadConfig reads the environment. Invalid values fall back to defaults with
// a warning rather than failing startup.
func LoadConfig() {
	Debug = false
	if d := clean("CTRLNET_DEBUG"); d != "" {
		Debug = d != "0" && d != "false"
	}

	NumThreads = 0
	if n := clean("CTRLNET_NUM_THREADS"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v < 0 {
			slog.Warn("invalid CTRLNET_NUM_THREADS", "value", n)
		} else {
			NumThreads = v
		}
	}

	WorldSize = 1
	if n := clean("CTRLNET_WORLD_SIZE"); n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v < 1 {
			slog.Warn("invalid CTRLNET_WORLD_SIZE", "value", n)
		} else {
			WorldSize = v
		}
	}
}

func init() {
	LoadConfig()
}
