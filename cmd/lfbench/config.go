// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables read by loadConfig.
const (
	envGoroutines = "LFBENCH_GOROUTINES"
	envOps        = "LFBENCH_OPS"
	envIDs        = "LFBENCH_IDS"
	envRecord     = "LFBENCH_RECORD"
	envPort       = "LFBENCH_PORT"
)

// benchConfig holds the benchmark parameters.
type benchConfig struct {
	Goroutines []int  `json:"goroutines"`
	Ops        int    `json:"ops"`
	IDs        int    `json:"ids"`
	Record     string `json:"record"`
	Serve      bool   `json:"serve"`
	Port       int    `json:"port"`
	Format     string `json:"format"`
}

// defaultBenchConfig returns the configuration used when nothing overrides it.
func defaultBenchConfig() benchConfig {
	return benchConfig{
		Goroutines: []int{1, 2, 4, 8, 16, 32},
		Ops:        10000,
		IDs:        16,
		Port:       0,
		Format:     "text",
	}
}

// loadConfig returns the defaults overridden by the environment. If envFile
// names an existing file, its variables are loaded first; variables already set
// in the process environment take precedence over the file.
func loadConfig(envFile string) (benchConfig, error) {
	config := defaultBenchConfig()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if v, ok := os.LookupEnv(envGoroutines); ok {
		counts, err := parseCounts(v)
		if err != nil {
			return config, fmt.Errorf("%s: %w", envGoroutines, err)
		}
		config.Goroutines = counts
	}
	if v, ok := os.LookupEnv(envOps); ok {
		n, err := parsePositive(v)
		if err != nil {
			return config, fmt.Errorf("%s: %w", envOps, err)
		}
		config.Ops = n
	}
	if v, ok := os.LookupEnv(envIDs); ok {
		n, err := parsePositive(v)
		if err != nil {
			return config, fmt.Errorf("%s: %w", envIDs, err)
		}
		config.IDs = n
	}
	if v, ok := os.LookupEnv(envRecord); ok {
		config.Record = v
	}
	if v, ok := os.LookupEnv(envPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config, fmt.Errorf("%s: %w", envPort, err)
		}
		config.Port = n
	}

	return config, nil
}

// parseCounts parses a comma separated list of positive integers.
func parseCounts(s string) ([]int, error) {
	var counts []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := parsePositive(field)
		if err != nil {
			return nil, err
		}
		counts = append(counts, n)
	}
	if len(counts) == 0 {
		return nil, errors.New("no goroutine counts given")
	}
	return counts, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("%d is not positive", n)
	}
	return n, nil
}
