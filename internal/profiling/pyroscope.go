// Package profiling starts optional Pyroscope continuous profiling for the
// service process.
package profiling

import (
	"fmt"
	"os"
	"runtime"

	"github.com/grafana/pyroscope-go"
)

// Profiler holds a running Pyroscope session.
type Profiler struct {
	profiler *pyroscope.Profiler
}

// Start initializes continuous profiling when ENABLE_CONTINUOUS_PROFILING is
// "true". Configuration comes from PYROSCOPE_SERVER_URL (default
// http://pyroscope:4040) and PYROSCOPE_ENVIRONMENT (default development).
// Returns (nil, nil) when profiling is disabled.
func Start(serviceName, version string) (*Profiler, error) {
	if os.Getenv("ENABLE_CONTINUOUS_PROFILING") != "true" {
		return nil, nil
	}

	serverURL := os.Getenv("PYROSCOPE_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://pyroscope:4040"
	}
	environment := os.Getenv("PYROSCOPE_ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: fmt.Sprintf("kangklip.%s", serviceName),
		ServerAddress:   serverURL,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
		Tags: map[string]string{
			"environment": environment,
			"version":     version,
			"hostname":    hostname(),
			"go_version":  runtime.Version(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start pyroscope profiler: %w", err)
	}
	return &Profiler{profiler: profiler}, nil
}

// Stop gracefully stops the profiler. Safe on a nil receiver.
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}
	return p.profiler.Stop()
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
