package runloop

import (
	"time"
)

// Config bounds one control loop execution.
type Config struct {
	// MaxIterations caps the number of model calls per run.
	MaxIterations int
	// StuckWindow is the number of consecutive identical tool-call batch
	// signatures that terminates the run as a loop.
	StuckWindow int
	// FailureBudget is the per-tool failure count after which the tool is
	// disabled for the rest of the run. The same budget bounds consecutive
	// model call failures before the run is declared failed.
	FailureBudget int
	// ToolTimeout caps one tool invocation.
	ToolTimeout time.Duration
}

func NewConfig() Config {
	return Config{
		MaxIterations: 10,
		StuckWindow:   3,
		FailureBudget: 3,
		ToolTimeout:   30 * time.Second,
	}
}

func (c Config) WithMaxIterations(n int) Config {
	c.MaxIterations = n
	return c
}

func (c Config) WithStuckWindow(n int) Config {
	c.StuckWindow = n
	return c
}

func (c Config) WithFailureBudget(n int) Config {
	c.FailureBudget = n
	return c
}

func (c Config) WithToolTimeout(d time.Duration) Config {
	c.ToolTimeout = d
	return c
}
