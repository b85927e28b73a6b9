// Package cli implements the hydroprep command line: a flarc command group
// whose subcommands load the project configuration, build the stage set and
// drive, inspect or undo a conversion.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/youta-t/flarc"

	"hydroprep/internal/config"
	"hydroprep/internal/core"
	"hydroprep/internal/stages"
)

// CommonFlags are accepted by every subcommand.
type CommonFlags struct {
	Config   string `flag:"config" alias:"c" help:"path to the project configuration file"`
	LogLevel string `flag:"log-level" help:"override log.level (debug|info|warn|error)"`
}

// DefaultCommonFlags returns the flag values used when none are given.
func DefaultCommonFlags() CommonFlags {
	return CommonFlags{Config: "hydroprep.yaml"}
}

// Env is what a subcommand task receives after the common flags are
// processed.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	Deps   stages.Deps
	Stages []core.Stage
}

// Task is a subcommand body.
type Task[T any] func(ctx context.Context, env Env, cl flarc.Commandline[T], params []any) error

// App holds the collaborators shared by all subcommands and the exit code of
// the last task that ran.
type App struct {
	Deps stages.Deps
	// Stages builds the stage set. Nil means stages.FromConfig.
	Stages func(*config.Config, stages.Deps) []core.Stage

	ran  bool
	code int
}

// ExitCode returns the semantic exit code of the last task. flarcCode is
// what flarc.Run returned; it only counts when no task ran, which means
// flags or arguments were rejected.
func (a *App) ExitCode(flarcCode int) int {
	if a.ran {
		return a.code
	}
	if flarcCode != 0 {
		return ExitInvalidInvocation
	}
	return ExitSuccess
}

func (a *App) buildStages(cfg *config.Config) []core.Stage {
	if a.Stages != nil {
		return a.Stages(cfg, a.Deps)
	}
	return stages.FromConfig(cfg, a.Deps)
}

// Command returns the hydroprep command group.
func (a *App) Command() (flarc.Command, error) {
	run, err := newRunCommand(a)
	if err != nil {
		return nil, err
	}
	status, err := newStatusCommand(a)
	if err != nil {
		return nil, err
	}
	lookup, err := newLookupCommand(a)
	if err != nil {
		return nil, err
	}
	graph, err := newGraphCommand(a)
	if err != nil {
		return nil, err
	}
	revert, err := newRevertCommand(a)
	if err != nil {
		return nil, err
	}
	return flarc.NewCommandGroup(
		"Prepare a watershed modelling project from raw geospatial sources.",
		DefaultCommonFlags(),
		flarc.WithSubcommand("run", run),
		flarc.WithSubcommand("status", status),
		flarc.WithSubcommand("lookup", lookup),
		flarc.WithSubcommand("graph", graph),
		flarc.WithSubcommand("revert", revert),
	)
}

// newTask loads the configuration named by the common flags, sets up the
// logger and records the task's exit code on a.
func newTask[T any](a *App, task Task[T]) flarc.Task[T] {
	return func(ctx context.Context, cl flarc.Commandline[T], pos []any) error {
		err := func() error {
			var common CommonFlags
			found := false
			rest := make([]any, 0, len(pos))
			for _, p := range pos {
				switch v := p.(type) {
				case CommonFlags:
					found = true
					common = v
				default:
					rest = append(rest, p)
				}
			}
			if !found {
				return errors.New("programming error: common flags not found")
			}
			if common.Config == "" {
				return fmt.Errorf("%w: --config is required", flarc.ErrUsage)
			}

			cfg, err := config.Load(common.Config)
			if err != nil {
				return err
			}
			level := cfg.Log.Level
			if common.LogLevel != "" {
				level = common.LogLevel
			}
			logger, err := NewLogger(cl.Stderr(), level, cfg.Log.Format)
			if err != nil {
				if common.LogLevel != "" {
					return fmt.Errorf("%w: %s", flarc.ErrUsage, err)
				}
				return &config.Error{Path: cfg.File, Err: err}
			}

			env := Env{Config: cfg, Logger: logger, Deps: a.Deps, Stages: a.buildStages(cfg)}
			return task(ctx, env, cl, rest)
		}()
		a.ran = true
		a.code = ExitCode(err)
		return err
	}
}

// NewLogger builds the slog logger for level and format ("text" or "json").
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("log level %q is not supported (debug|info|warn|error)", level)
	}
	opts := &slog.HandlerOptions{Level: lv}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q is not supported (text|json)", format)
	}
}
