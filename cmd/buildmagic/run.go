package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zen-systems/buildmagic/pkg/config"
	"github.com/zen-systems/buildmagic/pkg/evidence"
	"github.com/zen-systems/buildmagic/pkg/output"
	"github.com/zen-systems/buildmagic/pkg/pipeline"
	"github.com/zen-systems/buildmagic/pkg/schema"
	"golang.org/x/term"
)

type runOptions struct {
	commands       []string
	configs        []string
	targets        []string
	skip           []string
	runner         string
	environment    string
	wd             string
	copyFrom       string
	name           string
	action         string
	continueOnFail bool
	parameters     []string
	variables      []string
	prompts        []string
	dotenv         string
	plain          bool
	quiet          bool
	fancy          bool
	verbose        bool
	timeout        time.Duration
	report         string
}

// promptFunc reads a secret value for a named variable.
type promptFunc func(name string) (string, error)

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [ARGS]...",
		Short: "Execute commands or stages",
		Long: `Runs a job built from the command line or from stage files.

	ARGS has one of three meanings:
	  1. With --command, each argument is an artifact copied from --copy.
	  2. With a build-magic.yaml in the current directory, each argument names
	     a stage to run, or "all" for every stage.
	  3. Otherwise ARGS are joined into a single command to execute.`,
		Example: `  buildmagic run tar -czf myfiles.tar.gz file1.txt file2.txt
	  buildmagic run -c build="make all" -c test="make test"
	  buildmagic run -r docker -e alpine:latest -c execute="uname -a"
	  buildmagic run -C myconfig.yaml -t build`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, &opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&opts.commands, "command", "c", nil, "a DIRECTIVE=COMMAND pair to execute (repeatable)")
	flags.StringArrayVarP(&opts.configs, "config", "C", nil, "stage file to load (repeatable)")
	flags.StringArrayVarP(&opts.skip, "skip", "s", nil, "skip the named stage (repeatable)")
	flags.StringArrayVarP(&opts.targets, "target", "t", nil, "run the named stage of a stage file (repeatable)")
	flags.StringVarP(&opts.runner, "runner", "r", "", "command runner (local, remote, vagrant, docker)")
	flags.StringVarP(&opts.environment, "environment", "e", "", "runner environment: host, Vagrantfile path or image")
	flags.StringVar(&opts.wd, "wd", "", "working directory to run commands from")
	flags.StringVar(&opts.copyFrom, "copy", "", "directory to copy artifacts from")
	flags.StringVar(&opts.name, "name", "", "stage name for command line stages")
	flags.StringVar(&opts.action, "action", "", "setup and teardown action (default, cleanup, persist)")
	flags.BoolVar(&opts.continueOnFail, "continue", false, "keep running after a command fails")
	flags.StringArrayVarP(&opts.parameters, "parameter", "p", nil, "runner parameter as key=value (repeatable)")
	flags.StringArrayVarP(&opts.variables, "variable", "v", nil, "stage file variable as key=value (repeatable)")
	flags.StringArrayVar(&opts.prompts, "prompt", nil, "stage file variable to prompt for (repeatable)")
	flags.StringVar(&opts.dotenv, "dotenv", "", "dotenv file with environment variables for every stage")
	flags.BoolVar(&opts.plain, "plain", false, "basic output for logs and automation")
	flags.BoolVar(&opts.quiet, "quiet", false, "suppress all output")
	flags.BoolVar(&opts.fancy, "fancy", false, "styled output for interactive terminals")
	flags.BoolVar(&opts.verbose, "verbose", false, "print the stdout of each command")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-command timeout")
	flags.StringVar(&opts.report, "report", "", "directory to write a JSON run report into")

	return cmd
}

func runJob(cmd *cobra.Command, opts *runOptions, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), orDefault(logLevelFlag, cfg.LogLevel))
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	plan, err := planJob(opts, args, cwd, terminalPrompt(cmd.InOrStdin(), cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	if len(plan.specs) == 0 {
		if len(opts.targets) > 0 {
			return inputError(fmt.Errorf("target %s not found among %v", opts.targets[0], plan.stageNames))
		}
		_ = cmd.Usage()
		return &exitError{code: int(schema.ExitNoTests)}
	}

	kind, err := schema.ParseOutputType(outputKind(opts, cfg.Output))
	if err != nil {
		return inputError(err)
	}
	out, err := output.New(kind, output.Options{
		Out:     cmd.OutOrStdout(),
		Err:     cmd.ErrOrStderr(),
		Version: version,
	})
	if err != nil {
		return inputError(err)
	}

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	buildOpts := pipeline.BuildOptions{
		Output:  out,
		Logger:  logger,
		Verbose: opts.verbose || cfg.Verbose,
		Timeout: timeout,
	}
	stages := make([]*pipeline.Stage, 0, len(plan.specs))
	for _, spec := range plan.specs {
		stage, err := pipeline.Build(spec, buildOpts)
		if err != nil {
			logger.Debug().Err(err).Str("stage", spec.String()).Msg("stage rejected")
			return err
		}
		stages = append(stages, stage)
	}

	started := time.Now()
	var report *evidence.Writer
	if opts.report != "" {
		report, err = evidence.NewWriter(opts.report, evidence.NewRunID(started))
		if err != nil {
			return inputError(fmt.Errorf("failed to create report directory: %w", err))
		}
	}

	engine := pipeline.NewEngine(stages, pipeline.EngineOptions{
		Output:         out,
		Logger:         logger,
		ContinueOnFail: opts.continueOnFail,
		Report:         report,
	})
	code, runErr := engine.Run(cmd.Context())

	if report != nil {
		record := evidence.RunRecord{
			ID:             filepath.Base(report.RunDir()),
			Timestamp:      started.UTC(),
			ConfigFiles:    plan.configFiles,
			Workspace:      cwd,
			ExitCode:       exitCodeFor(code, runErr),
			DurationMillis: time.Since(started).Milliseconds(),
			ToolVersions:   map[string]string{"buildmagic": version},
		}
		if runErr != nil {
			record.Error = runErr.Error()
		}
		if err := report.WriteRun(record); err != nil {
			logger.Warn().Err(err).Msg("failed to write run report")
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return runErr
		}
		// The engine has already reported the failure.
		return &exitError{code: exitCode(runErr)}
	}
	if code != int(schema.ExitPassed) {
		return &exitError{code: code}
	}
	return nil
}

func exitCodeFor(code int, err error) int {
	if err != nil {
		return exitCode(err)
	}
	return code
}

func outputKind(opts *runOptions, fallback string) string {
	switch {
	case opts.quiet:
		return string(schema.OutputSilent)
	case opts.plain:
		return string(schema.OutputBasic)
	case opts.fancy:
		return string(schema.OutputTty)
	}
	return fallback
}

// jobPlan is the set of stages a run will build.
type jobPlan struct {
	specs       []pipeline.StageSpec
	configFiles []string
	// stageNames lists every named stage seen while planning.
	stageNames []string
}

// planJob turns flags and arguments into stage specs. Command line flags
// override the values loaded from stage files.
func planJob(opts *runOptions, args []string, cwd string, prompt promptFunc) (*jobPlan, error) {
	defaultFile, err := config.FindDefault(cwd)
	if err != nil {
		return nil, inputError(err)
	}
	configs := append([]string(nil), opts.configs...)
	implicitDefault := false
	if defaultFile != "" && !containsFile(configs, defaultFile) {
		configs = append([]string{defaultFile}, configs...)
		implicitDefault = true
	}

	params, err := parsePairs(opts.parameters)
	if err != nil {
		return nil, inputError(fmt.Errorf("invalid parameter: %w", err))
	}
	baseEnv := map[string]string{}
	if opts.dotenv != "" {
		baseEnv, err = godotenv.Read(opts.dotenv)
		if err != nil {
			return nil, inputError(fmt.Errorf("failed to read dotenv file %s: %w", opts.dotenv, err))
		}
	}

	plan := &jobPlan{}
	seq := 0
	adhoc := func(directives, commands, artifacts []string) {
		seq++
		plan.specs = append(plan.specs, pipeline.StageSpec{
			Sequence:    seq,
			Name:        opts.name,
			Runner:      string(schema.RunnerLocal),
			Environment: opts.environment,
			Action:      string(schema.ActionDefault),
			Directives:  directives,
			Commands:    commands,
			Artifacts:   artifacts,
			CopyFrom:    opts.copyFrom,
			WorkingDir:  opts.wd,
			Parameters:  params,
			Env:         copyEnv(baseEnv),
		})
	}
	fromFile := func(stage config.StageConfig) error {
		seq++
		spec, err := stage.Spec(seq)
		if err != nil {
			return inputError(err)
		}
		spec.Env = mergeEnv(baseEnv, spec.Env)
		if len(params) > 0 {
			spec.Parameters = append(spec.Parameters, params...)
		}
		plan.specs = append(plan.specs, spec)
		return nil
	}

	switch {
	case len(opts.commands) > 0:
		var directives, commands []string
		for _, raw := range opts.commands {
			directive, command, ok := strings.Cut(raw, "=")
			if !ok {
				return nil, inputError(fmt.Errorf("command %q must be DIRECTIVE=COMMAND", raw))
			}
			directives = append(directives, directive)
			commands = append(commands, command)
		}
		adhoc(directives, commands, args)

	case len(configs) > 0:
		vars, err := parseVariables(opts.variables)
		if err != nil {
			return nil, inputError(fmt.Errorf("invalid variable: %w", err))
		}
		if err := promptVariables(configs, opts.prompts, vars, prompt); err != nil {
			return nil, err
		}
		files, err := config.LoadStageFiles(configs, vars)
		if err != nil {
			return nil, inputError(err)
		}
		plan.configFiles = configs

		for _, file := range files {
			names := file.StageNames()
			plan.stageNames = append(plan.stageNames, names...)
			isDefault := config.IsDefaultName(file.Path)

			switch {
			case len(opts.targets) > 0:
				for _, target := range opts.targets {
					if stage, ok := file.Stage(target); ok {
						if err := fromFile(stage); err != nil {
							return nil, err
						}
					}
				}
			case len(args) > 0 && isDefault:
				if err := planDefaultArgs(file, args, fromFile, adhoc); err != nil {
					return nil, err
				}
			case implicitDefault && file.Path == defaultFile:
				// A default file picked up from the directory only runs when named.
				continue
			default:
				for _, stage := range file.Stages {
					if err := fromFile(stage); err != nil {
						return nil, err
					}
				}
			}
		}

	case len(args) > 0:
		adhoc([]string{string(schema.DirectiveExecute)}, []string{strings.Join(args, " ")}, nil)
	}

	for i := range plan.specs {
		spec := &plan.specs[i]
		if opts.action != "" {
			spec.Action = opts.action
		}
		if opts.environment != "" {
			spec.Environment = opts.environment
		}
		if opts.copyFrom != "" {
			spec.CopyFrom = opts.copyFrom
		}
		if opts.wd != "" {
			spec.WorkingDir = opts.wd
		}
		if opts.runner != "" {
			spec.Runner = opts.runner
		}
	}
	if err := markSkipped(plan.specs, opts.skip); err != nil {
		return nil, err
	}
	return plan, nil
}

// markSkipped flags the named stages as skipped. Every name must belong to
// a planned stage.
func markSkipped(specs []pipeline.StageSpec, names []string) error {
	if len(names) == 0 {
		return nil
	}
	planned := make([]string, 0, len(specs))
	for _, spec := range specs {
		planned = append(planned, spec.Name)
	}
	for _, name := range names {
		found := false
		for i := range specs {
			if specs[i].Name == name {
				specs[i].Skip = true
				found = true
			}
		}
		if !found {
			return inputError(fmt.Errorf("cannot skip stage %s because it was not found in %v", name, planned))
		}
	}
	return nil
}

// planDefaultArgs treats args as stage names of the default file, "all" for
// every stage, or else as one command to execute.
func planDefaultArgs(file *config.StageFile, args []string, fromFile func(config.StageConfig) error, adhoc func(directives, commands, artifacts []string)) error {
	for _, arg := range args {
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			continue
		}
		target := fields[0]
		if target == "all" {
			for _, stage := range file.Stages {
				if err := fromFile(stage); err != nil {
					return err
				}
			}
			continue
		}
		if stage, ok := file.Stage(target); ok {
			if err := fromFile(stage); err != nil {
				return err
			}
			continue
		}
		adhoc([]string{string(schema.DirectiveExecute)}, []string{strings.Join(args, " ")}, nil)
		return nil
	}
	return nil
}

// promptVariables reads a value for every prompted variable not already set.
// Prompted values are wrapped so they are masked wherever commands are shown.
func promptVariables(configs, prompts []string, vars map[string]string, prompt promptFunc) error {
	names := append([]string(nil), prompts...)
	for _, path := range configs {
		info, err := config.ReadInfo(path)
		if err != nil {
			return inputError(err)
		}
		names = append(names, info.Prompt...)
	}
	for _, name := range names {
		if _, ok := vars[name]; ok {
			continue
		}
		value, err := prompt(name)
		if err != nil {
			return inputError(fmt.Errorf("failed to read %s: %w", name, err))
		}
		vars[name] = schema.PromptStart + value + schema.PromptEnd
	}
	return nil
}

// terminalPrompt reads secrets without echo when in is a terminal and falls
// back to reading a line otherwise.
func terminalPrompt(in io.Reader, w io.Writer) promptFunc {
	reader := bufio.NewReader(in)
	return func(name string) (string, error) {
		fmt.Fprintf(w, "%s: ", name)
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			value, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(w)
			return string(value), err
		}
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

func parsePairs(raw []string) ([][2]string, error) {
	pairs := make([][2]string, 0, len(raw))
	for _, item := range raw {
		key, value, ok := strings.Cut(item, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q must be key=value", item)
		}
		pairs = append(pairs, [2]string{key, value})
	}
	return pairs, nil
}

func parseVariables(raw []string) (map[string]string, error) {
	pairs, err := parsePairs(raw)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		vars[p[0]] = p[1]
	}
	return vars, nil
}

func containsFile(paths []string, target string) bool {
	for _, p := range paths {
		if sameFile(p, target) {
			return true
		}
	}
	return false
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

func copyEnv(env map[string]string) map[string]string {
	return mergeEnv(env, nil)
}

func mergeEnv(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
