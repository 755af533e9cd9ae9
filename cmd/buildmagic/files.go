package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zen-systems/buildmagic/pkg/config"
	"github.com/zen-systems/buildmagic/pkg/output"
	"github.com/zen-systems/buildmagic/pkg/pipeline"
)

func validateCmd() *cobra.Command {
	var variables []string

	cmd := &cobra.Command{
		Use:   "validate [FILE]...",
		Short: "Validate stage files",
		Long: `Checks stage files against the schema and builds every stage without
	running it. Defaults to the build-magic.yaml in the current directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := stageFiles(args)
			if err != nil {
				return err
			}
			vars, err := parseVariables(variables)
			if err != nil {
				return inputError(fmt.Errorf("invalid variable: %w", err))
			}
			files, err := config.LoadStageFiles(paths, vars)
			if err != nil {
				return inputError(err)
			}

			for _, file := range files {
				for i, stage := range file.Stages {
					spec, err := stage.Spec(i + 1)
					if err != nil {
						return inputError(err)
					}
					if _, err := pipeline.Build(spec, pipeline.BuildOptions{Output: output.Silent{}}); err != nil {
						return inputError(fmt.Errorf("%s: %s: %w", file.Path, spec, err))
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d stages).\n", file.Path, len(file.Stages))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&variables, "variable", "v", nil, "stage file variable as key=value (repeatable)")

	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [FILE]...",
		Short: "Show stage file metadata, variables and stage names",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := stageFiles(args)
			if err != nil {
				return err
			}
			for _, path := range paths {
				info, err := config.ReadInfo(path)
				if err != nil {
					return inputError(err)
				}
				if err := info.Write(cmd.OutOrStdout(), len(paths) > 1); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func templateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "template [DIR]",
		Short: "Generate a stage file template",
		Long:  "Writes " + config.TemplateName + " into DIR, or the current directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := config.WriteTemplate(dir)
			if err != nil {
				return inputError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}
}

// stageFiles returns args, or the default stage file of the current
// directory when args is empty.
func stageFiles(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	path, err := config.FindDefault(cwd)
	if err != nil {
		return nil, inputError(err)
	}
	if path == "" {
		return nil, inputError(fmt.Errorf("no config files specified"))
	}
	return []string{path}, nil
}
