package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dossier/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate domain bundles",
	}
	cmd.AddCommand(newConfigValidateCmd(), newConfigShowCmd(), newConfigListCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <name|path>...",
		Short: "Check that bundles parse, reference known stages and compile their rules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, ref := range args {
				d, err := config.Resolve(ref)
				if err == nil {
					_, err = planFor(d)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", ref, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", ref, d.Name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bundle(s) invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	var flags struct {
		format string
	}
	cmd := &cobra.Command{
		Use:   "show <name|path>",
		Short: "Print a bundle with defaults applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := config.Resolve(args[0])
			if err != nil {
				return err
			}
			d = d.WithDefaults()
			out := cmd.OutOrStdout()
			switch flags.format {
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				if err := enc.Encode(d); err != nil {
					return err
				}
				return enc.Close()
			case "toml":
				return toml.NewEncoder(out).Encode(d)
			case "json":
				return writeJSON(out, d)
			}
			return fmt.Errorf("unknown format %q (want yaml, toml or json)", flags.format)
		},
	}
	cmd.Flags().StringVarP(&flags.format, "format", "f", "yaml", "Output format (yaml, toml, json)")
	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in domains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range config.BuiltinNames() {
				d, err := config.Builtin(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", name, d.Description)
			}
			return nil
		},
	}
}
