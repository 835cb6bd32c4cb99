package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/flowdesk/internal/definition"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check workflow definition files without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := definition.NewLoader()
			validator := definition.NewValidator()
			out := cmd.OutOrStdout()

			failed := 0
			for _, path := range args {
				def, err := loader.LoadFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}
				errs := validator.Validate(def)
				if len(errs) == 0 {
					fmt.Fprintf(out, "%s: ok (%d nodes, %d edges)\n", path, len(def.Nodes), len(def.Edges))
					continue
				}
				failed++
				fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(errs))
				for _, e := range errs {
					fmt.Fprintf(out, "  %s [%s] %s\n", e.Path, e.Code, e.Message)
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d definition(s) invalid", failed, len(args))
			}
			return nil
		},
	}
}
