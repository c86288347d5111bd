package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ashureev/agentic-squad/internal/teamconfig"
	"github.com/spf13/cobra"
)

var errInvalidConfigs = errors.New("one or more team configurations are invalid")

// validateCmd checks team configuration files without uploading them.
var validateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Check team configuration files",
	Long: `Check that each file is a JSON document with a "config" object holding a
non-empty "participants" list, and print the participants it declares.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		failed := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				failed++
				fmt.Fprintln(out, errorStyle.Render("✗ "+path+":"), err)
				continue
			}

			participants, err := teamconfig.Validate(data)
			if err != nil {
				failed++
				msg := err.Error()
				if field := teamconfig.FieldOf(err); field != "" {
					msg = fmt.Sprintf("%s (field %s)", msg, field)
				}
				fmt.Fprintln(out, errorStyle.Render("✗ "+path+":"), msg)
				continue
			}

			fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("✓ %s: %d participant(s)", path, len(participants))))
			for _, p := range participants {
				fmt.Fprintf(out, "   %s %s\n", p.Name, infoStyle.Render("("+p.Provider+")"))
			}
		}
		if failed > 0 {
			return errInvalidConfigs
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
