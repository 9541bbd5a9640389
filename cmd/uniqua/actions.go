package main

import (
	"fmt"
	"io"
	"strings"

	"uniqua/internal/action"
	"uniqua/internal/character"
	"uniqua/internal/domain"
	"uniqua/internal/uniquafy"

	"github.com/spf13/cobra"
)

func actionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions [name]",
		Short: "Describe the actions the bot answers to",
		Long:  "Lists every registered action with its similes, description and example exchanges. A name or simile limits the output to one action.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			char, err := character.LoadOrDefault(cfg.General.CharacterFile)
			if err != nil {
				return fmt.Errorf("character: %w", err)
			}
			reg, err := newActionRegistry(uniquafy.ActionConfig{Character: char, Logger: logger})
			if err != nil {
				return err
			}

			actions := reg.Actions()
			if len(args) == 1 {
				a := reg.Get(args[0])
				if a == nil {
					return fmt.Errorf("unknown action %q (known: %s)", args[0], strings.Join(reg.Names(), ", "))
				}
				actions = []domain.Action{a}
			}
			writeActions(cmd.OutOrStdout(), actions)
			return nil
		},
	}
}

// newActionRegistry registers every action the bot serves.
func newActionRegistry(cfg uniquafy.ActionConfig) (*action.Registry, error) {
	reg := action.NewRegistry(logger)
	if err := reg.Register(uniquafy.NewAction(cfg)); err != nil {
		return nil, err
	}
	return reg, nil
}

func writeActions(w io.Writer, actions []domain.Action) {
	for i, a := range actions {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s\n", a.Name())
		if similes := a.Similes(); len(similes) > 0 {
			fmt.Fprintf(w, "  similes:     %s\n", strings.Join(similes, ", "))
		}
		fmt.Fprintf(w, "  description: %s\n", a.Description())
		for j, convo := range a.Examples() {
			fmt.Fprintf(w, "  example %d:\n", j+1)
			for _, turn := range convo {
				line := fmt.Sprintf("    %s: %s", turn.User, turn.Text)
				if turn.Action != "" {
					line += " [" + turn.Action + "]"
				}
				fmt.Fprintln(w, line)
			}
		}
	}
}
