package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/attendhq/attend/internal/config"
	"github.com/attendhq/attend/internal/policy"
	"github.com/attendhq/attend/pkg/protocol"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Validate and test policy files",
	}
	cmd.AddCommand(policyValidateCmd())
	cmd.AddCommand(policyTestCmd())
	return cmd
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse and validate a policy file",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			path := config.PolicyPath()
			if len(args) == 1 {
				path = args[0]
			}
			pol, err := policy.Load(path)
			if err != nil {
				fail(exitPolicy, err)
			}
			if jsonOutput {
				printJSON(map[string]any{
					"ok": true, "rules": len(pol.Rules), "autonomy_mode": string(pol.Mode()),
				})
				return
			}
			fmt.Printf("%s: valid (%d rules, autonomy %s)\n", path, len(pol.Rules), pol.Mode())
		},
	}
}

func policyTestCmd() *cobra.Command {
	var (
		promptText string
		promptType string
		confidence string
		explain    bool
	)
	cmd := &cobra.Command{
		Use:   "test <file>",
		Short: "Evaluate a synthetic prompt against a policy file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			pol, err := policy.Load(args[0])
			if err != nil {
				fail(exitPolicy, err)
			}

			kind := protocol.PromptKind(strings.ToUpper(promptType))
			if !kind.Valid() {
				fail(exitUsage, fmt.Errorf("unknown prompt type %q", promptType))
			}
			conf := protocol.ConfidenceHigh
			switch strings.ToLower(confidence) {
			case "", "high":
			case "med", "medium":
				conf = protocol.ConfidenceMed
			case "low":
				conf = protocol.ConfidenceLow
			default:
				fail(exitUsage, fmt.Errorf("unknown confidence %q", confidence))
			}

			decision := policy.Evaluate(pol, policy.Input{
				Kind:       kind,
				Confidence: conf,
				Excerpt:    promptText,
				Identity:   "local",
			}, policy.NewBuckets().Take)

			if jsonOutput {
				printJSON(decision)
				return
			}
			fmt.Printf("action:  %s\n", decision.Action)
			if decision.RuleID != "" {
				fmt.Printf("rule:    %s\n", decision.RuleID)
			}
			if decision.Value != "" {
				fmt.Printf("value:   %q\n", decision.Value)
			}
			fmt.Printf("reason:  %s\n", decision.Reason)
			if explain {
				fmt.Println("\nrule evaluations:")
				for _, ev := range decision.Evaluations {
					line := fmt.Sprintf("  %-24s matched=%v", ev.RuleID, ev.Matched)
					if ev.FailingCriterion != "" {
						line += "  failed=" + ev.FailingCriterion
					}
					if ev.Diagnostic != "" {
						line += "  (" + ev.Diagnostic + ")"
					}
					fmt.Println(line)
				}
			}
		},
	}
	cmd.Flags().StringVar(&promptText, "prompt", "", "prompt excerpt to evaluate")
	cmd.Flags().StringVar(&promptType, "type", "YES_NO", "prompt type (YES_NO, NUMBERED_CHOICE, ...)")
	cmd.Flags().StringVar(&confidence, "confidence", "high", "detection confidence (high, med, low)")
	cmd.Flags().BoolVar(&explain, "explain", false, "print per-rule evaluation results")
	return cmd
}
