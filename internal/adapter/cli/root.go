package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/domain"
	"github.com/arbiterhq/arbiter/internal/store"
)

// ErrVersionRequested indicates the user requested the CLI version and no further work should be done.
var ErrVersionRequested = errors.New("version requested")

// Decider defines the dependency required to run the decide command.
type Decider interface {
	Decide(ctx context.Context, c domain.Case) (domain.DecisionBundle, error)
	ApplyOverride(ctx context.Context, c domain.Case, bundle domain.DecisionBundle, verdict domain.Verdict, rationale string) (domain.DecisionBundle, error)
}

// ArtifactWriter persists a decision bundle as an audit artifact.
type ArtifactWriter interface {
	Write(ctx context.Context, outputDir string, bundle domain.DecisionBundle) (string, error)
}

// Arguments encapsulates IO writers injected from the host process.
type Arguments struct {
	OutWriter io.Writer
	ErrWriter io.Writer
}

// Dependencies captures the collaborators for the CLI.
type Dependencies struct {
	Decider       Decider
	Store         store.PrecedentStore // Optional: precedents subcommands disabled when nil
	Artifacts     ArtifactWriter       // Optional: --output disabled when nil
	Args          Arguments
	DefaultOutput string
	Version       string
}

// NewRootCommand constructs the root Cobra command.
func NewRootCommand(deps Dependencies) *cobra.Command {
	versionString := deps.Version
	if versionString == "" {
		versionString = "v0.0.0"
	}

	root := &cobra.Command{
		Use:   "arbiter",
		Short: "Multi-critic decision engine with precedent consistency",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	outWriter := deps.Args.OutWriter
	if outWriter == nil {
		outWriter = os.Stdout
	}
	errWriter := deps.Args.ErrWriter
	if errWriter == nil {
		errWriter = os.Stderr
	}
	root.SetOut(outWriter)
	root.SetErr(errWriter)

	root.AddCommand(decideCommand(deps))
	root.AddCommand(precedentsCommand(deps.Store))

	var showVersion bool
	root.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
	versionHandler := func(cmd *cobra.Command, args []string) error {
		if showVersion {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), versionString)
			return ErrVersionRequested
		}
		return nil
	}
	root.PersistentPreRunE = versionHandler
	root.PreRunE = versionHandler
	root.RunE = func(cmd *cobra.Command, args []string) error {
		if err := versionHandler(cmd, args); err != nil {
			return err
		}
		return cmd.Help()
	}

	return root
}

func decideCommand(deps Dependencies) *cobra.Command {
	var text string
	var caseDomain string
	var contextPairs []string
	var outputDir string
	var overrideVerdict string
	var overrideReason string

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Evaluate a case against all registered critics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(text) == "" {
				return fmt.Errorf("--text is required")
			}
			caseContext, err := parseContextPairs(contextPairs)
			if err != nil {
				return err
			}
			if overrideVerdict != "" && overrideReason == "" {
				return fmt.Errorf("--override-reason is required when --override is set")
			}

			ctx := cmd.Context()
			c := domain.NewCase(domain.CaseInput{
				Text:    text,
				Domain:  caseDomain,
				Context: caseContext,
			})

			bundle, err := deps.Decider.Decide(ctx, c)
			if err != nil {
				return fmt.Errorf("decide failed: %w", err)
			}

			if overrideVerdict != "" {
				verdict := domain.Verdict(strings.ToUpper(overrideVerdict))
				bundle, err = deps.Decider.ApplyOverride(ctx, c, bundle, verdict, overrideReason)
				if err != nil {
					return fmt.Errorf("override failed: %w", err)
				}
			}

			if outputDir != "" && deps.Artifacts != nil {
				path, err := deps.Artifacts.Write(ctx, outputDir, bundle)
				if err != nil {
					return fmt.Errorf("failed to write audit artifact: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "audit artifact written to %s\n", path)
			}

			return printJSON(cmd.OutOrStdout(), bundle)
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Proposed action text to evaluate")
	cmd.Flags().StringVar(&caseDomain, "domain", "", "Domain tag for the case")
	cmd.Flags().StringSliceVar(&contextPairs, "context", []string{}, "Context key=value pairs")
	cmd.Flags().StringVar(&outputDir, "output", deps.DefaultOutput, "Directory to write the audit artifact (empty disables)")
	cmd.Flags().StringVar(&overrideVerdict, "override", "", "Record a human override verdict (ALLOW, DENY, REVIEW)")
	cmd.Flags().StringVar(&overrideReason, "override-reason", "", "Rationale for the human override")

	return cmd
}

func precedentsCommand(precedents store.PrecedentStore) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "precedents",
		Short: "Inspect the precedent store",
	}
	cmd.AddCommand(precedentsListCommand(precedents))
	cmd.AddCommand(precedentsShowCommand(precedents))
	cmd.AddCommand(precedentsDeprecateCommand(precedents))
	return cmd
}

func precedentsListCommand(precedents store.PrecedentStore) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent precedents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if precedents == nil {
				return fmt.Errorf("precedent store is disabled")
			}
			records, err := precedents.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list precedents: %w", err)
			}
			for _, rec := range records {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), formatRecordLine(rec))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of precedents to list")
	return cmd
}

func precedentsShowCommand(precedents store.PrecedentStore) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one precedent in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if precedents == nil {
				return fmt.Errorf("precedent store is disabled")
			}
			rec, err := precedents.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load precedent: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), newRecordView(rec))
		},
	}
}

func precedentsDeprecateCommand(precedents store.PrecedentStore) *cobra.Command {
	return &cobra.Command{
		Use:   "deprecate <id>",
		Short: "Exclude a precedent from future similarity search",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if precedents == nil {
				return fmt.Errorf("precedent store is disabled")
			}
			if err := precedents.Deprecate(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to deprecate precedent: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "precedent %s deprecated\n", args[0])
			return nil
		},
	}
}

// parseContextPairs converts repeated key=value flags into a context map.
func parseContextPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid context pair %q; expected key=value", p)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}

func formatRecordLine(rec store.Record) string {
	flags := ""
	if rec.Deprecated {
		flags = " [deprecated]"
	}
	return fmt.Sprintf("%s  %s  %-6s  dissent=%s  %s%s",
		rec.ID,
		rec.CreatedAt.Format("2006-01-02 15:04:05"),
		rec.OverallVerdict,
		strconv.FormatFloat(rec.DissentIndex, 'f', 2, 64),
		rec.MigrationStatus,
		flags)
}

// recordView mirrors store.Record with JSON tags for display.
type recordView struct {
	ID              string                 `json:"id"`
	CaseFingerprint string                 `json:"caseFingerprint"`
	OverallVerdict  domain.Verdict         `json:"overallVerdict"`
	DissentIndex    float64                `json:"dissentIndex"`
	Reason          string                 `json:"reason"`
	MigrationStatus domain.MigrationStatus `json:"migrationStatus"`
	Deprecated      bool                   `json:"deprecated"`
	CreatedAt       string                 `json:"createdAt"`
}

func newRecordView(rec store.Record) recordView {
	return recordView{
		ID:              rec.ID,
		CaseFingerprint: rec.CaseFingerprint,
		OverallVerdict:  rec.OverallVerdict,
		DissentIndex:    rec.DissentIndex,
		Reason:          rec.Reason,
		MigrationStatus: rec.MigrationStatus,
		Deprecated:      rec.Deprecated,
		CreatedAt:       rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
