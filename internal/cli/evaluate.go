package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rules/internal/logger"
	"github.com/liamcoop/rules/multitenantengine"
	"github.com/liamcoop/rules/rules"
)

// EvaluateOptions holds the evaluate command flags
type EvaluateOptions struct {
	FactsFile                string
	Rules                    []string
	DatabaseURL              string
	AllowUndefinedFacts      bool
	AllowUndefinedConditions bool
	FailOnError              bool
}

// EvaluateOutput is the data of a JSON evaluate response
type EvaluateOutput struct {
	Tenant  string                    `json:"tenant"`
	Results []*rules.EvaluationResult `json:"results"`
	Events  []rules.Event             `json:"events"`
	Errors  int                       `json:"errors"`
}

// NewEvaluateCommand creates the evaluate command
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate <tenant-file>",
		Short: "Evaluate a tenant's rules against facts",
		Long: `Evaluate the rules of a tenant file against runtime facts.

Facts are read from a JSON or YAML file, or from stdin with --facts -.
Query facts run against --database-url; without it they fail the rules
that use them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd.Context(), rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.FactsFile, "facts", "f", "", "facts file (.json, .yaml or - for stdin)")
	cmd.Flags().StringSliceVarP(&opts.Rules, "rule", "r", nil, "evaluate only these rule IDs")
	cmd.Flags().StringVar(&opts.DatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL for query facts")
	cmd.Flags().BoolVar(&opts.AllowUndefinedFacts, "allow-undefined-facts", false, "treat unknown facts as undefined values")
	cmd.Flags().BoolVar(&opts.AllowUndefinedConditions, "allow-undefined-conditions", false, "treat unknown named conditions as false")
	cmd.Flags().BoolVar(&opts.FailOnError, "fail-on-error", false, "exit non-zero when a rule fails to evaluate")

	return cmd
}

func runEvaluate(ctx context.Context, rootOpts *RootOptions, opts *EvaluateOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

	facts, err := readFacts(opts.FactsFile, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read facts", err)
	}

	db, closeDB, err := connect(ctx, opts.DatabaseURL)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to database", err)
	}
	defer closeDB()

	manager := multitenantengine.NewMultiTenantEngineManager(multitenantengine.ManagerConfig{
		DB:                       db,
		AllowUndefinedFacts:      opts.AllowUndefinedFacts,
		AllowUndefinedConditions: opts.AllowUndefinedConditions,
		Logger:                   logger.Logger,
	})
	tenantID, err := loadTenant(manager, path)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid tenant file", err)
	}

	start := time.Now()
	results, err := manager.Evaluate(ctx, tenantID, facts, opts.Rules...)
	if err != nil {
		return WrapExitError(ExitFailure, "evaluation failed", err)
	}
	logger.Debug("tenant evaluated", "tenant", tenantID, "rules", len(results), "duration", time.Since(start))

	out := EvaluateOutput{Tenant: tenantID, Results: results, Events: []rules.Event{}}
	for _, r := range results {
		switch {
		case r.Error != nil:
			out.Errors++
		case r.Event != nil:
			out.Events = append(out.Events, *r.Event)
		}
	}

	status := "ok"
	if out.Errors > 0 && opts.FailOnError {
		status = "error"
	}
	if err := formatter.Write(status, out, "", func(w io.Writer) { writeResults(w, out) }); err != nil {
		return err
	}

	if status == "error" {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d rule(s) failed to evaluate", out.Errors)}
	}
	return nil
}

func writeResults(w io.Writer, out EvaluateOutput) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range out.Results {
		switch {
		case r.Error != nil:
			fmt.Fprintf(tw, "!\t%s\terror\t%v\n", r.RuleID, r.Error)
		case r.Matched:
			fmt.Fprintf(tw, "✓\t%s\tmatched\tevent=%s\n", r.RuleID, r.Event.Type)
		default:
			fmt.Fprintf(tw, "✗\t%s\tnot matched\t\n", r.RuleID)
		}
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%s: %d rule(s), %d matched, %d error(s)\n", out.Tenant, len(out.Results), len(out.Events), out.Errors)
}

// readFacts decodes a facts file; an empty path means no facts
func readFacts(path string, stdin io.Reader) (map[string]any, error) {
	facts := map[string]any{}
	if path == "" {
		return facts, nil
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	// JSON is valid YAML, so only .json files take the stricter decoder
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &facts)
	} else {
		err = yaml.Unmarshal(data, &facts)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid facts in %s: %w", path, err)
	}
	if facts == nil {
		facts = map[string]any{}
	}
	return facts, nil
}

// loadTenant reads, validates and builds one tenant file
func loadTenant(manager *multitenantengine.MultiTenantEngineManager, path string) (string, error) {
	tenantID, def, err := multitenantengine.LoadDefinitionFile(path)
	if err != nil {
		return "", err
	}
	if err := manager.CreateTenant(tenantID, def); err != nil {
		return "", err
	}
	return tenantID, nil
}

// connect opens the database for query facts. Without a URL query facts
// are still built but fail when evaluated.
func connect(ctx context.Context, databaseURL string) (rules.Querier, func(), error) {
	if databaseURL == "" {
		return offlineQuerier{}, func() {}, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, func() { db.Close() }, nil
}

// errNoDatabase is returned by query facts when no database is configured
var errNoDatabase = errors.New("no database configured, set --database-url")

type offlineQuerier struct{}

func (offlineQuerier) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errNoDatabase
}
