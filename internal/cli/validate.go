package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rules/internal/logger"
	"github.com/liamcoop/rules/multitenantengine"
)

// ValidationResult is the outcome for one tenant file
type ValidationResult struct {
	Path   string   `json:"path"`
	Tenant string   `json:"tenant,omitempty"`
	Valid  bool     `json:"valid"`
	Rules  int      `json:"rules,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <tenant-file-or-dir>...",
		Short: "Validate tenant files without serving them",
		Long: `Parse, validate and build tenant files exactly as the server would,
without evaluating anything. Directories are checked file by file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
}

func runValidate(rootOpts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}

	files, err := collectTenantFiles(paths)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read path", err)
	}
	if len(files) == 0 {
		return &ExitError{Code: ExitCommandError, Message: "no tenant files found"}
	}

	results := make([]ValidationResult, 0, len(files))
	invalid := 0
	for _, path := range files {
		result := validateFile(path)
		if !result.Valid {
			invalid++
		}
		results = append(results, result)
	}

	status := "ok"
	if invalid > 0 {
		status = "error"
	}
	if err := formatter.Write(status, results, "", func(w io.Writer) { writeValidation(w, results) }); err != nil {
		return err
	}

	if invalid > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d of %d tenant file(s) invalid", invalid, len(files))}
	}
	return nil
}

func validateFile(path string) ValidationResult {
	result := ValidationResult{Path: path}

	// Query facts are built against a placeholder so files can be
	// checked without a database
	manager := multitenantengine.NewMultiTenantEngineManager(multitenantengine.ManagerConfig{
		DB:     offlineQuerier{},
		Logger: logger.Logger,
	})
	tenantID, err := loadTenant(manager, path)
	if err != nil {
		result.Errors = splitErrors(err)
		return result
	}

	result.Tenant = tenantID
	result.Valid = true
	if engine, err := manager.GetEngine(tenantID); err == nil {
		if active, err := engine.Rules(); err == nil {
			result.Rules = len(active)
		}
	}
	return result
}

// splitErrors lists joined errors one per line
func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func writeValidation(w io.Writer, results []ValidationResult) {
	for _, r := range results {
		if r.Valid {
			fmt.Fprintf(w, "✓ %s (%s, %d rule(s))\n", r.Path, r.Tenant, r.Rules)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", r.Path)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "    %s\n", e)
		}
	}
}

// collectTenantFiles expands directories into their tenant files
func collectTenantFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			if slices.Contains(multitenantengine.DefinitionExtensions, strings.ToLower(filepath.Ext(name))) {
				files = append(files, filepath.Join(path, name))
			}
		}
	}
	return files, nil
}
