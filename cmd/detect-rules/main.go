// Package main provides a CLI tool for validating and listing detection
// rule documents.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"dfir-detect/internal/config"
	"dfir-detect/internal/correlation"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/rulestore"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	tenant     string
	verbose    bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "detect-rules",
		Short:         "Validate and list detection rule documents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "service config file supplying retention and pattern defaults")
	root.PersistentFlags().StringVar(&opts.tenant, "tenant", "", "tenant for rules without tenant_id (default: parent directory name)")

	validateCmd := &cobra.Command{
		Use:   "validate <path>...",
		Short: "Parse and compile rule files or directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checker, err := newChecker(opts)
			if err != nil {
				return err
			}
			return checker.validate(cmd.OutOrStdout(), args)
		},
	}
	validateCmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "show detailed rule information")

	listCmd := &cobra.Command{
		Use:   "list [path]...",
		Short: "List rules found in files or directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"rules"}
			}
			checker, err := newChecker(opts)
			if err != nil {
				return err
			}
			return checker.list(cmd.OutOrStdout(), args)
		},
	}

	root.AddCommand(validateCmd, listCmd)
	return root
}

// checker compiles rules with the service's retention and defaults.
type checker struct {
	opts     *options
	cfg      *config.Config
	defaults map[correlation.PatternType]correlation.Defaults
}

func newChecker(opts *options) (*checker, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadFile(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return &checker{opts: opts, cfg: cfg, defaults: cfg.ProcessorConfig().Defaults}, nil
}

func (c *checker) tenantFor(path string) string {
	if c.opts.tenant != "" {
		return c.opts.tenant
	}
	return filepath.Base(filepath.Dir(path))
}

// compileFile parses every rule in path and compiles each one. Parse
// failures are returned as err; per-rule failures are returned in problems.
func (c *checker) compileFile(path string) (rules []*correlation.Rule, problems []error, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	rules, err = correlation.ParseRules(data)
	if err != nil {
		return nil, nil, err
	}

	tenant := c.tenantFor(path)
	seen := make(map[string]bool)
	for _, rule := range rules {
		if rule.TenantID == "" {
			rule.TenantID = tenant
		}
		rule.ApplyDefaults(c.defaults)
		if seen[rule.ID] {
			problems = append(problems, derrors.NewValidationError(rule.TenantID, rule.ID, "id", "duplicate rule id in document"))
			continue
		}
		seen[rule.ID] = true
		if _, err := correlation.Compile(rule, c.cfg.Detection.MaxRetention); err != nil {
			problems = append(problems, err)
		}
	}
	return rules, problems, nil
}

func (c *checker) validate(out io.Writer, paths []string) error {
	var total, valid, invalid int

	for _, path := range paths {
		files, err := collectRuleFiles(path)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			invalid++
			continue
		}
		for _, f := range files {
			total++
			rules, problems, err := c.compileFile(f)
			if err != nil {
				fmt.Fprintf(out, "  FAIL  %s: %v\n", f, err)
				invalid++
				continue
			}
			if len(problems) > 0 {
				fmt.Fprintf(out, "  FAIL  %s\n", f)
				for _, p := range problems {
					fmt.Fprintf(out, "        %v\n", p)
				}
				invalid++
				continue
			}
			valid++
			fmt.Fprintf(out, "  OK    %s (%d rule(s))\n", f, len(rules))
			if c.opts.verbose {
				printDetails(out, rules)
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", total, valid, invalid)
	if invalid > 0 {
		return fmt.Errorf("%d invalid file(s)", invalid)
	}
	return nil
}

func printDetails(out io.Writer, rules []*correlation.Rule) {
	for _, rule := range rules {
		fmt.Fprintf(out, "        - [%s] %s (type=%s, window=%s, severity=%d)\n",
			rule.ID, rule.Name, rule.Type, rule.Window, rule.Severity)
		if len(rule.Tags) > 0 {
			fmt.Fprintf(out, "          tags: %s\n", strings.Join(rule.Tags, ", "))
		}
		if rule.MITRE != nil {
			fmt.Fprintf(out, "          mitre: %s / %s\n", rule.MITRE.TacticID, rule.MITRE.TechniqueID)
		}
	}
}

func (c *checker) list(out io.Writer, paths []string) error {
	for _, path := range paths {
		files, err := collectRuleFiles(path)
		if err != nil {
			return err
		}
		for _, f := range files {
			rules, _, err := c.compileFile(f)
			if err != nil {
				continue
			}
			for _, rule := range rules {
				state := "enabled"
				if !rule.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "%-16s  %-40s  %-14s  sev=%-2d  %-8s  %s\n",
					rule.TenantID, rule.ID, rule.Type, rule.Severity, state, rule.Name)
			}
		}
	}
	return nil
}

// collectRuleFiles returns path itself or every rule document below it.
func collectRuleFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && rulestore.IsRuleFile(p) {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
