package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Replicant-Partners/Chrysalis/internal/config"
)

// ValidateResult summarizes a valid config.
type ValidateResult struct {
	Path      string `json:"path"`
	Instance  string `json:"instance"`
	Transport string `json:"transport"`
	Listen    string `json:"listen"`
	Advertise string `json:"advertise"`
	Peers     int    `json:"peers"`
	Store     string `json:"store,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a node config file",
		Long: `Load a node config (.yaml, .yml or .cue) and report every invalid
field without starting the node.

Example:
  chrysalis-sync validate node.yaml
  chrysalis-sync validate node.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(path)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			_ = f.Error(ErrCodeConfig, "invalid config", verr.Fields)
			if opts.Format != "json" {
				for _, fe := range verr.Fields {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", fe.Field, fe.Message)
				}
			}
		} else {
			_ = f.Error(ErrCodeConfig, err.Error(), nil)
		}
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	result := ValidateResult{
		Path:      path,
		Instance:  cfg.Instance.ID,
		Transport: cfg.Transport.Kind,
		Listen:    cfg.Transport.Listen,
		Advertise: cfg.AdvertiseAddress(),
		Peers:     len(cfg.Peers),
		Store:     cfg.Store.Path,
	}
	if opts.Format == "json" {
		return f.Success(result)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ %s is valid\n", path)
	fmt.Fprintf(out, "  instance:  %s\n", orDefault(result.Instance, "(generated)"))
	fmt.Fprintf(out, "  transport: %s on %s (advertise %s)\n", result.Transport, result.Listen, result.Advertise)
	fmt.Fprintf(out, "  peers:     %d\n", result.Peers)
	fmt.Fprintf(out, "  store:     %s\n", orDefault(result.Store, "(memory only)"))
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
