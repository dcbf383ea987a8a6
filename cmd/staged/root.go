package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"staged/internal/config"
	"staged/internal/txt2img"
	"staged/internal/weights"
)

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "staged",
		Short:         "Memory-budgeted staged text-to-image generation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), inspectCmd(), synthCmd())
	return root
}

func runCmd() *cobra.Command {
	d := config.Defaults()
	var cfgPath string
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Generate images, keeping at most one model stage on the device",
		Example: "  staged run --prompt \"a red fox\" --n-samples 2 --ddim-steps 20\n  staged run --config run.yaml --status-addr :8080",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), cfgPath)
			if err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			start := time.Now()
			app, err := txt2img.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			if err := app.Run(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Samples finished in %.2f minutes and exported to %s\n", time.Since(start).Minutes(), cfg.Outdir)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "Config file (.yaml, .json or .toml); flags override its values")
	f.String("prompt", d.Prompt, "The prompt to render")
	f.String("from-file", "", "Read prompts from this file, one per line")
	f.String("outdir", d.Outdir, "Directory to write results to")
	f.Bool("skip-grid", false, "Do not write a grid of all samples")
	f.Bool("skip-save", false, "Do not write individual samples")
	f.String("catalog", "", "Record samples in this sqlite database")
	f.String("ckpt", "", "Checkpoint to load stage weights from (synthetic weights if empty)")
	f.Bool("fixed-code", false, "Use the same starting latent for every batch")
	f.Int("ddim-steps", d.Steps, "Number of sampling steps")
	f.Float64("ddim-eta", d.Eta, "Sampler eta (0 is deterministic)")
	f.Float64("scale", d.Scale, "Unconditional guidance scale")
	f.Int("n-iter", d.Iter, "Number of passes over the prompts")
	f.Int("n-samples", d.Samples, "Batch size: samples per prompt")
	f.Int("n-rows", 0, "Images per grid row (default n-samples)")
	f.Int("H", d.Height, "Image height in pixels")
	f.Int("W", d.Width, "Image width in pixels")
	f.Int("C", d.Channels, "Latent channels")
	f.Int("f", d.Factor, "Downsampling factor")
	f.Uint64("seed", d.Seed, "Seed for reproducible sampling")
	f.String("device", d.Device, "Device: sim[:N], cpu or cuda[:N]")
	f.Uint64("sim-capacity-mb", 0, "Simulated device capacity in MiB (0 = unlimited)")
	f.Duration("sim-reclaim-delay", 0, "Delay before the simulated device reclaims freed memory")
	f.Duration("poll-interval", d.PollInterval, "Device monitor poll interval while verifying a release")
	f.Duration("max-wait", d.MaxWait, "Maximum wait for a release to be reclaimed")
	f.Uint64("peak-budget-mb", 0, "Refuse placements that would exceed this many MiB (0 = unlimited)")
	f.Bool("overlap", false, "Load the next stage before the previous one is released (requires --peak-budget-mb)")
	f.String("status-addr", "", "Serve /status, /metrics and /swagger on this address during the run")
	f.String("cors-origins", "", "Comma-separated origins allowed by CORS on the status API")
	f.String("log-level", d.LogLevel, "Log level: debug|info|warn|error")
	f.String("log-format", d.LogFormat, "Log format: console|json")
	return cmd
}

// resolveConfig layers defaults, the optional config file, and the flags the
// user actually set, in that order.
func resolveConfig(flags *pflag.FlagSet, path string) (config.Config, error) {
	cfg := config.Defaults()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	raw := map[string]any{}
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		raw[strings.ToLower(strings.ReplaceAll(f.Name, "-", "_"))] = f.Value.String()
	})
	if err := config.Decode(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("flags: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <ckpt>",
		Short: "Show how a checkpoint splits into stage weights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := weights.Open(args[0])
			if err != nil {
				return err
			}
			blobs, unassigned := weights.Partition(c)
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROLE\tTENSORS\tSIZE\tFINGERPRINT")
			var total uint64
			for _, role := range weights.Roles {
				b, ok := blobs[role]
				if !ok {
					fmt.Fprintf(tw, "%s\t0\t-\tmissing\n", role)
					continue
				}
				total += b.Bytes
				fmt.Fprintf(tw, "%s\t%d\t%s\t%016x\n", role, len(b.Tensors), humanize.IBytes(b.Bytes), b.Fingerprint)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "total %s in %d tensors, %d unassigned\n", humanize.IBytes(total), len(c.Tensors), unassigned)
			keys := make([]string, 0, len(c.Metadata))
			for k := range c.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "meta %s=%s\n", k, c.Metadata[k])
			}
			return weights.Require(blobs, weights.Roles...)
		},
	}
}

func synthCmd() *cobra.Command {
	var condKB, sampKB, decKB, seed uint64
	cmd := &cobra.Command{
		Use:   "synth-ckpt <path>",
		Short: "Write a small synthetic checkpoint for trying the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sizes := weights.SyntheticLoader{
				weights.RoleConditioning: condKB << 10,
				weights.RoleSampling:     sampKB << 10,
				weights.RoleDecoding:     decKB << 10,
			}
			if err := weights.WriteSynthetic(args[0], sizes, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Uint64Var(&condKB, "conditioning-kb", 64, "Conditioning weights in KiB")
	cmd.Flags().Uint64Var(&sampKB, "sampling-kb", 512, "Sampling weights in KiB")
	cmd.Flags().Uint64Var(&decKB, "decoding-kb", 32, "Decoding weights in KiB")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Seed for the tensor data")
	return cmd
}
