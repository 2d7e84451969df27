package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/engine"
	"github.com/celerix-dev/ussd-whisperer/internal/vault"
	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	addr     string
	insecure bool
	timeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "ussdctl",
		Short:        "ussdctl - command line interface for the USSD daemon",
		SilenceUsage: true,
	}

	addr := os.Getenv("USSD_STORE_ADDR")
	if addr == "" {
		addr = "localhost:7001"
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", addr, "address of the daemon (env USSD_STORE_ADDR)")
	root.PersistentFlags().BoolVar(&opts.insecure, "insecure", os.Getenv(sdk.DisableTLSEnv) == "true", "use plain TCP instead of TLS (env USSD_DISABLE_TLS)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "timeout of each command")

	root.AddCommand(
		newPingCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newAddCmd(opts),
		newRmCmd(opts),
		newRunCmd(opts),
		newImportCmd(opts),
		newMigrateCmd(),
		newSealCmd(),
	)
	return root
}

// withClient connects to the daemon for the duration of one command.
func withClient(opts *options, fn func(ctx context.Context, c *sdk.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := sdk.Dial(opts.addr, !opts.insecure)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", opts.addr, err)
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()
		return fn(ctx, client, args)
	}
}

func newPingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(ctx context.Context, c *sdk.Client, _ []string) error {
			if err := c.Ping(ctx); err != nil {
				return err
			}
			fmt.Println("PONG")
			return nil
		}),
	}
}

func newListCmd(opts *options) *cobra.Command {
	var order string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List USSD codes",
		Args:  cobra.NoArgs,
		RunE: withClient(opts, func(ctx context.Context, c *sdk.Client, _ []string) error {
			list, err := c.ListRecords(ctx, schema.ParseOrder(order))
			if err != nil {
				return err
			}
			return printJSON(list)
		}),
	}
	cmd.Flags().StringVar(&order, "order", string(schema.OrderCreatedDesc), "created_at_desc, created_at_asc or name_asc")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one USSD code",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx context.Context, c *sdk.Client, args []string) error {
			rec, err := c.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		}),
	}
}

func newAddCmd(opts *options) *cobra.Command {
	var in schema.NewRecord
	var levels []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a USSD code",
		Example: `  ussdctl add --name "Check balance" --code "*123#"
  ussdctl add --name "Data bundle" --code "*100#" --level "0:*100#:menu" --level "1:1:select"`,
		Args: cobra.NoArgs,
		RunE: withClient(opts, func(ctx context.Context, c *sdk.Client, _ []string) error {
			for _, raw := range levels {
				lvl, err := parseLevel(raw)
				if err != nil {
					return err
				}
				in.Levels = append(in.Levels, lvl)
			}
			rec, err := c.InsertRecord(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(rec)
		}),
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name")
	cmd.Flags().StringVar(&in.Code, "code", "", "USSD code to dial, e.g. *123#")
	cmd.Flags().StringVar(&in.Description, "description", "", "free text description")
	cmd.Flags().StringVar(&in.Category, "category", "", "category label")
	cmd.Flags().StringVar(&in.Operator, "operator", "", "inwi, iam or orange")
	cmd.Flags().StringVar(&in.SimID, "sim", "", "SIM card charged for each execution")
	cmd.Flags().StringArrayVar(&levels, "level", nil, "menu level as step:code[:prompt], repeatable")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("code")
	return cmd
}

// parseLevel reads "step:code[:prompt]". The prompt may contain colons.
func parseLevel(s string) (schema.Level, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return schema.Level{}, fmt.Errorf("invalid level %q, want step:code[:prompt]", s)
	}
	step, err := strconv.Atoi(parts[0])
	if err != nil {
		return schema.Level{}, fmt.Errorf("invalid level step %q: %w", parts[0], err)
	}
	lvl := schema.Level{Step: step, Code: parts[1]}
	if len(parts) == 3 {
		lvl.Prompt = parts[2]
	}
	return lvl, nil
}

func newRmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"del"},
		Short:   "Delete a USSD code",
		Args:    cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx context.Context, c *sdk.Client, args []string) error {
			if err := c.DeleteRecord(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		}),
	}
}

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Queue a USSD code for execution",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx context.Context, c *sdk.Client, args []string) error {
			if err := c.Trigger(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("QUEUED")
			return nil
		}),
	}
}

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <seed.yml>",
		Short: "Add every code of a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(opts, func(ctx context.Context, c *sdk.Client, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			codes, err := engine.LoadSeed(f)
			if err != nil {
				return err
			}
			for _, in := range codes {
				// Seed ids are ignored; the daemon assigns them.
				in.ID = ""
				rec, err := c.InsertRecord(ctx, in)
				if err != nil {
					return fmt.Errorf("failed to add %q: %w", in.Name, err)
				}
				fmt.Printf("%s %s\n", rec.ID, rec.Name)
			}
			fmt.Printf("Imported %d codes.\n", len(codes))
			return nil
		}),
	}
}

func newMigrateCmd() *cobra.Command {
	var src, dst engine.Config
	var srcDir, dstDir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy SIM cards and codes from one store backend to another",
		Example: `  ussdctl migrate --from file --from-dir ./data --to postgres --to-url postgres://ussd@localhost/ussd
  ussdctl migrate --from postgres --from-url postgres://ussd@localhost/ussd --to file --to-dir ./backup`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := zap.NewNop()

			from, err := engine.Open(ctx, src, srcDir, log)
			if err != nil {
				return fmt.Errorf("failed to open source: %w", err)
			}
			defer from.Close()

			to, err := engine.Open(ctx, dst, dstDir, log)
			if err != nil {
				return fmt.Errorf("failed to open destination: %w", err)
			}
			defer to.Close()

			n, err := engine.Migrate(ctx, from, to)
			if err != nil {
				return err
			}
			fmt.Printf("Migrated %d codes.\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&src.Driver, "from", engine.DriverFile, "source driver (file or postgres)")
	cmd.Flags().StringVar(&srcDir, "from-dir", "./data", "source data directory")
	cmd.Flags().StringVar(&src.Postgres.URL, "from-url", "", "source postgres url")
	cmd.Flags().StringVar(&dst.Driver, "to", engine.DriverPostgres, "destination driver (file or postgres)")
	cmd.Flags().StringVar(&dstDir, "to-dir", "./data", "destination data directory")
	cmd.Flags().StringVar(&dst.Postgres.URL, "to-url", "", "destination postgres url")
	return cmd
}

func newSealCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "seal <value>",
		Short: "Encrypt a secret for use in the daemon configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			k, err := vault.ParseKey(key)
			if err != nil {
				return err
			}
			sealed, err := vault.Seal(args[0], k)
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", os.Getenv("USSD_SECRET_KEY"), "secret key, 64 hex characters or 32 bytes (env USSD_SECRET_KEY)")
	return cmd
}

func printJSON(v any) error {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(bytes))
	return nil
}
