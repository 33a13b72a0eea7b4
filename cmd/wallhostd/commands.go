package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"wallhost/internal/channel"
	"wallhost/internal/config"
	"wallhost/internal/host"
	"wallhost/internal/plugins"
	"wallhost/internal/wallpaper"
	"wallhost/internal/watcher"
	"wallhost/pkg/logger"
	"wallhost/pkg/plugin"
)

type globalFlags struct {
	config string
	socket string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "wallhostd",
		Short: "Background host of the wallpaper engine",
		Long: `wallhostd discovers wallpaper definitions on disk, supervises the renderer
process and serves host and plugin capabilities over the channel.

Without a subcommand it runs the daemon.`,
		Version:       host.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "config file (default $"+config.PathEnv+")")
	root.PersistentFlags().StringVar(&flags.socket, "socket", "", "channel socket, overrides the configured one")

	root.AddCommand(
		newRunCommand(flags),
		newScanCommand(),
		newCallCommand(flags),
		newListenCommand(flags),
	)
	return root
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(config.Resolve(flags.config))
	if err != nil {
		return nil, err
	}
	if flags.socket != "" {
		cfg.Channel.Socket = flags.socket
	}
	return cfg, nil
}

func runDaemon(ctx context.Context, flags *globalFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	app, err := host.New(ctx, cfg, host.WithBuiltins(plugins.Builtins()...))
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func newScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan <dir>",
		Short: "Scan a wallpaper library once and print its definitions as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := scan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), defs)
		},
	}
}

// scan runs the resource watcher over dir with the built-in schemas until its
// initial scan settles.
func scan(ctx context.Context, dir string) ([]wallpaper.Definition, error) {
	schemas := wallpaper.NewRegistry()
	ph := plugin.NewHost(channel.NewServer(), schemas, plugin.WithLogger(logger.Discard()))
	if err := ph.LoadConfigured(plugin.ManagerConfig{}, plugins.Builtins()...); err != nil {
		return nil, err
	}
	defer ph.Destroy()

	w := watcher.New(dir, schemas)
	defer w.Destroy()
	var failures []error
	w.OnError().Subscribe(func(err error) { failures = append(failures, err) })
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	if err := w.WhenReady(ctx); err != nil {
		return nil, err
	}
	defs := w.Definitions()
	if len(defs) == 0 && len(failures) > 0 {
		return nil, errors.Join(failures...)
	}
	return defs, nil
}

func newCallCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "call <event> [json]",
		Short: "Call a service on a running host and print the reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg, err := argument(args)
			if err != nil {
				return err
			}
			c, err := dial(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer c.Close()

			var out json.RawMessage
			if err := c.Call(cmd.Context(), args[0], arg, &out); err != nil {
				return err
			}
			if len(out) == 0 {
				return nil
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newListenCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen <event> [json]",
		Short: "Print every value of a host stream, one JSON document per line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg, err := argument(args)
			if err != nil {
				return err
			}
			c, err := dial(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer c.Close()

			frames := make(chan json.RawMessage, 16)
			sub := c.Listen(args[0], arg).Subscribe(frames)
			defer sub.Unsubscribe()
			out := cmd.OutOrStdout()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case err := <-sub.Err():
					return err
				case frame := <-frames:
					if _, err := fmt.Fprintln(out, string(frame)); err != nil {
						return err
					}
				}
			}
		},
	}
}

func argument(args []string) (json.RawMessage, error) {
	if len(args) < 2 {
		return nil, nil
	}
	raw := json.RawMessage(args[1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("argument is not valid JSON: %s", args[1])
	}
	return raw, nil
}

func dial(ctx context.Context, flags *globalFlags) (*channel.Client, error) {
	socket := flags.socket
	if socket == "" {
		cfg, err := loadConfig(flags)
		if err != nil {
			return nil, err
		}
		socket = cfg.Channel.Socket
	}
	t, err := channel.DialUnix(ctx, socket)
	if err != nil {
		return nil, err
	}
	return channel.NewClient(t), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
