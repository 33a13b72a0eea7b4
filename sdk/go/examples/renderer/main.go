// Command renderer is a minimal renderer process. The host starts it with
// --HWND and --socket; it asks which wallpaper to show and follows the
// worker lifecycle stream until the host goes away.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wallhost/internal/host"
	"wallhost/sdk/go/wallhost"
)

func main() {
	var (
		hwnd   int64
		socket string
	)
	cmd := &cobra.Command{
		Use:          "renderer",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), hwnd, socket)
		},
	}
	cmd.Flags().Int64Var(&hwnd, "HWND", 0, "window handle to render into")
	cmd.Flags().StringVar(&socket, "socket", "", "host channel socket")
	_ = cmd.MarkFlagRequired("socket")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "renderer:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, hwnd int64, socket string) error {
	client, err := wallhost.Dial(ctx, socket)
	if err != nil {
		return err
	}
	defer client.Close()

	def, err := client.Active(ctx, hwnd)
	if err != nil {
		return err
	}
	fmt.Printf("rendering %s (%s) from %s into window %d\n", def.Name, def.Type, def.Src, hwnd)

	states := make(chan host.WorkerState, 8)
	sub := client.WorkerStates(states)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return nil
		case err := <-sub.Err():
			return err
		case st := <-states:
			fmt.Printf("worker %d is %s\n", st.HWND, st.State)
		}
	}
}
