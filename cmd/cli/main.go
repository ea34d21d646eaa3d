package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/paramserver/cli"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "paramserver-cli",
		Short: "Parameter server CLI",
		Long:  `paramserver-cli inspects datasets and checkpoints and follows running coordinators.`,
	}

	rootCmd.AddCommand(
		cli.NewEvaluateCmd(),
		cli.NewInspectCmd(),
		cli.NewSplitCmd(),
		cli.NewHistoryCmd(),
		cli.NewWatchCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
