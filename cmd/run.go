package cmd

import (
	"log"

	"github.com/kaspercito/oliver/oliver"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Oliver bot and (optionally) the status API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := oliver.New(cfg)
			if err != nil {
				log.Fatalf("error creating oliver: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running oliver: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
