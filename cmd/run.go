package cmd

import (
	"github.com/TitanVJ/wall-e-models/walle"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the API server and profile reconciliation scheduler",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			w, err := walle.New(cfg)
			if err != nil {
				log.Fatalf("error creating walle: %s", err.Error())
			}

			if err = w.Run(ctx); err != nil {
				log.Fatalf("error running walle: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
