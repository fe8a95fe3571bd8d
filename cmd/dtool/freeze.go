package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/dataset"
)

var freezeCmd = &cobra.Command{
	Use:   "freeze DATASET_URI",
	Short: "Turn a proto dataset into an immutable dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		proto, err := dataset.FromURIProto(ctx, args[0], cfg)
		if err != nil {
			return err
		}
		defer proto.Close()

		frozen, err := proto.Freeze(ctx)
		if err != nil {
			return err
		}
		fmt.Println(frozen.URI())
		return nil
	},
}
