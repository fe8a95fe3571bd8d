package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/dataset"
)

var cpCmd = &cobra.Command{
	Use:   "cp SRC_URI DEST_BASE_URI",
	Short: "Copy a frozen dataset to another base URI",
	Long: `Copy a frozen dataset to another base URI. The copy keeps the dataset's
uuid and metadata; item content is transferred byte for byte and the copy
is frozen once complete.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		destURI, err := dataset.Copy(ctx, args[0], args[1], cfg)
		if err != nil {
			return err
		}
		fmt.Println(destURI)
		return nil
	},
}
