package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/dataset"
)

var addCmd = &cobra.Command{
	Use:   "add FILE DATASET_URI [RELPATH]",
	Short: "Put a local file into a proto dataset",
	Long: `Put a local file into a proto dataset as an item. The item is stored
under RELPATH, defaulting to the file's base name.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		localPath, uri := args[0], args[1]
		relpath := filepath.Base(localPath)
		if len(args) == 3 {
			relpath = args[2]
		}

		proto, err := dataset.FromURIProto(ctx, uri, cfg)
		if err != nil {
			return err
		}
		defer proto.Close()

		handle, err := proto.PutItem(ctx, localPath, relpath)
		if err != nil {
			return err
		}
		fmt.Println(handle)
		return nil
	},
}
