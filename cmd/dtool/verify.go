package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/dataset"
)

var verifyFull bool

var verifyCmd = &cobra.Command{
	Use:   "verify DATASET_URI",
	Short: "Check that a dataset's items match its manifest",
	Long: `Check that every item in the dataset's manifest is present in storage
with the recorded size, and that storage holds no items beyond the
manifest. With --full, item content is re-hashed and compared as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		ds, err := dataset.FromURI(ctx, args[0], cfg)
		if err != nil {
			return err
		}
		defer ds.Close()

		report, err := dataset.Verify(ctx, ds, verifyFull)
		if err != nil {
			return err
		}
		if report.OK() {
			fmt.Println("OK")
			return nil
		}

		for _, relpath := range report.MissingItems {
			fmt.Fprintf(os.Stderr, "missing item: %s\n", relpath)
		}
		for _, handle := range report.UnknownItems {
			fmt.Fprintf(os.Stderr, "unknown item: %s\n", handle)
		}
		for _, relpath := range report.SizeMismatches {
			fmt.Fprintf(os.Stderr, "size mismatch: %s\n", relpath)
		}
		for _, relpath := range report.HashMismatches {
			fmt.Fprintf(os.Stderr, "hash mismatch: %s\n", relpath)
		}
		os.Exit(1)
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyFull, "full", false, "re-hash item content as well")
}
