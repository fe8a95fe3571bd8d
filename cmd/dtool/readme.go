package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/dataset"
)

var readmeForce bool

var readmeCmd = &cobra.Command{
	Use:   "readme",
	Short: "Work with a dataset's descriptive metadata",
}

var readmeShowCmd = &cobra.Command{
	Use:   "show DATASET_URI",
	Short: "Print the dataset's readme",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		ds, err := openDataset(ctx, args[0], cfg)
		if err != nil {
			return err
		}
		defer ds.Close()

		readme, err := ds.Readme(ctx)
		if err != nil {
			return err
		}
		fmt.Print(readme)
		return nil
	},
}

var readmeWriteCmd = &cobra.Command{
	Use:   "write DATASET_URI FILE",
	Short: "Replace the dataset's readme with the content of a file",
	Long: `Replace the dataset's readme with the content of a file. The content
must parse as YAML unless --force is given. On frozen datasets the
previous readme is kept under a timestamped backup key.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		if !readmeForce {
			if err := dataset.ValidateReadme(string(content)); err != nil {
				return err
			}
		}

		ds, err := openDataset(ctx, args[0], cfg)
		if err != nil {
			return err
		}
		defer ds.Close()

		return ds.PutReadme(ctx, string(content))
	},
}

func init() {
	readmeWriteCmd.Flags().BoolVar(&readmeForce, "force", false, "skip YAML validation")
	readmeCmd.AddCommand(readmeShowCmd, readmeWriteCmd)
}
