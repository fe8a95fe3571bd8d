package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtool-go/dtool/dataset"
)

var createReadmePath string

var createCmd = &cobra.Command{
	Use:   "create NAME BASE_URI",
	Short: "Create a new proto dataset under a base URI",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := cmdContext()
		if err != nil {
			return err
		}
		name, baseURI := args[0], args[1]

		readme := ""
		if createReadmePath != "" {
			content, err := os.ReadFile(createReadmePath)
			if err != nil {
				return err
			}
			if err := dataset.ValidateReadme(string(content)); err != nil {
				return err
			}
			readme = string(content)
		}

		proto, err := dataset.CreateProtoDataset(ctx, name, baseURI, cfg)
		if err != nil {
			return err
		}
		defer proto.Close()

		if readme == "" {
			readme = dataset.DefaultReadme(name, proto.AdminMetadata().CreatorUsername)
		}
		if err := proto.PutReadme(ctx, readme); err != nil {
			return err
		}

		fmt.Println(proto.URI())
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createReadmePath, "readme", "", "file holding the initial readme, YAML")
}
