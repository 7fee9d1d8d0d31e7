package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/gazette/pkg/pipeline"
	"github.com/go-go-golems/gazette/pkg/protocol"
	"github.com/go-go-golems/gazette/pkg/schema"
	"github.com/go-go-golems/gazette/pkg/stages"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool catalog as the model sees it",
		RunE: func(cmd *cobra.Command, args []string) error {
			toolbox := pipeline.NewToolbox(schema.NewProvider("inspect", schema.NewStaticFetcher()), nil)
			reg, err := toolbox.Registry()
			if err != nil {
				return err
			}

			codec := protocol.NewCodec()
			fmt.Fprintln(cmd.OutOrStdout(), codec.CatalogSection(reg.List()))

			manager, err := stages.NewManager()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "## Stage assignments")
			for _, stage := range stages.All() {
				spec, ok := manager.Spec(stage)
				if !ok {
					continue
				}
				names := "(none)"
				if len(spec.Tools) > 0 {
					names = strings.Join(spec.Tools, ", ")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "- %s: %s\n", stage, names)
			}
			return nil
		},
	}
}
