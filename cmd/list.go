package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smdesai/vlm/api"
	"github.com/smdesai/vlm/format"
)

func ListHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	models, err := client.List(cmd.Context())
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range models.Models {
		if len(args) == 0 || strings.HasPrefix(strings.ToLower(m.Model), strings.ToLower(args[0])) {
			data = append(data, []string{m.Model, format.HumanBytes(m.Size), format.HumanTime(m.ModifiedAt, "Never")})
		}
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "SIZE", "MODIFIED")
	table.AppendBulk(data)
	table.Render()

	return nil
}

func DeleteHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	for _, name := range args {
		if err := client.Delete(cmd.Context(), &api.DeleteRequest{Model: name}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted '%s'\n", name)
	}

	return nil
}
