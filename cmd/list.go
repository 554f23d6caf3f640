package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities in the gallery",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	identities, err := DB.ListIdentities(ctx)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Println("No identities enrolled yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDIM\tTHUMBNAIL\tCREATED")
	fmt.Fprintln(w, "--\t----\t---\t---------\t-------")

	for _, id := range identities {
		thumb := "no"
		if id.HasCrop {
			thumb = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", id.ID, id.Name, id.Dim, thumb, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
