package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/andresmejia3/facewatch/internal/utils"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <identity_id>",
	Short: "Remove an identity from the gallery",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}

		runDelete(cmd.Context(), id)
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(ctx context.Context, id int) {
	if err := DB.DeleteIdentity(ctx, id); err != nil {
		utils.Die("Failed to delete identity", err, nil)
	}

	fmt.Printf("🗑️  Identity %d deleted\n", id)
}
