package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-tagger/internal/config"
)

var counterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Inspect the identity allocation counter",
}

var counterShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last issued identity number",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx, config.Load())
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := a.service.Allocator().Current(ctx)
		if err != nil {
			return err
		}
		if mustGetBool(cmd, "json") {
			return outputJSON(map[string]int64{"limit": current})
		}
		fmt.Printf("Last issued identity: %d\n", current)
		return nil
	},
}

var counterEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the allocation counter if it does not exist",
	Long: `Create the allocation counter record with a zero value. An existing
counter is never reset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := buildApp(ctx, config.Load())
		if err != nil {
			return err
		}
		defer a.Close()

		created, err := a.service.Allocator().EnsureCounter(ctx)
		if err != nil {
			return err
		}
		if created {
			fmt.Println("Allocation counter created")
		} else {
			fmt.Println("Allocation counter already exists")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(counterCmd)
	counterCmd.AddCommand(counterShowCmd)
	counterCmd.AddCommand(counterEnsureCmd)

	counterShowCmd.Flags().Bool("json", false, "Output as JSON")
}
