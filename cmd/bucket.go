package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBucketCommand(ctx *commandContext) *cobra.Command {
	bucketCmd := &cobra.Command{
		Use:   "bucket",
		Short: "Manage the working storage bucket",
	}

	bucketCmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the working bucket when it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app) error {
				if err := a.ensureBucket(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bucket %s ready in %s\n", a.config.BucketKey, a.config.BucketRegion)
				return nil
			})
		},
	})
	return bucketCmd
}
