package cmd

import (
	"fmt"
	"log"

	"github.com/TitanVJ/wall-e-models/walle"
	"github.com/spf13/cobra"
)

const (
	bucketPolicyHash       = "hash"
	bucketPolicyRoundRobin = "round-robin"
)

var bucketPolicy string

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "Manage profile reconciliation buckets",
}

var bucketsAssignCmd = &cobra.Command{
	Use:   "assign [flags]",
	Short: "Reassign every member to a reconciliation bucket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		assigner, err := bucketAssigner(bucketPolicy, cfg.Reconciler.BucketCount)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		gdb, err := walle.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := gdb.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()
		db := walle.NewDatabase(gdb, nil, cfg.DatabaseType == "postgres")

		moved, err := walle.AssignBuckets(ctx, db, assigner)
		if err != nil {
			return fmt.Errorf("error assigning buckets: %w", err)
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Moved %d members (policy=%s buckets=%d)\n",
			moved,
			bucketPolicy,
			cfg.Reconciler.BucketCount,
		)
		return nil
	},
}

func bucketAssigner(policy string, count int) (walle.BucketAssigner, error) {
	switch policy {
	case bucketPolicyHash:
		return walle.HashBuckets{Count: count}, nil
	case bucketPolicyRoundRobin:
		return &walle.RoundRobinBuckets{Count: count}, nil
	default:
		return nil, fmt.Errorf(
			"unknown bucket policy %q (must be %q or %q)",
			policy, bucketPolicyHash, bucketPolicyRoundRobin,
		)
	}
}

//nolint:gochecknoinits
func init() {
	bucketsAssignCmd.Flags().StringVar(
		&bucketPolicy,
		"policy",
		bucketPolicyHash,
		"Bucket assignment policy: hash or round-robin",
	)
	bucketsCmd.AddCommand(bucketsAssignCmd)
	rootCmd.AddCommand(bucketsCmd)
}
