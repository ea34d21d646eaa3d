package cli

import (
	"errors"
	"strconv"

	"github.com/absmach/paramserver/pkg/dataset"
	"github.com/absmach/paramserver/pkg/shard"
	"github.com/spf13/cobra"
)

var errInvalidShards = errors.New("number of shards must be a positive integer")

type shardInfo struct {
	ID    int `json:"id"`
	Rows  int `json:"rows"`
	Start int `json:"start"`
	End   int `json:"end"`
}

func NewSplitCmd() *cobra.Command {
	classes := defClasses
	cmd := &cobra.Command{
		Use:   "split <images> <labels> <n>",
		Short: "Preview dataset split",
		Long:  `Load an IDX dataset and print the rows each of n shards would receive.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 3 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			n, err := strconv.Atoi(args[2])
			if err != nil || n <= 0 {
				logErrorCmd(*cmd, errInvalidShards)

				return
			}
			features, labels, err := dataset.Load(args[0], args[1], classes)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			shards, err := shard.Split(features, labels, n)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}

			bounds := shard.Bounds(features.Rows, n)
			infos := make([]shardInfo, len(shards))
			for i, s := range shards {
				infos[i] = shardInfo{ID: s.ID, Rows: s.Rows, Start: bounds[i][0], End: bounds[i][1]}
			}
			logJSONCmd(*cmd, map[string]any{
				"samples":  features.Rows,
				"features": features.Cols,
				"classes":  labels.Cols,
				"shards":   infos,
			})
		},
	}

	cmd.Flags().IntVarP(&classes, "classes", "c", classes, "Number of label classes")

	return cmd
}
