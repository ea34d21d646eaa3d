package cli

import (
	"math"
	"path/filepath"
	"time"

	"github.com/absmach/paramserver/pkg/dataset"
	"github.com/absmach/paramserver/pkg/fl"
	"github.com/absmach/paramserver/pkg/trainer"
	"github.com/spf13/cobra"
)

type evaluation struct {
	Version uint64 `json:"version"`
	trainer.Metrics
}

type summary struct {
	Version uint64            `json:"version"`
	Mode    fl.Mode           `json:"mode"`
	Config  string            `json:"config"`
	Params  int               `json:"params"`
	L2Norm  float64           `json:"l2_norm"`
	Min     float64           `json:"min"`
	Max     float64           `json:"max"`
	SavedAt time.Time         `json:"saved_at"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func NewEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <checkpoint> <images> <labels>",
		Short: "Evaluate checkpoint",
		Long:  `Evaluate a saved checkpoint against an IDX dataset and print accuracy and loss.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 3 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			cp, err := fl.ReadCheckpoint(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			cfg, err := trainer.ParseConfig(cp.Config)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			features, labels, err := dataset.Load(args[1], args[2], cfg.Classes)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			m, err := trainer.NewSoftmax(cfg).Evaluate(cp.Params, features, labels)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, evaluation{Version: cp.Version, Metrics: m})
		},
	}
}

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <checkpoint>",
		Short: "Inspect checkpoint",
		Long:  `Print the version, parameter count and norm of a saved checkpoint.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 1 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}

			cp, err := fl.ReadCheckpoint(args[0])
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			s, err := summarize(cp)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, s)
		},
	}
}

func historyCmds() []cobra.Command {
	return []cobra.Command{
		{
			Use:   "models <dir>",
			Short: "List saved models",
			Long:  `List the checkpoint versions saved under a coordinator data directory.`,
			Run: func(cmd *cobra.Command, args []string) {
				if len(args) != 1 {
					logUsageCmd(*cmd, cmd.Use)

					return
				}

				ps, err := openStorage(args[0])
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				versions, err := ps.ListModels()
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				logJSONCmd(*cmd, map[string]any{"versions": versions})
			},
		},
		{
			Use:   "rounds <dir>",
			Short: "List completed rounds",
			Long:  `List the synchronous rounds saved under a coordinator data directory.`,
			Run: func(cmd *cobra.Command, args []string) {
				if len(args) != 1 {
					logUsageCmd(*cmd, cmd.Use)

					return
				}

				ps, err := openStorage(args[0])
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				ids, err := ps.ListRounds()
				if err != nil {
					logErrorCmd(*cmd, err)

					return
				}
				rounds := make([]*fl.RoundState, 0, len(ids))
				for _, id := range ids {
					rs, err := ps.LoadRound(id)
					if err != nil {
						logErrorCmd(*cmd, err)

						return
					}
					rounds = append(rounds, rs)
				}
				logJSONCmd(*cmd, map[string]any{"rounds": rounds})
			},
		},
	}
}

func NewHistoryCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "history [models|rounds]",
		Short: "Training history",
		Long:  `Browse checkpoints and rounds persisted by a coordinator.`,
	}

	subs := historyCmds()
	for i := range subs {
		cmd.AddCommand(&subs[i])
	}

	return &cmd
}

func openStorage(dir string) (*fl.PersistentStorage, error) {
	return fl.NewPersistentStorage(filepath.Join(dir, "rounds"), filepath.Join(dir, "models"))
}

func summarize(cp *fl.Checkpoint) (summary, error) {
	theta, err := fl.DecodeVector(cp.Params)
	if err != nil {
		return summary{}, err
	}

	s := summary{
		Version: cp.Version,
		Mode:    cp.Mode,
		Config:  cp.Config,
		Params:  len(theta),
		SavedAt: cp.SavedAt,
		Meta:    cp.Meta,
	}
	if len(theta) == 0 {
		return s, nil
	}

	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	var sq float64
	for _, v := range theta {
		sq += v * v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.L2Norm = math.Sqrt(sq)

	return s, nil
}
