package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/orchestrator"
)

// NewPlanCmd создаёт команду plan: показать batch без запуска.
func NewPlanCmd(appFn appFunc) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "plan TARGET...",
		Short: "Show the batches that run would dispatch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}

			seeds := make([]*engine.Job, 0, len(args))
			for _, target := range args {
				j, err := app.Build(target, inputs)
				if err != nil {
					return err
				}
				seeds = append(seeds, j)
			}

			doc, err := app.Rules()
			if err != nil {
				return err
			}
			var capacities map[string]float64
			if len(app.Config.Capacities) > 0 {
				capacities = app.Config.Capacities
			}
			o := orchestrator.New(orchestrator.Config{Rules: doc, Capacities: capacities, Logger: app.Logger})

			batches, err := o.Plan(seeds)
			if err != nil {
				return err
			}

			type batchView struct {
				Batch   string             `json:"batch"`
				Chain   string             `json:"chain,omitempty"`
				Deploy  string             `json:"deploy"`
				Jobs    []string           `json:"jobs"`
				Request map[string]float64 `json:"request"`
				Deps    []string           `json:"deps,omitempty"`
			}

			views := make([]batchView, len(batches))
			rows := make([][]string, len(batches))
			for i, b := range batches {
				v := batchView{
					Batch:   b.ID,
					Chain:   b.Chain,
					Deploy:  b.Deploy(),
					Jobs:    b.Members(),
					Request: o.Request(b),
				}
				for _, d := range b.Deps {
					v.Deps = append(v.Deps, d.ID)
				}
				views[i] = v
				rows[i] = []string{
					v.Batch,
					v.Chain,
					v.Deploy,
					strconv.Itoa(len(v.Jobs)),
					formatResources(v.Request),
					strings.Join(v.Deps, ","),
				}
			}

			app.Out.Print([]string{"BATCH", "CHAIN", "DEPLOY", "JOBS", "REQUEST", "DEPS"}, rows, views)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Task input key=value (repeatable)")
	return cmd
}

func formatResources(r orchestrator.Resources) string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, r[k])
	}
	return strings.Join(parts, ",")
}
