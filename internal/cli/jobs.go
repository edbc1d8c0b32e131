package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/worker"
)

// jobView — job для вывода.
type jobView struct {
	Job        string           `json:"job"`
	Depth      int              `json:"depth"`
	Status     domain.JobStatus `json:"status"`
	Path       string           `json:"path"`
	ExternalID string           `json:"external_id,omitempty"`
	Duration   string           `json:"duration,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// jobTree возвращает job и его зависимости в глубину, без повторов.
func jobTree(roots []*engine.Job) []jobView {
	seen := make(map[*engine.Job]bool)
	var views []jobView

	var walk func(j *engine.Job, depth int)
	walk = func(j *engine.Job, depth int) {
		if seen[j] {
			return
		}
		seen[j] = true

		v := jobView{Job: j.Identity(), Depth: depth, Status: j.Status(), Path: j.Path()}
		if info, err := j.Info(); err == nil {
			v.ExternalID = info.ExternalID
			if d := info.Duration(); d > 0 {
				v.Duration = d.Round(time.Millisecond).String()
			}
			if info.Exception != nil {
				v.Error = info.Exception.Message
			}
		}
		views = append(views, v)

		for _, d := range j.AllDependencies() {
			walk(d, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return views
}

func printJobs(out *Output, roots []*engine.Job) {
	views := jobTree(roots)

	headers := []string{"JOB", "STATUS", "DURATION", "EXTERNAL_ID", "ERROR"}
	rows := make([][]string, len(views))
	for i, v := range views {
		rows[i] = []string{
			strings.Repeat("  ", v.Depth) + v.Job,
			Status(v.Status),
			v.Duration,
			v.ExternalID,
			v.Error,
		}
	}
	out.Print(headers, rows, views)
}

// NewStatusCmd создаёт команду status.
func NewStatusCmd(appFn appFunc) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "status TARGET...",
		Short: "Show job status with dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}

			jobs := make([]*engine.Job, 0, len(args))
			for _, target := range args {
				j, err := app.Build(target, inputs)
				if err != nil {
					return err
				}
				jobs = append(jobs, j)
			}
			printJobs(app.Out, jobs)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Task input key=value (repeatable)")
	return cmd
}

// NewCleanCmd создаёт команду clean.
func NewCleanCmd(appFn appFunc) *cobra.Command {
	var inputs []string
	var recursive bool
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "clean TARGET",
		Short: "Delete job results and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}
			job, err := app.Build(args[0], inputs)
			if err != nil {
				return err
			}

			targets := []*engine.Job{job}
			if recursive {
				targets = collect(job)
			}

			cleaned := 0
			for _, j := range targets {
				if failedOnly && !j.Status().IsFailed() {
					continue
				}
				if j.Status() == domain.StatusWaiting {
					continue
				}
				if err := j.Clean(cmd.Context()); err != nil {
					return fmt.Errorf("clean %s: %w", j.Identity(), err)
				}
				cleaned++
			}
			app.Out.Success(fmt.Sprintf("cleaned %d jobs", cleaned))
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Task input key=value (repeatable)")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Also clean dependencies")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only clean failed jobs")
	return cmd
}

func collect(root *engine.Job) []*engine.Job {
	seen := make(map[*engine.Job]bool)
	var out []*engine.Job
	var walk func(j *engine.Job)
	walk = func(j *engine.Job) {
		if seen[j] {
			return
		}
		seen[j] = true
		out = append(out, j)
		for _, d := range j.AllDependencies() {
			walk(d)
		}
	}
	walk(root)
	return out
}

// NewTasksCmd создаёт команду tasks: список доступных задач.
func NewTasksCmd(appFn appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List registered workflows and tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}

			type taskView struct {
				Task        string   `json:"task"`
				Inputs      []string `json:"inputs,omitempty"`
				Deps        []string `json:"deps,omitempty"`
				Description string   `json:"description,omitempty"`
			}

			var views []taskView
			for _, wf := range app.Registry.Workflows() {
				for _, t := range wf.Tasks() {
					v := taskView{Task: t.QualifiedName(), Description: t.Description}
					for _, in := range t.Inputs {
						v.Inputs = append(v.Inputs, fmt.Sprintf("%s:%s", in.Name, in.Type))
					}
					for _, d := range t.Deps {
						if d.Resolver != nil {
							v.Deps = append(v.Deps, "<dynamic>")
							continue
						}
						v.Deps = append(v.Deps, d.Task)
					}
					views = append(views, v)
				}
			}

			headers := []string{"TASK", "INPUTS", "DEPS", "DESCRIPTION"}
			rows := make([][]string, len(views))
			for i, v := range views {
				rows[i] = []string{v.Task, strings.Join(v.Inputs, ","), strings.Join(v.Deps, ","), v.Description}
			}
			app.Out.Print(headers, rows, views)
			return nil
		},
	}
}

// NewJobCmd создаёт группу команд одного job.
func NewJobCmd(appFn appFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect or execute a single job",
	}
	cmd.AddCommand(
		newJobExecCmd(appFn),
		newJobResultCmd(appFn),
		newJobInfoCmd(appFn),
	)
	return cmd
}

func newJobExecCmd(appFn appFunc) *cobra.Command {
	var submission string

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute a submission (used inside batch systems)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}
			return worker.ExecSubmission(cmd.Context(), app.Registry, submission)
		},
	}

	cmd.Flags().StringVar(&submission, "submission", "", "Submission file")
	_ = cmd.MarkFlagRequired("submission")
	return cmd
}

func newJobResultCmd(appFn appFunc) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "result TARGET",
		Short: "Write the stored result of a done job to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}
			job, err := app.Build(args[0], inputs)
			if err != nil {
				return err
			}

			r, err := job.Open()
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Task input key=value (repeatable)")
	return cmd
}

func newJobInfoCmd(appFn appFunc) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "info TARGET",
		Short: "Show persisted job metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := appFn(cmd)
			if err != nil {
				return err
			}
			job, err := app.Build(args[0], inputs)
			if err != nil {
				return err
			}
			info, err := job.Info()
			if err != nil {
				return err
			}
			app.Out.JSON(info)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Task input key=value (repeatable)")
	return cmd
}
