package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

type batchOptions struct {
	file           string
	name           string
	system         string
	temperature    float64
	maxTokens      int
	search         bool
	thinkingLevel  string
	thinkingBudget *int
	noWait         bool
}

func newBatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit prompts as a batch job and collect the results",
	}

	var (
		opts   batchOptions
		budget int
	)
	submit := &cobra.Command{
		Use:   "submit [prompt]...",
		Short: "Submit one request per prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompts := args
			if opts.file != "" {
				data, err := readInput(cmd.InOrStdin(), opts.file)
				if err != nil {
					return err
				}
				prompts = append(prompts, splitPrompts(data)...)
			}
			if cmd.Flags().Changed("thinking-budget") {
				opts.thinkingBudget = &budget
			}
			params := studio.BatchParams{
				DisplayName:       opts.name,
				Prompts:           prompts,
				SystemInstruction: opts.system,
				Search:            opts.search,
				MaxOutputTokens:   opts.maxTokens,
			}
			if opts.temperature >= 0 {
				t := opts.temperature
				params.Temperature = &t
			}
			return a.batchSubmit(cmd.Context(), params, opts)
		},
	}
	f := submit.Flags()
	f.StringVarP(&opts.file, "file", "f", "", "read prompts from a file, separated by blank lines (- for stdin)")
	f.StringVar(&opts.name, "name", "", "display name of the batch")
	f.StringVar(&opts.system, "system", "", "system instruction for every request")
	f.Float64Var(&opts.temperature, "temperature", -1, "sampling temperature (negative leaves the model default)")
	f.IntVar(&opts.maxTokens, "max-tokens", 0, "maximum output tokens per request")
	f.BoolVar(&opts.search, "search", false, "ground every request with Google Search")
	f.StringVar(&opts.thinkingLevel, "thinking-level", "", "thinking level for gemini-3 models")
	f.IntVar(&budget, "thinking-budget", 0, "thinking token budget for older models")
	f.BoolVar(&opts.noWait, "no-wait", false, "return once the batch is submitted")

	var (
		novel   studio.NovelParams
		novelNW bool
	)
	novelCmd := &cobra.Command{
		Use:   "novel",
		Short: "Plan a novel and print its title and abstract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := novel.Validate(); err != nil {
				return err
			}
			return a.batchSubmit(cmd.Context(), novel.Batch(), batchOptions{noWait: novelNW})
		},
	}
	nf := novelCmd.Flags()
	nf.IntVar(&novel.Chapters, "chapters", 10, "number of chapters to plan")
	nf.StringVar(&novel.Language, "language", "English", "language of the novel")
	nf.StringVar(&novel.Idea, "idea", "", "story idea to build on")
	nf.BoolVar(&novel.Search, "search", false, "ground the plan with Google Search")
	nf.BoolVar(&novelNW, "no-wait", false, "return once the batch is submitted")

	status := &cobra.Command{
		Use:   "status [job-id]",
		Short: "List batch jobs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				jobs, err := a.listJobs(cmd.Context(), toolBatch)
				if err != nil {
					return err
				}
				a.printJobs(jobs)
				return nil
			}
			job, err := a.findJob(cmd.Context(), toolBatch, args[0])
			if err != nil {
				return err
			}
			a.printJob(job)
			return nil
		},
	}

	resume := &cobra.Command{
		Use:   "resume [job-id]",
		Short: "Poll a pending batch, or every pending batch, until it ends",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.resumeJobs(cmd.Context(), toolBatch, args)
		},
	}

	cmd.AddCommand(submit, novelCmd, status, resume)
	return cmd
}

func (a *app) batchSubmit(ctx context.Context, params studio.BatchParams, opts batchOptions) error {
	if err := params.Validate(); err != nil {
		return err
	}

	cred, err := a.credential(ctx, toolBatch)
	if err != nil {
		return err
	}
	model, err := a.model(ctx, toolBatch)
	if err != nil {
		return err
	}

	params.Model = model

	req := studio.BuildBatchRequest(params, opts.thinkingLevel, opts.thinkingBudget)
	name, err := a.api.BatchGenerateContent(ctx, cred, model, req)
	if err != nil {
		return err
	}
	job, err := newJob(models.JobTypeBatch, name, model, params)
	if err != nil {
		return err
	}
	if err := a.saveJob(ctx, toolBatch, job); err != nil {
		return err
	}
	goodColor.Fprintf(a.out, "submitted %s as job %s (%d prompt(s))\n", name, shortID(job), len(params.Prompts))

	if opts.noWait {
		return nil
	}
	if err := a.track(ctx, toolBatch, cred, job); err != nil {
		return err
	}
	a.printJob(job)
	return nil
}

// resumeJobs polls the referenced job, or every pending job of tool, one
// after another. Failures are reported and the rest still run.
func (a *app) resumeJobs(ctx context.Context, tool string, refs []string) error {
	cred, err := a.credential(ctx, tool)
	if err != nil {
		return err
	}

	var jobs []*models.Job
	if len(refs) > 0 {
		job, err := a.findJob(ctx, tool, refs[0])
		if err != nil {
			return err
		}
		if job.Terminal() {
			return fmt.Errorf("job %s is already %s", shortID(job), job.Status)
		}
		jobs = []*models.Job{job}
	} else {
		all, err := a.listJobs(ctx, tool)
		if err != nil {
			return err
		}
		for _, j := range all {
			if !j.Terminal() {
				jobs = append(jobs, j)
			}
		}
	}
	if len(jobs) == 0 {
		fmt.Fprintln(a.out, "no pending jobs")
		return nil
	}

	var errs []error
	for _, j := range jobs {
		err := a.track(ctx, tool, cred, j)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			badColor.Fprintln(a.errOut, err)
			errs = append(errs, err)
			continue
		}
		a.printJob(j)
	}
	return errors.Join(errs...)
}

// splitPrompts separates prompts on blank lines.
func splitPrompts(data []byte) []string {
	var prompts []string
	var cur []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			prompts = append(prompts, p)
		}
		cur = cur[:0]
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return prompts
}
