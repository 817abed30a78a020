package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

const lastOperationKey = "last_operation"

type videoOptions struct {
	image    string
	samples  int
	aspect   string
	negative string
	duration int
	outDir   string
	noWait   bool
}

func newVideoCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "video",
		Short: "Render videos with a long-running operation",
	}

	var opts videoOptions
	generate := &cobra.Command{
		Use:   "generate <prompt>...",
		Short: "Start a video operation and download the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.videoGenerate(cmd.Context(), strings.Join(args, " "), opts)
		},
	}
	f := generate.Flags()
	f.StringVarP(&opts.image, "image", "i", "", "starting image")
	f.IntVarP(&opts.samples, "samples", "n", 1, fmt.Sprintf("number of videos (1-%d)", studio.MaxVideoSamples))
	f.StringVar(&opts.aspect, "aspect", "", "aspect ratio such as 16:9 or 9:16")
	f.StringVar(&opts.negative, "negative", "", "what the video should avoid")
	f.IntVar(&opts.duration, "duration", 0, "length in seconds (0 leaves the model default)")
	f.StringVarP(&opts.outDir, "out", "o", ".", "directory the videos are saved to")
	f.BoolVar(&opts.noWait, "no-wait", false, "return once the operation is started")

	var recoverOut string
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume the last video operation and download its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.videoRecover(cmd.Context(), recoverOut)
		},
	}
	recoverCmd.Flags().StringVarP(&recoverOut, "out", "o", ".", "directory the videos are saved to")

	status := &cobra.Command{
		Use:   "status [job-id]",
		Short: "List video jobs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				jobs, err := a.listJobs(cmd.Context(), toolVideo)
				if err != nil {
					return err
				}
				a.printJobs(jobs)
				return nil
			}
			job, err := a.findJob(cmd.Context(), toolVideo, args[0])
			if err != nil {
				return err
			}
			a.printJob(job)
			return nil
		},
	}

	cmd.AddCommand(generate, recoverCmd, status)
	return cmd
}

func (a *app) videoGenerate(ctx context.Context, prompt string, opts videoOptions) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if opts.samples < 1 || opts.samples > studio.MaxVideoSamples {
		return fmt.Errorf("--samples must be between 1 and %d", studio.MaxVideoSamples)
	}
	if opts.duration < 0 {
		return fmt.Errorf("--duration must not be negative")
	}

	cred, err := a.credential(ctx, toolVideo)
	if err != nil {
		return err
	}
	model, err := a.model(ctx, toolVideo)
	if err != nil {
		return err
	}

	req := &gemini.VideoRequest{
		Prompt:          prompt,
		SampleCount:     opts.samples,
		AspectRatio:     opts.aspect,
		NegativePrompt:  opts.negative,
		DurationSeconds: opts.duration,
	}
	if opts.image != "" {
		blob, err := readBlob(opts.image)
		if err != nil {
			return err
		}
		req.Image = blob
	}

	name, err := a.api.PredictLongRunning(ctx, cred, model, req)
	if err != nil {
		return err
	}
	if err := a.view(toolVideo).Put(context.WithoutCancel(ctx), lastOperationKey, name); err != nil {
		return err
	}

	job, err := newJob(models.JobTypeVideo, name, model, studio.VideoParams{
		Prompt:          prompt,
		Model:           model,
		SampleCount:     opts.samples,
		AspectRatio:     opts.aspect,
		NegativePrompt:  opts.negative,
		DurationSeconds: opts.duration,
		HasImage:        req.Image != nil,
	})
	if err != nil {
		return err
	}
	if err := a.saveJob(ctx, toolVideo, job); err != nil {
		return err
	}
	goodColor.Fprintf(a.out, "started %s as job %s\n", name, shortID(job))

	if opts.noWait {
		return nil
	}
	return a.finishVideo(ctx, cred, job, opts.outDir)
}

// videoRecover picks up the last operation started from this machine,
// creating a job record for it when none exists.
func (a *app) videoRecover(ctx context.Context, outDir string) error {
	name, ok, err := a.view(toolVideo).Get(ctx, lastOperationKey)
	if err != nil {
		return err
	}
	if !ok || name == "" {
		return fmt.Errorf("no video operation to recover")
	}

	cred, err := a.credential(ctx, toolVideo)
	if err != nil {
		return err
	}

	job, err := a.findJob(ctx, toolVideo, name)
	switch {
	case errors.Is(err, errJobNotFound):
		model, err := a.model(ctx, toolVideo)
		if err != nil {
			return err
		}
		if job, err = newJob(models.JobTypeVideo, name, model, studio.VideoParams{Model: model}); err != nil {
			return err
		}
		if err := a.saveJob(ctx, toolVideo, job); err != nil {
			return err
		}
	case err != nil:
		return err
	}
	fmt.Fprintf(a.out, "recovering %s (job %s)\n", name, shortID(job))
	return a.finishVideo(ctx, cred, job, outDir)
}

func (a *app) finishVideo(ctx context.Context, cred string, job *models.Job, outDir string) error {
	if err := a.track(ctx, toolVideo, cred, job); err != nil {
		return err
	}
	if job.Status != models.JobStatusCompleted {
		return fmt.Errorf("job %s is %s", shortID(job), job.Status)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", outDir, err)
	}
	for i, uri := range job.Result.VideoURIs {
		path := filepath.Join(outDir, fmt.Sprintf("%s-%d.mp4", shortID(job), i))
		n, err := a.download(ctx, cred, uri, path)
		if err != nil {
			return err
		}
		goodColor.Fprintf(a.out, "saved %s (%d bytes)\n", path, n)
	}
	return nil
}

// download writes uri to path, removing a partial file on failure.
func (a *app) download(ctx context.Context, cred, uri, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	n, err := a.api.Download(ctx, cred, uri, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("downloading %s: %w", uri, err)
	}
	return n, nil
}
