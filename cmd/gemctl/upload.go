package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/gemstudio/internal/gemini"
	"github.com/kiranshivaraju/gemstudio/internal/studio"
	"github.com/kiranshivaraju/gemstudio/pkg/models"
)

func newUploadCmd(a *app) *cobra.Command {
	var mimeType, displayName string

	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload media and wait until it can be used in prompts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.upload(cmd.Context(), args[0], mimeType, displayName)
		},
	}
	cmd.Flags().StringVar(&mimeType, "mime", "", "MIME type (detected from the file when empty)")
	cmd.Flags().StringVar(&displayName, "name", "", "display name (defaults to the file name)")
	return cmd
}

func (a *app) upload(ctx context.Context, path, mimeType, displayName string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}

	if mimeType == "" {
		head := make([]byte, 512)
		n, _ := f.Read(head)
		if _, err := f.Seek(0, 0); err != nil {
			return fmt.Errorf("rewinding %s: %w", path, err)
		}
		mimeType = detectMIME(path, head[:n])
	}
	if displayName == "" {
		displayName = filepath.Base(path)
	}

	cred, err := a.credential(ctx, toolUpload)
	if err != nil {
		return err
	}

	file, err := a.api.UploadFile(ctx, cred, gemini.FileUpload{
		DisplayName: displayName,
		MIMEType:    mimeType,
		Size:        info.Size(),
	}, f)
	if err != nil {
		return err
	}

	job, err := newJob(models.JobTypeFile, file.Name, "", map[string]any{
		"display_name": displayName,
		"mime_type":    mimeType,
		"size":         info.Size(),
	})
	if err != nil {
		return err
	}
	if err := a.saveJob(ctx, toolUpload, job); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "uploaded %s as %s\n", path, file.Name)

	switch strings.ToUpper(file.State) {
	case "ACTIVE":
		payload, err := json.Marshal(file)
		if err != nil {
			return err
		}
		result, err := studio.ParseResult(job, payload)
		if err != nil {
			return a.failJob(ctx, toolUpload, job, err.Error())
		}
		if err := a.completeJob(ctx, toolUpload, job, result); err != nil {
			return err
		}
	case "FAILED":
		return a.failJob(ctx, toolUpload, job, "file processing failed")
	default:
		if err := a.track(ctx, toolUpload, cred, job); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.out, "uri:  %s\nmime: %s\n", job.Result.FileURI, job.Result.MIMEType)
	faintColor.Fprintf(a.out, "use it with: gemctl generate --file-uri %s --file-mime %s <prompt>\n", job.Result.FileURI, job.Result.MIMEType)
	return nil
}
