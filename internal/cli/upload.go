package cli

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/internal/app"
)

// UploadOutput is the JSON form of a finished upload.
type UploadOutput struct {
	File        string `json:"file"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type"`
}

func newUploadCommand(flags *rootFlags) *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   "upload <signed-url> <file>",
		Short: "Upload a document to a pre-signed URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			signedURL, path := args[0], args[1]

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", path)
			}

			ct := contentType
			if ct == "" {
				ct = detectContentType(path)
			}

			return flags.withApp(cmd, func(a *app.App) error {
				progress := cmd.ErrOrStderr()
				name := filepath.Base(path)
				err := a.API.Upload(cmd.Context(), signedURL, f, info.Size(), ct, func(percent int) {
					if !flags.jsonOutput {
						fmt.Fprintf(progress, "\rUploading %s: %3d%%", name, percent)
					}
				})
				if !flags.jsonOutput {
					fmt.Fprintln(progress)
				}
				if err != nil {
					return err
				}

				out := UploadOutput{File: name, Bytes: info.Size(), ContentType: ct}
				return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "Uploaded %s (%d bytes, %s)\n", out.File, out.Bytes, out.ContentType)
				})
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type (detected from the file extension when omitted)")
	return cmd
}

func detectContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
