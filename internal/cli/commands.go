package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/asad/blobgate/internal/blobapi"
	"github.com/asad/blobgate/internal/client"
	"github.com/asad/blobgate/internal/credentials"
)

func newSignCmd(load func() (*app, error)) *cobra.Command {
	var (
		req blobapi.UploadRequest
		ttl int
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Mint a signed upload URL without a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()

			if cmd.Flags().Changed("ttl") {
				req.TTLSeconds = &ttl
			}
			grant, err := a.api.Sign(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), grant)
		},
	}
	cmd.Flags().StringVar(&req.Dir, "dir", "", "logical directory of the object")
	cmd.Flags().StringVar(&req.Filename, "filename", "", "original file name")
	cmd.Flags().StringVar(&req.ContentType, "content-type", "", "declared content type")
	cmd.Flags().StringVar(&req.MediaID, "media-id", "", "owning entity id (default misc)")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "grant lifetime in seconds, clamped to 60-3600")
	return cmd
}

func newDeleteCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "delete BLOB_PATH",
		Short: "Delete an object if it exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()

			existed, err := a.api.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"ok": true, "existed": existed})
		},
	}
}

func newPutCmd(load func() (*app, error)) *cobra.Command {
	var (
		server      string
		dir         string
		mediaID     string
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "put FILE",
		Short: "Upload a file through a running server's signed URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = a.logger.Sync() }()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if contentType == "" {
				contentType = detectContentType(args[0], data)
			}
			if server == "" {
				server = "http://localhost:" + strconv.Itoa(a.cfg.API.Port)
			}

			c := client.New(server, credentials.Clean(a.cfg.Storage.Container))
			result, err := c.UploadFile(cmd.Context(), client.File{
				Name:        filepath.Base(args[0]),
				ContentType: contentType,
				Data:        data,
			}, dir, mediaID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "server base URL (default http://localhost:API_PORT)")
	cmd.Flags().StringVar(&dir, "dir", "", "logical directory of the object")
	cmd.Flags().StringVar(&mediaID, "media-id", "", "owning entity id (default misc)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default from extension or content)")
	_ = cmd.MarkFlagRequired("dir")
	return cmd
}

// detectContentType prefers the extension and falls back to sniffing.
func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
