package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/TaskExport/internal/model"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call sends a JSON request to the API and decodes a JSON reply into out.
func call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(apiURL, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRequestCmd() *cobra.Command {
	var (
		format                     string
		status, priority           []string
		createdFrom, createdTo     string
		completedFrom, completedTo string
		sortBy, sortOrder          string
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request an export of the matching tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := model.FilterSpec{Status: status, Priority: priority, SortBy: sortBy, SortOrder: sortOrder}
			for _, f := range []struct {
				raw string
				dst **time.Time
			}{
				{createdFrom, &filter.CreatedFrom},
				{createdTo, &filter.CreatedTo},
				{completedFrom, &filter.CompletedFrom},
				{completedTo, &filter.CompletedTo},
			} {
				if f.raw == "" {
					continue
				}
				t, err := time.Parse(time.RFC3339, f.raw)
				if err != nil {
					return fmt.Errorf("parse time %q: %w", f.raw, err)
				}
				*f.dst = &t
			}
			body := map[string]any{"filter": filter, "format": format}
			var out map[string]any
			if err := call(cmd.Context(), http.MethodPost, "/exports", body, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&format, "format", "csv", "Artifact format (csv or json)")
	cmd.Flags().StringSliceVar(&status, "status", nil, "Task statuses to include")
	cmd.Flags().StringSliceVar(&priority, "priority", nil, "Task priorities to include")
	cmd.Flags().StringVar(&createdFrom, "created-from", "", "Earliest creation time (RFC3339)")
	cmd.Flags().StringVar(&createdTo, "created-to", "", "Latest creation time (RFC3339)")
	cmd.Flags().StringVar(&completedFrom, "completed-from", "", "Earliest completion time (RFC3339)")
	cmd.Flags().StringVar(&completedTo, "completed-to", "", "Latest completion time (RFC3339)")
	cmd.Flags().StringVar(&sortBy, "sort-by", "", "Sort field")
	cmd.Flags().StringVar(&sortOrder, "sort-order", "", "Sort order (asc or desc)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <export-id>",
		Short: "Show an export and its job progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(cmd.Context(), http.MethodGet, "/exports/"+url.PathEscape(args[0]), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newRepeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repeat <export-id>",
		Short: "Rerun a failed export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := call(cmd.Context(), http.MethodPost, "/exports/"+url.PathEscape(args[0])+"/repeat", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <export-id>",
		Short: "Cancel an export that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := call(cmd.Context(), http.MethodDelete, "/exports/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "export %s cancelled\n", args[0])
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		status, format string
		page, limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past exports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if format != "" {
				q.Set("format", format)
			}
			q.Set("page", strconv.Itoa(page))
			q.Set("limit", strconv.Itoa(limit))
			var out map[string]any
			if err := call(cmd.Context(), http.MethodGet, "/exports?"+q.Encode(), nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only exports in this status")
	cmd.Flags().StringVar(&format, "format", "", "Only exports of this format")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size (max 100)")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <export-id>",
		Short: "Download a completed export artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/exports/"+url.PathEscape(args[0])+"/download", nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("download %s: %s", args[0], resp.Status)
			}
			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err = io.Copy(w, resp.Body)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}
