package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type ingestResponse struct {
	Results  []ingestItem `json:"results"`
	Ingested []ingestItem `json:"ingested"`
	JobID    string       `json:"job_id"`
	Accepted bool         `json:"accepted"`
	DocIDs   []string     `json:"doc_ids"`
}

type ingestItem struct {
	Filename  string   `json:"filename"`
	DocID     string   `json:"doc_id"`
	SHA256    string   `json:"sha256"`
	State     string   `json:"state"`
	SizeBytes int64    `json:"size_bytes"`
	MIME      string   `json:"mime"`
	Duplicate bool     `json:"duplicate"`
	Rejected  bool     `json:"rejected"`
	Warnings  []string `json:"warnings"`
	Error     string   `json:"error"`
}

func newIngestCmd() *cobra.Command {
	var (
		fromURL   string
		sourceURI string
		source    string
		index     bool
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest files or a URL into the corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()

			if fromURL != "" {
				var resp ingestResponse
				if err := client.postJSON("/ingest/url", map[string]string{
					"url": fromURL, "source": source,
				}, &resp); err != nil {
					return err
				}
				return reportIngest(resp.Results)
			}

			if len(args) == 0 {
				return fmt.Errorf("provide files to ingest or --url")
			}

			fields := map[string]string{"source_uri": sourceURI, "source": source}
			path := "/ingest"
			if index && wait {
				path = "/pipeline/ingest_job"
			} else if index {
				path = "/pipeline/ingest_index"
			}

			var resp ingestResponse
			if err := client.postFiles(path, args, fields, &resp); err != nil {
				return err
			}

			items := resp.Results
			if len(resp.Ingested) > 0 {
				items = resp.Ingested
			}
			if err := reportIngest(items); err != nil {
				return err
			}
			if resp.JobID != "" {
				return waitForJob(client, resp.JobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromURL, "url", "", "ingest a web page instead of files")
	cmd.Flags().StringVar(&sourceURI, "source-uri", "", "logical source URI recorded on the documents")
	cmd.Flags().StringVar(&source, "source", "cli", "source label")
	cmd.Flags().BoolVar(&index, "index", false, "run the processing pipeline after ingest")
	cmd.Flags().BoolVar(&wait, "wait", false, "with --index, queue a job and wait for it")
	return cmd
}

func reportIngest(items []ingestItem) error {
	if outputJSON {
		printJSON(items)
		return nil
	}
	failed := 0
	for _, item := range items {
		switch {
		case item.Error != "":
			failed++
			color.New(color.FgRed).Printf("✗ %s: %s\n", item.Filename, item.Error)
		case item.Rejected:
			failed++
			color.New(color.FgRed).Printf("✗ %s: rejected %v\n", item.Filename, item.Warnings)
		case item.Duplicate:
			color.New(color.FgYellow).Printf("⚠ %s: duplicate of %s\n", item.Filename, item.DocID)
		default:
			color.New(color.FgGreen).Printf("✓ %s → %s (%s)\n", item.Filename, item.DocID, item.MIME)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(items))
	}
	return nil
}

// waitForJob polls the job endpoint until it finishes.
func waitForJob(client *apiClient, jobID string) error {
	var bar *progressbar.ProgressBar
	if !outputJSON {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription("pipeline"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for {
		var job struct {
			Status   string         `json:"status"`
			Progress float64        `json:"progress"`
			Result   map[string]any `json:"result"`
			Error    string         `json:"error"`
		}
		if err := client.getJSON("/jobs/"+jobID, &job); err != nil {
			return err
		}
		if bar != nil {
			_ = bar.Set(int(job.Progress))
		}
		switch job.Status {
		case "DONE":
			if bar != nil {
				_ = bar.Finish()
			}
			if outputJSON {
				printJSON(job.Result)
			} else {
				color.New(color.FgGreen).Printf("✓ job %s done\n", jobID)
			}
			return nil
		case "ERROR":
			if bar != nil {
				_ = bar.Finish()
			}
			return fmt.Errorf("job %s failed: %s", jobID, job.Error)
		}
		time.Sleep(time.Second)
	}
}
