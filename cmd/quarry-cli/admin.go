package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <doc_id>",
		Short: "Show a document's pipeline status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				DocID      string `json:"doc_id"`
				State      string `json:"state"`
				Normalized bool   `json:"normalized"`
				Extracted  bool   `json:"extracted"`
				Chunked    bool   `json:"chunked"`
				Embedded   bool   `json:"embedded"`
			}
			if err := newClient().getJSON("/ui/status/"+args[0], &resp); err != nil {
				return err
			}
			if outputJSON {
				printJSON(resp)
				return nil
			}
			fmt.Printf("doc %s: %s\n", resp.DocID, resp.State)
			stageLine("normalized", resp.Normalized)
			stageLine("extracted", resp.Extracted)
			stageLine("chunked", resp.Chunked)
			stageLine("embedded", resp.Embedded)
			return nil
		},
	}
}

func stageLine(name string, done bool) {
	if done {
		color.New(color.FgGreen).Printf("  ✓ %s\n", name)
	} else {
		fmt.Printf("  · %s\n", name)
	}
}

func newDocsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List the tenant's documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Docs []struct {
					DocID     string `json:"doc_id"`
					URI       string `json:"uri"`
					MIME      string `json:"mime"`
					SizeBytes int64  `json:"size_bytes"`
					State     string `json:"state"`
				} `json:"docs"`
				Count int `json:"count"`
			}
			if err := newClient().getJSON(fmt.Sprintf("/ui/docs?limit=%d", limit), &resp); err != nil {
				return err
			}
			if outputJSON {
				printJSON(resp)
				return nil
			}
			for _, d := range resp.Docs {
				fmt.Printf("%s  %-10s  %-24s  %s\n", d.DocID, d.State, d.MIME, d.URI)
			}
			fmt.Printf("%d documents\n", resp.Count)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "max documents to list")
	return cmd
}

func newJobCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "job <job_id>",
		Short: "Show or wait for a background job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if wait {
				return waitForJob(client, args[0])
			}
			var job map[string]any
			if err := client.getJSON("/jobs/"+args[0], &job); err != nil {
				return err
			}
			printJSON(job)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check API server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				OK       bool            `json:"ok"`
				Services map[string]bool `json:"services"`
				Version  string          `json:"version"`
				Env      string          `json:"env"`
			}
			if err := newClient().getJSON("/healthz", &resp); err != nil {
				return err
			}
			if outputJSON {
				printJSON(resp)
				return nil
			}
			if resp.OK {
				color.New(color.FgGreen).Printf("✓ healthy (v%s, %s)\n", resp.Version, resp.Env)
			} else {
				color.New(color.FgRed).Println("✗ unhealthy")
			}
			for name, ok := range resp.Services {
				stageLine(name, ok)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Version string `json:"version"`
			}
			if err := newClient().getJSON("/healthz", &resp); err != nil {
				return err
			}
			fmt.Println(resp.Version)
			return nil
		},
	}
}
