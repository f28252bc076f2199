package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var (
		k       int
		keyword bool
		vector  bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search chunks across the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			path := "/search"
			if keyword {
				path = "/search/keyword"
			} else if vector {
				path = "/search/vector"
			}

			var resp struct {
				Results []struct {
					ChunkID   string  `json:"chunk_id"`
					DocID     string  `json:"doc_id"`
					PageStart int     `json:"page_start"`
					Text      string  `json:"text"`
					Score     float64 `json:"score"`
					Source    string  `json:"source"`
				} `json:"results"`
				Warnings []string `json:"warnings"`
				TimingMS int64    `json:"timing_ms"`
			}
			if err := newClient().postJSON(path, map[string]any{"q": q, "k": k}, &resp); err != nil {
				return err
			}
			if outputJSON {
				printJSON(resp)
				return nil
			}

			for i, hit := range resp.Results {
				color.New(color.FgCyan, color.Bold).Printf("%2d. ", i+1)
				fmt.Printf("%.3f  %s  doc=%s p%d\n", hit.Score, hit.Source, shortID(hit.DocID), hit.PageStart+1)
				fmt.Printf("    %s\n", snippet(hit.Text, 160))
			}
			if len(resp.Results) == 0 {
				color.New(color.FgYellow).Println("no results")
			}
			for _, w := range resp.Warnings {
				color.New(color.FgYellow).Printf("⚠ %s\n", w)
			}
			fmt.Printf("%d results in %dms\n", len(resp.Results), resp.TimingMS)
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "top", "k", 8, "number of results")
	cmd.Flags().BoolVar(&keyword, "keyword", false, "keyword search only")
	cmd.Flags().BoolVar(&vector, "vector", false, "vector search only")
	return cmd
}

func newAskCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a grounded question over the corpus",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")

			var resp struct {
				Answer    string `json:"answer"`
				Mode      string `json:"mode"`
				Citations []struct {
					N         int    `json:"n"`
					DocID     string `json:"doc_id"`
					PageStart int    `json:"page_start"`
					OpenURL   string `json:"open_url"`
				} `json:"citations"`
				Confidence   float64  `json:"confidence"`
				Groundedness float64  `json:"groundedness"`
				Warnings     []string `json:"warnings"`
			}
			if err := newClient().postJSON("/answer", map[string]any{"q": q, "k": k}, &resp); err != nil {
				return err
			}
			if outputJSON {
				printJSON(resp)
				return nil
			}

			fmt.Println(resp.Answer)
			if len(resp.Citations) > 0 {
				fmt.Println()
				color.New(color.FgCyan, color.Bold).Println("Sources:")
				for _, c := range resp.Citations {
					fmt.Printf("  [%d] doc %s, page %d\n", c.N, shortID(c.DocID), c.PageStart+1)
				}
			}
			fmt.Println()
			fmt.Printf("mode=%s confidence=%.2f groundedness=%.2f\n", resp.Mode, resp.Confidence, resp.Groundedness)
			for _, w := range resp.Warnings {
				color.New(color.FgYellow).Printf("⚠ %s\n", w)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "top", "k", 8, "retrieval depth")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > max {
		return text[:max] + "…"
	}
	return text
}
