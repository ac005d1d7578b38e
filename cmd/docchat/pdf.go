package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/app"
	"github.com/kalambet/docchat/internal/pdfview"
)

var pdfCmd = &cobra.Command{
	Use:   "pdf",
	Short: "Read, search and save PDF knowledge items",
}

// withViewer opens the document behind args[0] in a fresh viewer.
func withViewer(cmd *cobra.Command, args []string, fn func(ctx context.Context, a *app.App, v *pdfview.Viewer) error) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if !noColor && stderrIsTerminal {
			a.Highlighter.Open, a.Highlighter.Close = "\033[7m", colorReset
		}
		v := a.NewViewer()
		defer v.Close()
		if err := v.Open(ctx, id); err != nil {
			return err
		}
		return fn(ctx, a, v)
	})
}

var pdfInfoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show file and document metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withViewer(cmd, args, func(ctx context.Context, a *app.App, v *pdfview.Viewer) error {
			info := v.FileInfo()
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "name\t%s\n", info.Name)
			fmt.Fprintf(tw, "size\t%s\n", humanize.IBytes(uint64(info.Size)))
			fmt.Fprintf(tw, "content type\t%s\n", info.ContentType)
			if info.LastModified != nil {
				fmt.Fprintf(tw, "modified\t%s (%s)\n", formatTime(*info.LastModified), humanize.Time(*info.LastModified))
			}
			fmt.Fprintf(tw, "pages\t%d\n", info.Pages)
			if info.Title != "" {
				fmt.Fprintf(tw, "title\t%s\n", info.Title)
			}
			if info.Author != "" {
				fmt.Fprintf(tw, "author\t%s\n", info.Author)
			}
			return tw.Flush()
		})
	},
}

var pdfSearchCmd = &cobra.Command{
	Use:   "search <id> <query>",
	Short: "Find text in a PDF",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args[1:], " ")
		return withViewer(cmd, args, func(ctx context.Context, a *app.App, v *pdfview.Viewer) error {
			if err := v.Search(ctx, query); err != nil {
				return err
			}
			results := v.Results()
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matches.")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%s page %d: %s\n",
					colorize(colorDim, fmt.Sprintf("%d/%d", i+1, len(results))), r.PageIndex+1, r.Text)
			}
			return nil
		})
	},
}

var pdfPageCmd = &cobra.Command{
	Use:   "page <id> <n>",
	Short: "Print the text of one page",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid page number %q", args[1])
		}
		query, _ := cmd.Flags().GetString("highlight")
		return withViewer(cmd, args, func(ctx context.Context, a *app.App, v *pdfview.Viewer) error {
			text, err := v.HighlightPage(ctx, n, query)
			if err != nil {
				return err
			}
			if query != "" {
				if texts, err := v.PageTexts(ctx); err == nil && !a.Highlighter.Matches(texts[n-1], query) {
					printWarning("No matches for %q on page %d", query, n)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		})
	},
}

var pdfDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Save the PDF to disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		return withViewer(cmd, args, func(ctx context.Context, a *app.App, v *pdfview.Viewer) error {
			path, err := v.Download(dir)
			if err != nil {
				return err
			}
			printSuccess("Saved %s", path)
			return nil
		})
	},
}

var pdfPrintCmd = &cobra.Command{
	Use:   "print <id>",
	Short: "Open the PDF in the system viewer for printing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withViewer(cmd, args, func(ctx context.Context, a *app.App, v *pdfview.Viewer) error {
			if err := v.Print(ctx); err != nil {
				return err
			}
			// the viewer fetches from our loopback server
			printStep("Serving %s; press Ctrl-C when done", v.URL())
			<-ctx.Done()
			return nil
		})
	},
}

var pdfCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local page text cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		clearAll, _ := cmd.Flags().GetBool("clear")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			db := a.Store()
			if db == nil {
				return fmt.Errorf("page text cache is unavailable")
			}
			docs, err := db.ListDocuments(ctx)
			if err != nil {
				return err
			}
			if clearAll {
				for _, d := range docs {
					if err := db.DeletePageTexts(ctx, d.FileID); err != nil {
						return err
					}
				}
				printSuccess("Cleared %d cached document(s)", len(docs))
				return nil
			}
			if len(docs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing cached.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "FILE\tPAGES\tSTORED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", d.FileID, d.PageCount, humanize.Time(d.StoredAt))
			}
			return tw.Flush()
		})
	},
}

func init() {
	pdfPageCmd.Flags().String("highlight", "", "mark matches of this query")
	pdfDownloadCmd.Flags().String("dir", ".", "directory to save into")
	pdfCacheCmd.Flags().Bool("clear", false, "drop every cached document")
	pdfCmd.AddCommand(pdfInfoCmd, pdfSearchCmd, pdfPageCmd, pdfDownloadCmd, pdfPrintCmd, pdfCacheCmd)
}
