package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/app"
	"github.com/kalambet/docchat/internal/pdfview"
)

// scrollStep is how far j and k move the viewport, in layout units.
const scrollStep = 200

var pdfViewCmd = &cobra.Command{
	Use:   "view <id>",
	Short: "Page through and search a PDF interactively",
	Long: `Opens the PDF and reads commands from stdin:

  /text    search; a bare / clears the search
  n, p     next or previous page
  g N      go to page N
  j, k     scroll down or up
  +, -     zoom in or out
  z PCT    set the zoom, e.g. z 150
  r, R     rotate clockwise or counter-clockwise
  ], [     next or previous search result
  .        print the current page with matches marked
  q        quit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withViewer(cmd, args, func(ctx context.Context, a *app.App, v *pdfview.Viewer) error {
			tb := pdfview.NewToolbar(v)
			defer tb.Stop()
			return viewLoop(ctx, v, tb, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

func viewLoop(ctx context.Context, v *pdfview.Viewer, tb *pdfview.Toolbar, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	printViewStatus(out, v, tb)
	for {
		fmt.Fprint(out, colorize(colorBold, "pdf> "))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		quit, err := viewCommand(ctx, v, tb, line, out)
		if err != nil {
			printError("%v", err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
		printViewStatus(out, v, tb)
	}
}

func viewCommand(ctx context.Context, v *pdfview.Viewer, tb *pdfview.Toolbar, line string, out io.Writer) (quit bool, err error) {
	if query, ok := strings.CutPrefix(line, "/"); ok {
		// a submitted line is final, no need to wait out the debounce
		tb.SetQuery(ctx, strings.TrimSpace(query))
		return false, tb.Flush()
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "q", "quit":
		return true, nil
	case "n":
		v.NextPage()
	case "p":
		v.PrevPage()
	case "g":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("invalid page number %q", arg)
		}
		v.GoToPage(n)
	case "j":
		v.Wheel(scrollStep, false)
	case "k":
		v.Wheel(-scrollStep, false)
	case "+":
		v.ZoomIn()
	case "-":
		v.ZoomOut()
	case "z":
		pct, err := strconv.Atoi(strings.TrimSuffix(arg, "%"))
		if err != nil {
			return false, fmt.Errorf("invalid zoom %q", arg)
		}
		v.SetZoom(float64(pct) / 100)
	case "r":
		v.RotateClockwise()
	case "R":
		v.RotateCounterClockwise()
	case "]":
		if v.NextResult() < 0 {
			printWarning("No search results")
		}
	case "[":
		if v.PrevResult() < 0 {
			printWarning("No search results")
		}
	case ".":
		text, err := v.HighlightPage(ctx, v.Page(), v.Query())
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, text)
	default:
		return false, fmt.Errorf("unknown command %q", name)
	}
	return false, nil
}

func printViewStatus(out io.Writer, v *pdfview.Viewer, tb *pdfview.Toolbar) {
	status := fmt.Sprintf("page %s (%d%% visible)  zoom %s  rotation %d",
		tb.PageStatus(), int(math.Round(v.PageVisibility()*100)), tb.ZoomStatus(), v.Rotation())
	if s := tb.SearchStatus(); s != "" {
		status += "  match " + s
	}
	fmt.Fprintln(out, colorize(colorDim, status))
}

func init() {
	pdfCmd.AddCommand(pdfViewCmd)
}
