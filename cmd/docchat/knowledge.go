package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/docchat/internal/app"
	"github.com/kalambet/docchat/internal/knowledge"
	"github.com/kalambet/docchat/internal/model"
)

var knowledgeCmd = &cobra.Command{
	Use:     "knowledge",
	Aliases: []string{"kb"},
	Short:   "List and manage knowledge items",
	RunE: func(cmd *cobra.Command, args []string) error {
		return knowledgeListCmd.RunE(cmd, args)
	},
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List knowledge items",
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, _ := cmd.Flags().GetString("tag")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			a.Knowledge.Load(ctx)
			if err := a.Knowledge.Err(); err != nil {
				return err
			}
			var items []model.Knowledge
			for _, k := range a.Knowledge.AllKnowledge() {
				if tag == "" || hasTag(k, tag) {
					items = append(items, k)
				}
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No knowledge items.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tLABEL\tTAGS")
			for _, k := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					k.ID, k.Type, statusText(k.IngestionStatus), formatTime(k.CreatedAt),
					truncate(k.DisplayLabel(), 48), strings.Join(k.Tags, ","))
			}
			return tw.Flush()
		})
	},
}

var knowledgeShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one knowledge item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			k, err := lookupKnowledge(ctx, a, id)
			if err != nil {
				return err
			}
			printKnowledge(cmd.OutOrStdout(), k)
			return nil
		})
	},
}

var knowledgeUploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload files and follow their ingestion",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			files, closeAll, err := openUploads(args)
			if err != nil {
				return err
			}
			defer closeAll()

			ids, err := a.Knowledge.Upload(ctx, files)
			if err != nil {
				return err
			}
			for i, id := range ids {
				name := ""
				if i < len(files) {
					name = files[i].Name
				}
				printSuccess("Uploaded %s as %s", name, id)
			}
			return followIngestion(cmd, a, ids)
		})
	},
}

var knowledgeReplaceCmd = &cobra.Command{
	Use:   "replace <id> <file>",
	Short: "Replace the file behind a knowledge item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			files, closeAll, err := openUploads(args[1:])
			if err != nil {
				return err
			}
			defer closeAll()
			if err := a.Knowledge.Replace(ctx, id, files[0]); err != nil {
				return err
			}
			printSuccess("Replaced %s", id)
			return followIngestion(cmd, a, []uuid.UUID{id})
		})
	},
}

var knowledgeRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Restart ingestion of a failed item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Knowledge.RetryIngestion(ctx, id); err != nil {
				return err
			}
			printSuccess("Ingestion restarted for %s", id)
			return followIngestion(cmd, a, []uuid.UUID{id})
		})
	},
}

var knowledgeWatchCmd = &cobra.Command{
	Use:   "watch <id>...",
	Short: "Wait until the given items finish ingestion",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 0, len(args))
		for _, s := range args {
			id, err := parseID(s)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return waitIngestion(ctx, cmd.OutOrStdout(), a, ids)
		})
	},
}

var knowledgeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Knowledge.Delete(ctx, model.Knowledge{ID: id}); err != nil {
				return err
			}
			if db := a.Store(); db != nil {
				if err := db.DeletePageTexts(ctx, id.String()); err != nil {
					printWarning("Could not drop cached page text: %v", err)
				}
			}
			printSuccess("Deleted %s", id)
			return nil
		})
	},
}

var knowledgeTagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Add or remove tags",
}

var knowledgeTagAddCmd = &cobra.Command{
	Use:   "add <id> <tag>",
	Short: "Attach a tag",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tagAction(cmd, args, func(ctx context.Context, a *app.App, id uuid.UUID, tag string) error {
			return a.Knowledge.AddTag(ctx, id, tag)
		}, "Tagged %s with %q")
	},
}

var knowledgeTagRmCmd = &cobra.Command{
	Use:     "rm <id> <tag>",
	Aliases: []string{"remove"},
	Short:   "Detach a tag",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return tagAction(cmd, args, func(ctx context.Context, a *app.App, id uuid.UUID, tag string) error {
			return a.Knowledge.RemoveTag(ctx, id, tag)
		}, "Removed %[2]q from %[1]s")
	},
}

func tagAction(cmd *cobra.Command, args []string, fn func(context.Context, *app.App, uuid.UUID, string) error, done string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	tag := strings.TrimSpace(args[1])
	if tag == "" {
		return fmt.Errorf("tag must not be empty")
	}
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := fn(ctx, a, id, tag); err != nil {
			return err
		}
		printSuccess(done, id, tag)
		return nil
	})
}

var knowledgeShareCmd = &cobra.Command{
	Use:   "share <id> <username> [READONLY|READWRITE]",
	Short: "Grant another user access",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		perm := model.PermissionReadOnly
		if len(args) == 3 {
			if perm, err = model.ParsePermission(strings.ToUpper(args[2])); err != nil {
				return err
			}
		}
		if perm == model.PermissionOwner {
			return fmt.Errorf("granting %s to %s: %w", perm, args[1], knowledge.ErrOwnerPermission)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			k, err := lookupKnowledge(ctx, a, id)
			if err != nil {
				return err
			}
			if err := a.Knowledge.SetPermission(ctx, k, args[1], perm); err != nil {
				return err
			}
			printSuccess("Shared %s with %s (%s)", id, args[1], perm)
			return nil
		})
	},
}

var knowledgeUnshareCmd = &cobra.Command{
	Use:   "unshare <id> <username>",
	Short: "Revoke another user's access",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			k, err := lookupKnowledge(ctx, a, id)
			if err != nil {
				return err
			}
			if err := a.Knowledge.RemovePermission(ctx, k, args[1]); err != nil {
				return err
			}
			printSuccess("Revoked %s's access to %s", args[1], id)
			return nil
		})
	},
}

func init() {
	knowledgeListCmd.Flags().String("tag", "", "only items carrying this tag")
	for _, c := range []*cobra.Command{knowledgeUploadCmd, knowledgeReplaceCmd, knowledgeRetryCmd} {
		c.Flags().Bool("no-wait", false, "return without waiting for ingestion")
	}
	knowledgeTagCmd.AddCommand(knowledgeTagAddCmd, knowledgeTagRmCmd)
	knowledgeCmd.AddCommand(knowledgeListCmd, knowledgeShowCmd, knowledgeUploadCmd, knowledgeReplaceCmd,
		knowledgeRetryCmd, knowledgeWatchCmd, knowledgeDeleteCmd, knowledgeTagCmd,
		knowledgeShareCmd, knowledgeUnshareCmd)
}

func lookupKnowledge(ctx context.Context, a *app.App, id uuid.UUID) (model.Knowledge, error) {
	if k, ok := a.Knowledge.Get(id); ok {
		return k, nil
	}
	k, err := a.Backend.FetchKnowledgeByID(ctx, id)
	if err != nil {
		return model.Knowledge{}, err
	}
	if k == nil {
		return model.Knowledge{}, fmt.Errorf("knowledge item %s not found", id)
	}
	return *k, nil
}

func openUploads(paths []string) ([]model.FileUpload, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	uploads := make([]model.FileUpload, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening %s: %w", p, err)
		}
		files = append(files, f)
		uploads = append(uploads, model.FileUpload{Name: filepath.Base(p), Reader: f})
	}
	return uploads, closeAll, nil
}

func followIngestion(cmd *cobra.Command, a *app.App, ids []uuid.UUID) error {
	noWait, _ := cmd.Flags().GetBool("no-wait")
	if noWait || !a.Config.Knowledge.WatchUploads {
		return nil
	}
	return waitIngestion(cmd.Context(), cmd.OutOrStdout(), a, ids)
}

// waitIngestion tracks ids until none is PENDING, then prints their status.
func waitIngestion(ctx context.Context, w io.Writer, a *app.App, ids []uuid.UUID) error {
	a.FileStatus.Track(ctx, ids...)
	if pending := len(a.FileStatus.Pending()); pending > 0 {
		printStep("Waiting for %d item(s) to finish ingestion", pending)
	}
	select {
	case <-a.FileStatus.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, id := range ids {
		if k, ok := a.Knowledge.Get(id); ok {
			fmt.Fprintf(w, "%s  %s  %s\n", id, statusText(k.IngestionStatus), k.DisplayLabel())
		}
	}
	return nil
}

func printKnowledge(w io.Writer, k model.Knowledge) {
	fmt.Fprintf(w, "%s\n", colorize(colorBold, k.DisplayLabel()))
	tw := newTable(w)
	fmt.Fprintf(tw, "  id\t%s\n", k.ID)
	fmt.Fprintf(tw, "  type\t%s\n", k.Type)
	fmt.Fprintf(tw, "  status\t%s\n", statusText(k.IngestionStatus))
	fmt.Fprintf(tw, "  created\t%s\n", formatTime(k.CreatedAt))
	if k.LastUpdatedAt != nil {
		fmt.Fprintf(tw, "  updated\t%s\n", formatTime(*k.LastUpdatedAt))
	}
	if k.Source != nil {
		fmt.Fprintf(tw, "  source\t%s\n", *k.Source)
	}
	if k.ContentType != nil {
		fmt.Fprintf(tw, "  content type\t%s\n", *k.ContentType)
	}
	if k.Checksum != nil {
		fmt.Fprintf(tw, "  checksum\t%s\n", *k.Checksum)
	}
	if len(k.Tags) > 0 {
		fmt.Fprintf(tw, "  tags\t%s\n", strings.Join(k.Tags, ", "))
	}
	tw.Flush()
	if perms := k.SortedPermissions(); len(perms) > 0 {
		fmt.Fprintln(w, "  shared with:")
		for _, p := range perms {
			fmt.Fprintf(w, "    %-24s %s\n", p.Username, p.Permission)
		}
	}
}

func statusText(s model.IngestionStatus) string {
	switch s {
	case model.IngestionSucceeded:
		return colorize(colorGreen, string(s))
	case model.IngestionFailed:
		return colorize(colorRed, string(s))
	default:
		return colorize(colorYellow, string(s))
	}
}

func hasTag(k model.Knowledge, tag string) bool {
	for _, t := range k.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
