package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docchat/internal/app"
	"github.com/kalambet/docchat/internal/auth"
	"github.com/kalambet/docchat/internal/chat"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/model"
)

// --- auth ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in through the identity provider in your browser",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res := a.Login(ctx, func(ctx context.Context, url string) error {
				printStep("Opening your browser to log in")
				if err := openURL(ctx, url); err != nil {
					printWarning("Could not open a browser. Visit this URL to continue:")
					fmt.Fprintln(os.Stderr, url)
				}
				return nil
			})
			return reportLogin(cmd.OutOrStdout(), res)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored login",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Logout(); err != nil {
				return err
			}
			printSuccess("Logged out")
			return nil
		})
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show who the backend sees you as",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return reportLogin(cmd.OutOrStdout(), a.Probe(ctx))
		})
	},
}

func reportLogin(w io.Writer, res auth.LoginResult) error {
	switch r := res.(type) {
	case auth.LoggedIn:
		line := r.User.Username
		if r.User.Name != nil && *r.User.Name != "" {
			line += " (" + *r.User.Name + ")"
		}
		fmt.Fprintln(w, line)
		return nil
	case auth.Anonymous:
		fmt.Fprintln(w, "anonymous")
		return nil
	case auth.LoginFailed:
		return r
	default:
		return fmt.Errorf("unexpected login result %T", res)
	}
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and manage chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListCmd.RunE(cmd, args)
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			a.Sessions.Load(ctx)
			if err := a.Sessions.Err(); err != nil {
				return err
			}
			list := a.Sessions.Sessions()
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet.")
				return nil
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "ID\tCREATED\tLABEL")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, formatTime(s.CreatedAt), s.DisplayLabel())
			}
			return tw.Flush()
		})
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <id> <label>",
	Short: "Set a session's label",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		label := strings.Join(args[1:], " ")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Sessions.Rename(ctx, id, label); err != nil {
				return err
			}
			printSuccess("Renamed %s to %q", id, label)
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Sessions.Delete(ctx, id); err != nil {
				return err
			}
			printSuccess("Deleted session %s", id)
			return nil
		})
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsRenameCmd, sessionsDeleteCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			o := a.NewChat(nil)
			if err := o.SwitchSession(ctx, id); err != nil {
				return err
			}
			for _, m := range o.Messages() {
				printMessage(cmd.OutOrStdout(), m)
			}
			return nil
		})
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat interactively; /help lists commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")
		modelFlag, _ := cmd.Flags().GetString("model")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return runChat(ctx, a, sessionFlag, modelFlag, cmd.InOrStdin(), cmd.OutOrStdout())
		})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send one prompt and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionFlag, _ := cmd.Flags().GetString("session")
		modelFlag, _ := cmd.Flags().GetString("model")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			o, err := startChat(ctx, a, sessionFlag, modelFlag)
			if err != nil {
				return err
			}
			before := len(o.Messages())
			submitErr := o.Submit(ctx, strings.Join(args, " "))
			printReplies(cmd.OutOrStdout(), o.Messages()[before:])
			if submitErr == nil {
				printStatus("Session", "%s", o.ActiveSession())
			}
			return submitErr
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{chatCmd, askCmd} {
		c.Flags().String("session", "", "session id to continue (default: a new session)")
		c.Flags().String("model", "", "chat model uid or name (default: chat.model)")
	}
}

func startChat(ctx context.Context, a *app.App, sessionFlag, modelFlag string) (*chat.Orchestrator, error) {
	o := a.NewChat(nil)
	m, err := a.ResolveModel(ctx, firstNonEmpty(modelFlag, a.Config.Chat.Model))
	if err != nil {
		return nil, err
	}
	o.SetModel(m)
	if sessionFlag != "" {
		id, err := parseID(sessionFlag)
		if err != nil {
			return nil, err
		}
		if err := o.SwitchSession(ctx, id); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func runChat(ctx context.Context, a *app.App, sessionFlag, modelFlag string, in io.Reader, out io.Writer) error {
	o, err := startChat(ctx, a, sessionFlag, modelFlag)
	if err != nil {
		return err
	}
	for _, m := range o.Messages() {
		printMessage(out, m)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.KeepAlive.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return chatLoop(ctx, a, o, in, out)
	})
	return g.Wait()
}

func chatLoop(ctx context.Context, a *app.App, o *chat.Orchestrator, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, colorize(colorBold, "> "))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := chatCommand(ctx, a, o, line, out)
			if err != nil {
				printError("%v", err)
			}
			if quit {
				return nil
			}
			continue
		}

		before := len(o.Messages())
		err := o.Submit(ctx, line)
		if errors.Is(err, chat.ErrBusy) {
			printWarning("Still waiting for the previous answer")
			continue
		}
		printReplies(out, o.Messages()[before:])
		if ctx.Err() != nil {
			return nil
		}
	}
}

func chatCommand(ctx context.Context, a *app.App, o *chat.Orchestrator, line string, out io.Writer) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		return false, o.SwitchSession(ctx, uuid.Nil)
	case "/session":
		id, err := parseID(arg)
		if err != nil {
			return false, err
		}
		if err := o.SwitchSession(ctx, id); err != nil {
			return false, err
		}
		for _, m := range o.Messages() {
			printMessage(out, m)
		}
		return false, nil
	case "/model":
		if arg == "" {
			if m := o.Model(); m != nil {
				fmt.Fprintf(out, "%s (%s)\n", m.Name, m.Provider)
			} else {
				fmt.Fprintln(out, "no model selected")
			}
			return false, nil
		}
		m, err := a.ResolveModel(ctx, arg)
		if err != nil {
			return false, err
		}
		o.SetModel(m)
		printSuccess("Using %s", m.Name)
		return false, nil
	case "/help":
		fmt.Fprintln(out, "/new  /session <id>  /model [name]  /quit")
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s; try /help", name)
	}
}

// printReplies prints msgs except the user's own prompt, which the terminal
// already shows.
func printReplies(w io.Writer, msgs []model.ChatMessage) {
	for _, m := range msgs {
		if m.Type != model.MessageUser {
			printMessage(w, m)
		}
	}
}

func printMessage(w io.Writer, m model.ChatMessage) {
	switch m.Type {
	case model.MessageUser:
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "you:"), m.Text)
	case model.MessageAI:
		who := "assistant"
		if m.ModelName != nil {
			who = *m.ModelName
		}
		fmt.Fprintf(w, "%s %s\n", colorize(colorCyan, who+":"), m.Text)
		for _, s := range m.Sources {
			fmt.Fprintf(w, "  %s %s  %s\n", colorize(colorDim, "source"), s.KnowledgeID, truncate(s.Content, 80))
		}
	case model.MessageSystem:
		fmt.Fprintln(w, colorize(colorYellow, m.Text))
	default:
		fmt.Fprintf(w, "%s %s\n", colorize(colorDim, string(m.Type)+":"), m.Text)
	}
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the chat models the server offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			models, err := a.Backend.FetchChatModels(ctx)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "UID\tNAME\tPROVIDER")
			for _, m := range models {
				marker := ""
				if m.UID == a.Config.Chat.Model || strings.EqualFold(m.Name, a.Config.Chat.Model) {
					marker = " *"
				}
				fmt.Fprintf(tw, "%s\t%s%s\t%s\n", m.UID, m.Name, marker, m.Provider)
			}
			return tw.Flush()
		})
	},
}

var modelsUseCmd = &cobra.Command{
	Use:   "use <name|uid>",
	Short: "Make a model the default for chat and ask",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			want := strings.TrimSpace(strings.Join(args, " "))
			if want == "" {
				return fmt.Errorf("model name is empty")
			}
			m, err := a.ResolveModel(ctx, want)
			if err != nil {
				return err
			}
			if err := config.SetKey("chat.model", m.UID); err != nil {
				return err
			}
			printSuccess("Chatting with %s (%s) from now on", m.Name, m.Provider)
			return nil
		})
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
	modelsCmd.AddCommand(modelsUseCmd)
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
