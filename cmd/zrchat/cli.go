package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zrchat/zrchat-client/internal/config"
	"github.com/zrchat/zrchat-client/internal/gateway/postgres"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// withSession runs fn against a connected session and tears it down after.
func withSession(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := contextOrBackground(cmd.Context())
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.connect(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func newConversationsCmd(flags *rootFlags) *cobra.Command {
	var (
		archived bool
		search   string
	)
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, flags, func(_ context.Context, a *app) error {
				list := a.session.Conversations()
				switch {
				case archived:
					list = a.session.Archived()
				case search != "":
					list = a.session.Search(search)
				}
				return printConversations(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived conversations")
	cmd.Flags().StringVarP(&search, "search", "s", "", "filter by name")
	return cmd
}

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's messages and mark them read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, flags, func(ctx context.Context, a *app) error {
				msgs, err := a.session.Open(ctx, args[0])
				if err != nil {
					return err
				}
				return printMessages(cmd.OutOrStdout(), a.session.Self().ID, msgs)
			})
		},
	}
}

func newSendCmd(flags *rootFlags) *cobra.Command {
	var (
		file string
		kind string
	)
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [text]",
		Short: "Send a text message, or a file with --file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && len(args) < 2 {
				return errors.New("nothing to send: give a text or --file")
			}
			return withSession(cmd, flags, func(ctx context.Context, a *app) error {
				var (
					msg model.Message
					err error
				)
				if file != "" {
					msg, err = sendFile(ctx, a, args[0], file, kind)
				} else {
					msg, err = a.session.SendText(ctx, args[0], args[1])
				}
				if err != nil {
					if msg.ID != "" {
						_ = printMessages(cmd.OutOrStdout(), a.session.Self().ID, []model.Message{msg})
					}
					return err
				}
				return printMessages(cmd.OutOrStdout(), a.session.Self().ID, []model.Message{msg})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "send this file as media")
	cmd.Flags().StringVar(&kind, "kind", "", "media kind: image, audio or video (default: from the file type)")
	return cmd
}

func sendFile(ctx context.Context, a *app, conversationID, path, kind string) (model.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Message{}, err
	}
	contentType := contentTypeOf(path, data)
	mk, err := mediaKindFor(kind, contentType)
	if err != nil {
		return model.Message{}, err
	}
	return a.session.SendMedia(ctx, conversationID, mk, filepath.Base(path), contentType, data)
}

func newUsersCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List other users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, flags, func(ctx context.Context, a *app) error {
				users, err := a.session.Users(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tEMAIL\tONLINE")
				for _, u := range users {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", u.ID, u.Name, u.Email, bool(u.IsOnline))
				}
				return tw.Flush()
			})
		},
	}
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the self-hosted schema (postgres gateway)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Gateway != config.GatewayPostgres {
				return fmt.Errorf("migrate needs GATEWAY=%s, got %q", config.GatewayPostgres, cfg.Gateway)
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			log, err := logger.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := contextOrBackground(cmd.Context())
			store, err := postgres.New(ctx, cfg.DatabaseURL, log.Named("postgres"))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func printConversations(w io.Writer, list []model.Conversation) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUNREAD\tONLINE\tLAST")
	for _, c := range list {
		last := ""
		if c.LastMessageAt != nil {
			last = c.LastMessageAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", c.ID, c.DisplayName, c.UnreadCount, c.IsOnline, last)
	}
	return tw.Flush()
}

func printMessages(w io.Writer, selfID string, msgs []model.Message) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range msgs {
		who := m.SenderID
		if m.SenderID == selfID {
			who = "me"
		}
		body := m.Text
		if kind, url := m.Media(); kind != "" {
			body = fmt.Sprintf("[%s] %s", kind, url)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.SentAt.Local().Format(time.DateTime), who, body)
	}
	return tw.Flush()
}

func contentTypeOf(path string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func mediaKindFor(kind, contentType string) (model.MediaKind, error) {
	if kind != "" {
		return model.ParseMediaKind(kind)
	}
	major, _, _ := strings.Cut(contentType, "/")
	mk, err := model.ParseMediaKind(major)
	if err != nil {
		return "", fmt.Errorf("cannot tell media kind of %s; pass --kind", contentType)
	}
	return mk, nil
}
