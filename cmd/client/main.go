package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"contact_chat/internal/config"
	"contact_chat/internal/model"
	"contact_chat/internal/repository/key"
	"contact_chat/internal/service/app"
	"contact_chat/internal/utils/log"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "client",
		Short:        "Terminal client for contacts and encrypted rooms",
		SilenceUsage: true,
	}
	config.RegisterClientFlags(root.PersistentFlags())
	root.AddCommand(registerCmd(), keygenCmd(), whoisCmd(), contactsCmd(), chatCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func load(cmd *cobra.Command, needUser bool) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.LogLevel); err != nil {
		return nil, err
	}
	if needUser && !model.UserRef(cfg.User).Valid() {
		return nil, errors.Errorf("--%s (or %s_USER) is required", config.UserFlag, config.EnvPrefix)
	}
	return cfg, nil
}

func timeout(cmd *cobra.Command, cfg *config.Config) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account and publish its first key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd, false)
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd, cfg)
			defer cancel()

			user, rec, err := app.Register(ctx,
				app.NewClient(cfg.Server, "", nil),
				key.NewHTTPDirectory(cfg.Server, nil),
				app.NewKeyStore(cfg.KeyDir),
				args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s as %s (key version %d)\n", user.Username, user.UserID, rec.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "pass --%s %s or set %s_USER\n", config.UserFlag, user.UserID, config.EnvPrefix)
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Publish a new key version; older private keys are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd, cfg)
			defer cancel()

			rec, err := app.RotateKey(ctx, key.NewHTTPDirectory(cfg.Server, nil), app.NewKeyStore(cfg.KeyDir), model.UserRef(cfg.User))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published key version %d\n", rec.Version)
			return nil
		},
	}
}

func whoisCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whois <username>",
		Short: "Show the user id of a username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd, false)
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd, cfg)
			defer cancel()

			user, err := app.NewClient(cfg.Server, "", nil).LookupUser(ctx, args[0])
			if err != nil {
				return err
			}
			if user == nil {
				return errors.Errorf("no user named %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", user.Username, user.UserID)
			return nil
		},
	}
}

func contactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contacts <get|add|remove|block|unblock|accept|reject> [username]",
		Short: "List or change contacts",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd, true)
			if err != nil {
				return err
			}
			ctx, cancel := timeout(cmd, cfg)
			defer cancel()
			api := app.NewClient(cfg.Server, model.UserRef(cfg.User), nil)

			action := args[0]
			if action == "get" {
				contacts, err := api.Contacts(ctx)
				if err != nil {
					return err
				}
				printContacts(cmd, contacts)
				return nil
			}
			if len(args) != 2 {
				return errors.Errorf("contacts %s needs a username", action)
			}

			switch action {
			case string(model.DecisionAccept), string(model.DecisionReject):
				err = api.Resolve(ctx, args[1], model.Decision(action))
			default:
				err = api.Contact(ctx, action, args[1])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func printContacts(cmd *cobra.Command, c *model.Contacts) {
	out := cmd.OutOrStdout()
	for _, group := range []struct {
		name string
		list []model.Contact
	}{
		{"accepted", c.Accepted},
		{"requests", c.Requests},
		{"pending", c.Pending},
		{"blocked", c.Blocked},
	} {
		fmt.Fprintf(out, "%s (%d)\n", group.name, len(group.list))
		for _, ct := range group.list {
			fmt.Fprintf(out, "  %s\t%s\n", ct.Profile.Username, ct.UserID)
		}
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <username|userID>",
		Short: "Open the encrypted room with an accepted contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd, true)
			if err != nil {
				return err
			}
			// Log lines would be drawn over the UI.
			if cfg.LogLevel == "debug" || cfg.LogLevel == "info" {
				_ = log.Init("error")
			}
			defer log.Sync()

			a := app.NewApp(app.Options{Host: cfg.Server, Timeout: cfg.RequestTimeout}, model.UserRef(cfg.User), app.NewKeyStore(cfg.KeyDir))
			return a.Run(cmd.Context(), args[0])
		},
	}
}
