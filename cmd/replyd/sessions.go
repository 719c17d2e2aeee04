package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nhle/reply-optimizer/internal/credential"
	"github.com/nhle/reply-optimizer/internal/model"
	"github.com/nhle/reply-optimizer/internal/store"
)

func newSessionCommand(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage stored session configurations",
	}
	cmd.AddCommand(
		newSessionAddCommand(load),
		newSessionListCommand(load),
		newSessionEnableCommand(load, true),
		newSessionEnableCommand(load, false),
		newSessionRemoveCommand(load),
	)
	return cmd
}

type sessionEnv struct {
	store *store.SQLiteStore
	creds *credential.Store
}

func openSessionEnv(load configLoader) (*sessionEnv, error) {
	cfg, _, err := load()
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	creds, err := credential.Open(cfg.Credentials)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &sessionEnv{store: st, creds: creds}, nil
}

func newSessionAddCommand(load configLoader) *cobra.Command {
	var (
		cfg      model.SessionConfig
		password string
		aiKey    string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a mailbox session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("REPLYD_MAILBOX_PASSWORD")
			}
			if password == "" {
				return errors.New("a mailbox password is required (--password or REPLYD_MAILBOX_PASSWORD)")
			}

			env, err := openSessionEnv(load)
			if err != nil {
				return err
			}
			defer env.store.Close()

			if cfg.SessionID == "" {
				cfg.SessionID = uuid.New().String()
			}
			cfg.Enabled = !disabled
			cfg.Account.CredentialRef = credential.MailboxKey(cfg.SessionID)
			if err := env.creds.Set(cfg.Account.CredentialRef, password); err != nil {
				return err
			}
			if aiKey != "" {
				cfg.AIKeyRef = credential.AIKey(cfg.SessionID)
				if err := env.creds.Set(cfg.AIKeyRef, aiKey); err != nil {
					return err
				}
			}

			if err := env.store.UpsertSession(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.SessionID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.SessionID, "id", "", "session id (generated when empty)")
	f.StringVar(&cfg.OwnerID, "owner", "", "owning user id")
	f.StringVar(&cfg.Account.Address, "address", "", "mailbox address used as the reply sender")
	f.StringVar(&cfg.Account.Username, "username", "", "login name (defaults to the address)")
	f.StringVar(&password, "password", "", "mailbox password, stored in the keyring")
	f.StringVar(&cfg.Account.IMAPHost, "imap-host", "", "IMAP server host")
	f.StringVar(&cfg.Account.IMAPPort, "imap-port", "993", "IMAP server port")
	f.StringVar(&cfg.Account.SMTPHost, "smtp-host", "", "SMTP server host")
	f.StringVar(&cfg.Account.SMTPPort, "smtp-port", "465", "SMTP server port")
	f.BoolVar(&cfg.Account.TLS, "tls", true, "use implicit TLS instead of STARTTLS")
	f.StringVar(&cfg.Instructions, "instructions", "", "reply instructions for the AI")
	f.DurationVar(&cfg.PollInterval, "poll-interval", 30*time.Second, "delay between mailbox polls")
	f.StringVar(&cfg.AIProvider, "ai-provider", "", "override the AI provider")
	f.StringVar(&cfg.AIModel, "ai-model", "", "override the AI model")
	f.StringVar(&aiKey, "ai-key", "", "per-session AI API key, stored in the keyring")
	f.BoolVar(&disabled, "disabled", false, "register the session without enabling it")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("imap-host")
	_ = cmd.MarkFlagRequired("smtp-host")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func newSessionListCommand(load configLoader) *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openSessionEnv(load)
			if err != nil {
				return err
			}
			defer env.store.Close()

			sessions, err := env.store.ListSessions(cmd.Context(), store.SessionFilter{EnabledOnly: enabledOnly})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOWNER\tMAILBOX\tIMAP\tPOLL\tENABLED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
					s.SessionID, s.OwnerID, s.Account.Address, s.Account.IMAPAddr(), s.PollInterval, s.Enabled)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only list enabled sessions")
	return cmd
}

func newSessionEnableCommand(load configLoader, enabled bool) *cobra.Command {
	use, short := "enable <id>", "Enable a session; the running daemon starts it on its next sync"
	if !enabled {
		use, short = "disable <id>", "Disable a session; the running daemon stops it on its next sync"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openSessionEnv(load)
			if err != nil {
				return err
			}
			defer env.store.Close()
			return env.store.SetSessionEnabled(cmd.Context(), args[0], enabled)
		},
	}
}

func newSessionRemoveCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a session and its stored secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openSessionEnv(load)
			if err != nil {
				return err
			}
			defer env.store.Close()

			cfg, err := env.store.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := env.store.DeleteSession(cmd.Context(), cfg.SessionID); err != nil {
				return err
			}
			if err := env.creds.Delete(cfg.Account.CredentialRef); err != nil {
				return err
			}
			if cfg.AIKeyRef != "" {
				return env.creds.Delete(cfg.AIKeyRef)
			}
			return nil
		},
	}
}
