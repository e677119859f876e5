// edgectl drives a running campusedge edge: login, control messages, push
// notifications and background sync.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/briangreenhill/campusedge/internal/apiclient"
	"github.com/briangreenhill/campusedge/internal/offline"
	"github.com/briangreenhill/campusedge/internal/session"
)

type cliOptions struct {
	edgeURL     string
	sessionPath string
	timeout     time.Duration
}

func (o *cliOptions) store() (*session.Store, error) {
	path := o.sessionPath
	if path == "" {
		p, err := session.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return session.NewStore(path), nil
}

func (o *cliOptions) client(store *session.Store) *apiclient.Client {
	return apiclient.New(
		apiclient.WithBaseURL(o.edgeURL),
		apiclient.WithSession(store),
		apiclient.WithTimeout(o.timeout),
	)
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "edgectl",
		Short:         "Control a campusedge offline edge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultURL := os.Getenv("CAMPUSEDGE_URL")
	if defaultURL == "" {
		defaultURL = apiclient.DefaultBaseURL
	}
	root.PersistentFlags().StringVar(&opts.edgeURL, "edge", defaultURL, "Edge base URL (or set CAMPUSEDGE_URL)")
	root.PersistentFlags().StringVar(&opts.sessionPath, "session", "", "Session file (default ~/.campusedge/session.json)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newStateCmd(opts),
		newMessageCmd(opts),
		newPushCmd(opts),
		newSyncCmd(opts),
	)
	return root
}

func newLoginCmd(opts *cliOptions) *cobra.Command {
	var token string
	var user session.User
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the admin bearer token and check it against the edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("--token is required")
			}
			store, err := opts.store()
			if err != nil {
				return err
			}
			if err := store.Save(session.Session{Token: token, User: user}); err != nil {
				return err
			}
			reply, err := opts.client(store).Message(cmd.Context(), offline.Message{Type: offline.MsgGetVersion})
			if err != nil {
				_ = store.Clear()
				return fmt.Errorf("login: %w", err)
			}
			who := user.Name
			if who == "" {
				who = "admin"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (edge %s, %s)\n", who, reply.Version, reply.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (ADMIN_TOKEN of the edge)")
	cmd.Flags().StringVar(&user.ID, "id", "", "User id kept with the session")
	cmd.Flags().StringVar(&user.Name, "name", "", "User name kept with the session")
	cmd.Flags().StringVar(&user.Email, "email", "", "User email kept with the session")
	return cmd
}

func newLogoutCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newStateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the controller lifecycle state and version",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client(nil).State(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newMessageCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "message TYPE",
		Short:     "Send a control message (SKIP_WAITING, GET_VERSION, CLEAR_CACHE, CLEAN_CACHE)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(offline.MsgSkipWaiting), string(offline.MsgGetVersion), string(offline.MsgClearCache), string(offline.MsgCleanCache)},
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			msg := offline.Message{Type: offline.MessageType(strings.ToUpper(args[0]))}
			reply, err := opts.client(store).Message(cmd.Context(), msg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reply)
		},
	}
}

func newPushCmd(opts *cliOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "push [BODY]",
		Short: "Show a push notification; BODY is plain text or a JSON object",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case file == "-":
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				payload = b
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				payload = b
			case len(args) == 1:
				payload = []byte(args[0])
			}
			store, err := opts.store()
			if err != nil {
				return err
			}
			n, err := opts.client(store).Push(cmd.Context(), payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), n)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the payload from a file, - for stdin")
	return cmd
}

func newSyncCmd(opts *cliOptions) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a background sync pass over cached API responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			res, err := opts.client(store).Sync(cmd.Context(), tag)
			if err != nil {
				return err
			}
			if res.Queued {
				fmt.Fprintf(cmd.OutOrStdout(), "queued sync task %s\n", res.TaskID)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res.Report)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", offline.DefaultSyncTag, "Sync tag")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "edgectl:", err)
		if errors.Is(err, apiclient.ErrUnauthorized) || errors.Is(err, session.ErrNoSession) {
			fmt.Fprintln(os.Stderr, "run `edgectl login --token <ADMIN_TOKEN>`")
		}
		os.Exit(1)
	}
}
