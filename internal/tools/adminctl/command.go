package adminctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/lmst/attendance-admin-client/internal/app"
	"github.com/lmst/attendance-admin-client/internal/config"
	"github.com/lmst/attendance-admin-client/internal/domain"
	"github.com/lmst/attendance-admin-client/internal/observability"
	"github.com/lmst/attendance-admin-client/internal/session"
	"github.com/lmst/attendance-admin-client/internal/toast"
	"github.com/lmst/attendance-admin-client/internal/tools/common"
	"github.com/lmst/attendance-admin-client/internal/tools/loadgen"
	"github.com/lmst/attendance-admin-client/internal/tools/ui"
)

// ErrSignInRequired is returned by commands that need a stored session.
var ErrSignInRequired = errors.New("not signed in: run adminctl login")

type options struct {
	ci         bool
	configFile string
	envFile    string
	timeout    time.Duration
	out        io.Writer
}

func NewRootCommand() *cobra.Command {
	opts := &options{out: os.Stdout}
	cmd := &cobra.Command{
		Use:           "adminctl",
		Short:         "Attendance platform admin client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts.out = cmd.OutOrStdout()
		},
	}
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", os.Getenv("CONFIG_FILE"), "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall command timeout")
	cmd.AddCommand(
		newLoginCommand(opts),
		newLogoutCommand(opts),
		newWhoAmICommand(opts),
		newNotificationsCommand(opts),
		newLoadgenCommand(opts),
	)
	return cmd
}

func newLoginCommand(opts *options) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("ADMINCTL_PASSWORD")
			}
			return execute(opts, "login", func(ctx context.Context, a *app.App) ([]string, error) {
				payload, err := a.Session.Login(ctx, domain.Credentials{Email: email, Password: password})
				if err != nil {
					return nil, err
				}
				return []string{"signed in as " + describe(payload.User)}, nil
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $ADMINCTL_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "logout", func(ctx context.Context, a *app.App) ([]string, error) {
				a.Session.Logout(ctx, session.LogoutOptions{NoRedirect: true})
				return []string{"signed out"}, nil
			})
		},
	}
}

func newWhoAmICommand(opts *options) *cobra.Command {
	var reload bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "whoami", func(ctx context.Context, a *app.App) ([]string, error) {
				if !a.Session.EnsureSession(ctx) {
					return nil, ErrSignInRequired
				}
				profile := a.Session.Profile()
				if reload {
					var err error
					if profile, err = a.Session.LoadProfile(ctx); err != nil {
						return nil, err
					}
				}
				details := []string{describe(profile), "initials " + profile.Initials()}
				if avatar := profile.AvatarURL(a.Config.APIBaseURL); avatar != "" {
					details = append(details, "avatar "+avatar)
				}
				if tok := a.Session.Token(); tok != nil && !tok.Expiry.IsZero() {
					details = append(details, "access token expires "+tok.Expiry.Format(time.RFC3339))
				}
				return details, nil
			})
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "fetch the profile from the API")
	return cmd
}

func newNotificationsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "notifications", Short: "Read and acknowledge notifications"}
	cmd.AddCommand(
		newNotificationsListCommand(opts),
		newNotificationsReadCommand(opts),
		newNotificationsMarkAllCommand(opts),
		newNotificationsWatchCommand(opts),
	)
	return cmd
}

func newNotificationsListCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Fetch the newest notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "notifications list", withSession(func(ctx context.Context, a *app.App) ([]string, error) {
				fetchErr := a.Feed.Fetch(ctx)
				details := summarize(a, limit)
				if fetchErr != nil {
					details = append(details, "showing cached data: "+a.Feed.ErrMessage())
				}
				return details, fetchErr
			}))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "records to print (default all retained)")
	return cmd
}

func newNotificationsReadCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "read ID...",
		Short: "Mark notifications as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "notifications read", withSession(func(ctx context.Context, a *app.App) ([]string, error) {
				err := a.Feed.MarkRead(ctx, args...)
				return []string{fmt.Sprintf("marked %d read", len(args))}, err
			}))
		},
	}
}

func newNotificationsMarkAllCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-all-read",
		Short: "Mark every notification as read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "notifications mark-all-read", withSession(func(ctx context.Context, a *app.App) ([]string, error) {
				err := a.Feed.MarkAllRead(ctx)
				return []string{fmt.Sprintf("unread now %d", a.Feed.UnreadCount())}, err
			}))
		},
	}
}

func newNotificationsWatchCommand(opts *options) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live notification channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration > 0 && duration >= opts.timeout {
				opts.timeout = duration + 30*time.Second
			}
			return execute(opts, "notifications watch", withSession(func(ctx context.Context, a *app.App) ([]string, error) {
				seen := len(a.Feed.Notifications())
				if duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, duration)
					defer cancel()
				}
				<-ctx.Done()
				details := []string{"channel " + orNone(a.Feed.Channel())}
				details = append(details, fmt.Sprintf("received %d new", len(a.Feed.Notifications())-seen))
				details = append(details, summarize(a, 5)...)
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return details, nil
				}
				return details, ctx.Err()
			}))
		},
	}
	cmd.Flags().DurationVar(&duration, "for", time.Minute, "how long to watch")
	return cmd
}

func newLoadgenCommand(opts *options) *cobra.Command {
	cfg := loadgen.Config{}
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Send authorized traffic through the request gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(opts, "loadgen", withSession(func(ctx context.Context, a *app.App) ([]string, error) {
				res, err := loadgen.Run(ctx, a.Gateway, cfg)
				details := []string{fmt.Sprintf("total=%d failures=%d elapsed=%s", res.TotalRequests, res.Failures, res.Elapsed.Round(time.Millisecond))}
				classes := make([]string, 0, len(res.ByStatusClass))
				for class := range res.ByStatusClass {
					classes = append(classes, class)
				}
				sort.Strings(classes)
				for _, class := range classes {
					details = append(details, fmt.Sprintf("%s=%d", class, res.ByStatusClass[class]))
				}
				return details, err
			}))
		},
	}
	cmd.Flags().StringVar(&cfg.Profile, "profile", "mixed", "traffic profile: mixed, feed, auth, read")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 10*time.Second, "how long to send traffic")
	cmd.Flags().IntVar(&cfg.RPS, "rps", 10, "requests per second")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", 4, "concurrent workers")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 42, "operation mix seed")
	return cmd
}

// withSession runs fn only when a session is stored, after binding the feed.
func withSession(fn func(context.Context, *app.App) ([]string, error)) func(context.Context, *app.App) ([]string, error) {
	return func(ctx context.Context, a *app.App) ([]string, error) {
		if !a.Start(ctx) {
			return nil, ErrSignInRequired
		}
		return fn(ctx, a)
	}
}

func execute(opts *options, command string, fn func(context.Context, *app.App) ([]string, error)) error {
	if err := common.LoadEnvFile(opts.envFile); err != nil {
		return err
	}
	cfg, err := config.LoadFrom(opts.configFile)
	if err != nil {
		return err
	}
	details, err := run(opts, command, func(ctx context.Context) ([]string, error) {
		return withApp(ctx, cfg, opts, fn)
	})
	if opts.ci {
		common.WriteCIResult(opts.out, err == nil, command, details, err)
	}
	return err
}

func run(opts *options, title string, fn func(context.Context) ([]string, error)) ([]string, error) {
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		defer cancel()
		return fn(ctx)
	}
	return ui.Run(title, func(ctx context.Context) ([]string, error) {
		ctx, cancel := context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		return fn(ctx)
	})
}

func withApp(ctx context.Context, cfg *config.Config, opts *options, fn func(context.Context, *app.App) ([]string, error)) (details []string, err error) {
	lp, err := observability.InitLogs(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var console io.Writer = os.Stderr
	if !opts.ci {
		// the spinner owns the terminal
		console = io.Discard
	}
	logger, err := observability.NewLogger(cfg, console, lp)
	if err != nil {
		return nil, err
	}
	rt, err := observability.InitRuntime(ctx, cfg, logger, lp)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		notices []string
	)
	a, cleanup, err := app.Build(cfg, logger, rt, nil, func(t toast.Toast) {
		mu.Lock()
		defer mu.Unlock()
		notices = append(notices, fmt.Sprintf("[%s] %s: %s", t.Variant, t.Title, t.Message))
	})
	if err != nil {
		_ = rt.Shutdown(context.Background())
		return nil, err
	}
	defer func() {
		closeErr := a.Close()
		cleanup()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err = errors.Join(err, closeErr, rt.Shutdown(shutdownCtx))
		mu.Lock()
		details = append(details, notices...)
		mu.Unlock()
	}()
	return fn(ctx, a)
}

func summarize(a *app.App, limit int) []string {
	items := a.Feed.Notifications()
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	counts := a.Feed.PriorityCounts()
	details := []string{fmt.Sprintf("unread %d of %d (high %d, medium %d, low %d)",
		a.Feed.UnreadCount(), len(a.Feed.Notifications()),
		counts[domain.PriorityHigh], counts[domain.PriorityMedium], counts[domain.PriorityLow])}
	for _, n := range items {
		details = append(details, formatNotification(n))
	}
	return details
}

func formatNotification(n domain.Notification) string {
	mark := "*"
	if n.IsRead() {
		mark = " "
	}
	line := fmt.Sprintf("%s %s [%s] %s", mark, n.CreatedAt.Local().Format("2006-01-02 15:04"), n.Priority, n.Title)
	if msg := strings.TrimSpace(n.Message); msg != "" {
		line += ": " + msg
	}
	return line + " (" + n.ID + ")"
}

func describe(p *domain.Profile) string {
	if p == nil {
		return "unknown user"
	}
	parts := []string{p.Name}
	if p.Email != "" {
		parts = append(parts, "<"+p.Email+">")
	}
	if p.Role != "" {
		parts = append(parts, "("+p.Role+")")
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
