package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cornmankl/whatsapp-qr-optimizer/internal/command"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/configutil"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/connection"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/httpapi"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/knowledge"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/logutil"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/metrics"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/notify"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/qrhub"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/session"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/statepaths"
	"github.com/cornmankl/whatsapp-qr-optimizer/internal/transport/wsbridge"
	"github.com/cornmankl/whatsapp-qr-optimizer/llm"
	"github.com/cornmankl/whatsapp-qr-optimizer/providers/openai"
	"github.com/cornmankl/whatsapp-qr-optimizer/transport"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bridge and its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, logger)
		},
	}

	cmd.Flags().String("server-bind", "127.0.0.1", "Bind address.")
	cmd.Flags().Int("server-port", 3000, "HTTP port to listen on.")
	cmd.Flags().String("server-auth-token", "", "Bearer token required for all non-/health endpoints (empty disables auth).")
	cmd.Flags().String("gateway-url", "", "Protocol gateway base URL.")
	cmd.Flags().StringSlice("prewarm", nil, "Session ids to pre-initialize at startup (repeatable).")
	cmd.Flags().Bool("resume-active", true, "Reconnect sessions that were active at last shutdown.")
	cmd.Flags().Duration("qr-ttl", 60*time.Second, "How long a pairing code stays pullable.")

	return cmd
}

// newHTTPServer builds the control-surface server. onShutdown hooks run when
// Shutdown starts, so long-lived streams can be ended instead of waited out.
func newHTTPServer(addr string, h http.Handler, onShutdown ...func()) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	for _, fn := range onShutdown {
		srv.RegisterOnShutdown(fn)
	}
	return srv
}

func runServe(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) error {
	bind := strings.TrimSpace(configutil.FlagOrViperString(cmd, "server-bind", "server.bind"))
	if bind == "" {
		bind = "127.0.0.1"
	}
	port := configutil.FlagOrViperInt(cmd, "server-port", "server.port")
	if port <= 0 {
		port = 3000
	}
	auth := strings.TrimSpace(configutil.FlagOrViperString(cmd, "server-auth-token", "server.auth_token"))
	if auth == "" {
		logger.Warn("server_auth_disabled", "hint", "set server.auth_token or SECOND_BRAIN_SERVER_AUTH_TOKEN")
	}

	m := metrics.New()

	store, err := knowledge.Open(statepaths.KnowledgeDBPath(), knowledge.Options{})
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer store.Close()

	var auditor command.Auditor
	if viper.GetBool("audit.enabled") {
		a, err := command.OpenJSONLAuditor(statepaths.AuditLogPath(), viper.GetInt64("audit.max_bytes"))
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer a.Close()
		auditor = a
	}

	var client llm.Client
	if key := strings.TrimSpace(viper.GetString("llm.api_key")); key != "" {
		client = openai.New(viper.GetString("llm.endpoint"), key, viper.GetDuration("llm.request_timeout"))
	} else {
		logger.Warn("llm_disabled", "reason", "llm.api_key is empty")
	}

	// The notifier resolves its sender through the registry, which is built
	// after the router that reports created tasks back to the notifier.
	var reg *session.Registry
	notifySession := strings.TrimSpace(viper.GetString("notify.session_id"))
	var toggles notify.Toggles
	if err := viper.UnmarshalKey("notify.toggles", &toggles); err != nil {
		return fmt.Errorf("notify.toggles: %w", err)
	}
	notifier := notify.New(notify.Options{
		Recipients:       viper.GetStringSlice("notify.recipients"),
		Toggles:          toggles,
		Store:            store,
		ReminderInterval: viper.GetDuration("notify.reminder_interval"),
		Logger:           logutil.Component(logger, "notify"),
		Metrics:          m,
		Resolve: func(ctx context.Context) (notify.Sender, bool) {
			if reg == nil {
				return nil, false
			}
			ctrl, ok := reg.GetSession(ctx, notifySession)
			if !ok {
				return nil, false
			}
			return ctrl, true
		},
	})

	router := command.NewRouter(command.Options{
		Store:        store,
		LLM:          client,
		Model:        viper.GetString("llm.model"),
		SystemPrompt: viper.GetString("llm.system_prompt"),
		AITimeout:    viper.GetDuration("llm.request_timeout"),
		Audit:        auditor,
		Logger:       logutil.Component(logger, "command"),
		Metrics:      m,
		OnTaskCreated: func(ctx context.Context, t knowledge.Task) {
			if err := notifier.NotifyNewTask(ctx, t.ID); err != nil {
				logger.Debug("notify_new_task_skipped", "task_id", t.ID, "error", err)
			}
		},
	})

	hub := qrhub.New(qrhub.Options{
		TTL:     configutil.FlagOrViperDuration(cmd, "qr-ttl", "qr.ttl"),
		Logger:  logutil.Component(logger, "qrhub"),
		Metrics: m,
	})
	defer hub.Close()

	gateway := strings.TrimSpace(configutil.FlagOrViperString(cmd, "gateway-url", "transport.gateway_url"))
	dialer, err := wsbridge.New(wsbridge.Options{
		BaseURL:        gateway,
		CredentialsDir: statepaths.SessionsDir(),
		Token:          viper.GetString("transport.token"),
		Logger:         logutil.Component(logger, "wsbridge"),
	})
	if err != nil {
		return err
	}

	authorized := viper.GetStringSlice("sessions.authorized_numbers")
	if len(authorized) == 0 {
		logger.Warn("sessions_allow_list_empty", "hint", "every sender is rejected until sessions.authorized_numbers is set")
	}

	dialOpts := transport.DefaultDialOptions()
	if d := viper.GetDuration("transport.connect_timeout"); d > 0 {
		dialOpts.ConnectTimeout = d
	}
	if d := viper.GetDuration("transport.pairing_timeout"); d > 0 {
		dialOpts.PairingTimeout = d
	}
	if d := viper.GetDuration("transport.keep_alive"); d > 0 {
		dialOpts.KeepAlive = d
	}
	if d := viper.GetDuration("transport.query_timeout"); d > 0 {
		dialOpts.QueryTimeout = d
	}
	if d := viper.GetDuration("transport.retry_delay"); d > 0 {
		dialOpts.RetryDelay = d
	}
	if n := viper.GetInt("transport.max_retries"); n > 0 {
		dialOpts.MaxRetries = n
	}

	reg, err = session.New(session.Options{
		Dir:        statepaths.SessionsDir(),
		BackupDir:  statepaths.BackupsDir(),
		LockDir:    statepaths.LocksDir(),
		Dialer:     dialer,
		Hub:        hub,
		Dispatcher: router,
		Defaults: connection.Config{
			AutoReply:         viper.GetBool("sessions.auto_reply"),
			AIEnabled:         viper.GetBool("sessions.ai_enabled"),
			AuthorizedNumbers: authorized,
		},
		PrewarmIDs:       configutil.FlagOrViperStringSlice(cmd, "prewarm", "sessions.prewarm"),
		ResumeActive:     configutil.FlagOrViperBool(cmd, "resume-active", "sessions.resume_active"),
		PrewarmInterval:  viper.GetDuration("sessions.prewarm_interval"),
		CleanupInterval:  viper.GetDuration("sessions.cleanup_interval"),
		HealthInterval:   viper.GetDuration("sessions.health_interval"),
		Retention:        viper.GetDuration("sessions.retention"),
		ReconnectDelay:   viper.GetDuration("reconnect.delay"),
		HandlerTimeout:   viper.GetDuration("reconnect.handler_timeout"),
		DialOptions:      dialOpts,
		ForceDialOptions: transport.AggressiveDialOptions(),
		Logger:           logutil.Component(logger, "session"),
		Metrics:          m,
	})
	if err != nil {
		return err
	}
	if err := reg.Start(ctx); err != nil {
		return err
	}
	if viper.GetBool("notify.enabled") {
		notifier.Start()
		defer notifier.Stop()
	}

	api, err := httpapi.New(httpapi.Options{
		Registry:  reg,
		Hub:       hub,
		Metrics:   m,
		AuthToken: auth,
		Logger:    logutil.Component(logger, "httpapi"),
	})
	if err != nil {
		return err
	}
	addr := bind + ":" + strconv.Itoa(port)
	srv := newHTTPServer(addr, api.Handler(), hub.Close)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_start", "addr", addr, "gateway", gateway)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	timeout := viper.GetDuration("server.shutdown_timeout")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("server_stopping")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_failed", "error", err.Error())
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session_shutdown_failed", "error", err.Error())
	}
	return serveErr
}
