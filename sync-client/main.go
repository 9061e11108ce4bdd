package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskhub/client"
	"taskhub/reconcile"
)

var rootCmd = &cobra.Command{
	Use:   "sync-client",
	Short: "Follow taskhub conversations and notifications for one user",
	Long: `sync-client connects to a taskhub gateway, keeps the connection alive
across outages, joins the given task groups and prints every change to the
local chat summaries, transcripts and notifications.`,
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./sync-client.yaml)")
	flags.String("server", "http://localhost:8080", "gateway base URL")
	flags.String("token", "", "bearer token for the gateway")
	flags.Int64("user", 0, "id of the user the token belongs to")
	flags.IntSlice("task", nil, "task ids to follow (repeatable)")
	flags.Int64("open", 0, "task id the viewer has open")
	flags.Duration("reconnect-initial", client.DefaultReconnectPolicy().Initial, "first reconnect delay")
	flags.Duration("reconnect-max", client.DefaultReconnectPolicy().Max, "reconnect delay cap")
	flags.Int("max-attempts", 0, "reconnect attempts before giving up (0 retries forever)")
	flags.Bool("debug", false, "debug logging")
	for _, name := range []string{"config", "server", "token", "user", "task", "open", "reconnect-initial", "reconnect-max", "max-attempts", "debug"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sync-client")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/taskhub")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TASKHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	_ = viper.ReadInConfig()
}

func run(cmd *cobra.Command, _ []string) error {
	logger := log.New()
	if viper.GetBool("debug") {
		logger.SetLevel(log.DebugLevel)
	}
	server := viper.GetString("server")
	token := viper.GetString("token")
	userID := viper.GetInt64("user")
	if token == "" || userID == 0 {
		return fmt.Errorf("--token and --user are required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiClient := client.NewAPIClient(server, token, &http.Client{})
	transport := client.NewSSETransport(server, token, &http.Client{}, logger)
	manager := client.NewManager(transport, client.ReconnectPolicy{
		Initial:     viper.GetDuration("reconnect-initial"),
		Max:         viper.GetDuration("reconnect-max"),
		MaxAttempts: viper.GetInt("max-attempts"),
	}, logger)
	defer manager.Close()

	store := reconcile.NewStore(userID, apiClient, logger)
	store.Attach(manager)
	go func() {
		_ = store.Run(ctx)
	}()

	manager.OnStateChange(func(s client.State) {
		logger.WithField("state", s).Info("connection state changed")
	})
	manager.OnError(func(err error) {
		logger.WithError(err).Warn("connection error")
	})

	diffs, unsubscribe := store.Subscribe()
	defer unsubscribe()

	// Attach reloads the projections on every transition to Connected,
	// including this first one.
	if err := manager.Start(ctx, userID); err != nil {
		return err
	}
	for _, id := range viper.GetIntSlice("task") {
		if err := manager.JoinTaskGroup(ctx, int64(id)); err != nil {
			logger.WithError(err).WithField("task", id).Error("join task group")
		}
	}
	if open := viper.GetInt64("open"); open != 0 {
		if err := manager.JoinTaskGroup(ctx, open); err != nil {
			logger.WithError(err).WithField("task", open).Error("join task group")
		}
		if err := store.OpenTask(ctx, open); err != nil {
			logger.WithError(err).WithField("task", open).Error("open task")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-diffs:
			if !ok {
				return nil
			}
			report(logger, store.Snapshot(), d)
		}
	}
}

func report(logger *log.Logger, snap reconcile.Snapshot, d reconcile.Diff) {
	entry := logger.WithFields(log.Fields{"version": d.Version, "kind": d.Kind})
	switch d.Kind {
	case reconcile.SummariesChanged:
		for _, s := range snap.Summaries {
			entry.WithFields(log.Fields{
				"task":     s.TaskID,
				"title":    s.TaskTitle,
				"unread":   s.UnreadCount,
				"total":    s.TotalCount,
				"last":     s.LastMessage,
				"favorite": s.IsFavorite,
			}).Info("summary")
		}
	case reconcile.TranscriptChanged:
		t := snap.Transcript(d.TaskID)
		if len(t) == 0 {
			return
		}
		last := t[len(t)-1]
		entry.WithFields(log.Fields{
			"task":     d.TaskID,
			"comments": len(t),
			"author":   last.Author.DisplayName(),
			"body":     last.Body,
		}).Info("transcript")
	case reconcile.NotificationsChanged:
		if len(snap.Notifications) == 0 {
			return
		}
		n := snap.Notifications[0]
		entry.WithFields(log.Fields{
			"type":   n.Type,
			"title":  n.Title,
			"unread": snap.UnreadNotifications,
		}).Info("notification")
	case reconcile.OpenTaskChanged:
		entry.WithField("task", snap.OpenTaskID).Info("open task")
	}
}
