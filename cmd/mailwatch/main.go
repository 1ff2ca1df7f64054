// Command mailwatch watches an IMAP folder over a persistent idle connection
// and publishes an alert for every new message that matches the configured
// filters.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/Yosuke1980/mailwatch/pkg/config"
	"github.com/Yosuke1980/mailwatch/pkg/email"
	"github.com/Yosuke1980/mailwatch/pkg/events"
	"github.com/Yosuke1980/mailwatch/pkg/imapstore"
	"github.com/Yosuke1980/mailwatch/pkg/logging"
	"github.com/Yosuke1980/mailwatch/pkg/publish"
	"github.com/Yosuke1980/mailwatch/pkg/watch"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mailwatch: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging.Level)
	log.Info().
		Str("host", cfg.IMAP.Host).
		Str("folder", cfg.IMAP.Folder).
		Bool("mqtt", cfg.MQTTEnabled()).
		Msg("Starting mailwatch")

	bus := events.NewBus(log)
	registerLogHandlers(bus, cfg, log)

	exhausted := false
	bus.Register(events.MaxReconnectsReached, func(any) { exhausted = true })

	var publisher *publish.Publisher
	if cfg.MQTTEnabled() {
		publisher = publish.New(publish.Config{
			Host:      cfg.MQTT.Host,
			Port:      cfg.MQTT.Port,
			TLS:       cfg.MQTTUseTLS(),
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Topic:     cfg.MQTT.Topic,
			ClientID:  cfg.MQTT.ClientID,
			QoS:       cfg.MQTTQoS(),
			KeepAlive: cfg.MQTTKeepAlive(),
			BodyLimit: cfg.Processing.BodyLimit,
		}, log)
		if err := publisher.Connect(); err != nil {
			// The paho client reconnects on its own; run log-only until
			// the broker comes back.
			log.Warn().Err(err).Msg("MQTT broker unavailable at startup")
		}
		bus.Register(events.AlertEmail, publisher.HandleAlert)
		defer publisher.Close()
	}

	store := imapstore.New(imapstore.Config{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		User:     cfg.IMAP.User,
		Password: cfg.IMAP.Password,
		TLS:      cfg.IMAPUseSSL(),
	}, log)

	filter := email.NewFilter(cfg.Filters.SearchKeywords, cfg.Filters.FromDomains)
	relevant := func(m *email.Message) (string, bool) {
		kind := filter.Match(m)
		return kind.String(), kind != email.MatchNone
	}

	monitor := watch.NewMonitor(watch.Config{
		Folder:                     cfg.IMAP.Folder,
		IdleTimeout:                cfg.IdleTimeout(),
		PollInterval:               cfg.PollInterval(),
		MaxReconnectAttempts:       cfg.Idle.MaxReconnectAttempts,
		ReconnectBaseDelay:         cfg.ReconnectBaseDelay(),
		ReconnectBackoffMultiplier: cfg.Idle.ReconnectBackoffMultiplier,
		StatusInterval:             cfg.StatusInterval(),
	}, store, bus, email.Parse, relevant, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		monitor.Stop()
	}()

	monitor.Start()
	<-monitor.Done()

	if exhausted {
		log.Error().Msg("Giving up after exhausting reconnect attempts")
		os.Exit(1)
	}
	log.Info().Msg("mailwatch stopped")
}

// registerLogHandlers subscribes log-only observers for every lifecycle
// event. Alert logging honors the sanitize setting: sender addresses are
// masked and subjects pseudonymized instead of logged raw.
func registerLogHandlers(bus *events.Bus, cfg *config.Config, log zerolog.Logger) {
	bus.Register(events.Connected, func(any) {
		log.Info().Msg("Mailbox connected")
	})
	bus.Register(events.Disconnected, func(v any) {
		ev, _ := v.(watch.DisconnectEvent)
		log.Info().Str("reason", ev.Reason).Msg("Mailbox disconnected")
	})
	bus.Register(events.IdleStarted, func(any) {
		log.Debug().Msg("Idle wait started")
	})
	bus.Register(events.Error, func(v any) {
		if ev, ok := v.(watch.ErrorEvent); ok {
			log.Error().Err(ev.Err).Str("kind", ev.Kind.String()).Msg("Watcher error")
		}
	})
	bus.Register(events.AlertEmail, func(v any) {
		ev, ok := v.(watch.AlertEvent)
		if !ok || ev.Message == nil {
			return
		}
		from := ev.Message.From
		subject := logging.BoundAndClean(ev.Message.Subject, 120)
		if cfg.Logging.Sanitize {
			from = logging.MaskEmail(from)
			subject = logging.HashHMAC(subject, cfg.Logging.PseudonymSecret, 12)
		}
		log.Info().
			Uint32("uid", ev.Message.UID).
			Str("from", from).
			Str("subject", subject).
			Str("match", ev.Match).
			Msg("Alert email")
	})
	bus.Register(events.MaxReconnectsReached, func(any) {
		log.Error().Msg("Reconnect attempts exhausted")
	})
	bus.Register(events.Stopped, func(any) {
		log.Info().Msg("Watcher stopped")
	})
}
