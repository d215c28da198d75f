package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/mindflora/mindflora/internal/actions"
	"github.com/mindflora/mindflora/internal/agent"
	"github.com/mindflora/mindflora/internal/api"
	"github.com/mindflora/mindflora/internal/config"
	"github.com/mindflora/mindflora/internal/email"
	"github.com/mindflora/mindflora/internal/llm"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/notifications"
	"github.com/mindflora/mindflora/internal/profile"
	"github.com/mindflora/mindflora/internal/scheduler"
	"github.com/mindflora/mindflora/internal/spaces"
	"github.com/mindflora/mindflora/internal/spaces/calendar"
	"github.com/mindflora/mindflora/internal/spaces/gmail"
	"github.com/mindflora/mindflora/internal/storage"
	"github.com/mindflora/mindflora/internal/vault"
)

// app holds every long-lived component of the daemon
type app struct {
	cfg      *config.Config
	db       *storage.DB
	redis    *redis.Client
	profiles *storage.ProfileStore
	attempts *storage.AttemptStore
	notifs   *notifications.Service
	chain    *notifications.Chain
	agent    *agent.Agent
	server   *api.Server
	jobs     *scheduler.Scheduler
}

// openDB opens and migrates the database
func openDB(ctx context.Context, cfg *config.Config) (*storage.DB, error) {
	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.MigrateContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// build wires the daemon. Missing credentials degrade a capability to
// simulated results; they never stop startup.
func build(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db}

	cipher, err := profileCipher(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.profiles = storage.NewProfileStore(db, cipher)
	a.attempts = storage.NewAttemptStore(db)
	a.notifs = notifications.NewService(db)

	chatter := buildLLM(cfg)

	// Email: SMTP or Gmail, shared by the email handler and the SMS gateway
	transport, notifier := buildMail(ctx, cfg)

	quota, err := a.quotaStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.chain = buildChain(cfg, quota, notifier)

	var cal actions.CalendarProvider
	if c := buildCalendar(ctx, cfg); c != nil {
		cal = c
	}

	var composer *actions.Composer
	if chatter != nil {
		composer = actions.NewComposer(chatter)
	}
	sms := actions.NewNotificationHandler(a.chain, composer,
		actions.WithAttemptLog(a.attempts),
		actions.WithInbox(a.notifs),
	)

	dispatcher := actions.NewDispatcher(actions.Config{HandlerTimeout: cfg.Timeouts.Handler.Std()})
	actions.RegisterAllHandlers(dispatcher, cal, email.NewTemplatedSender(transport), sms)

	var inferencer agent.Inferencer = agent.KeywordInferencer{}
	var synthesizer *agent.Synthesizer
	if chatter != nil {
		inferencer = agent.FallbackInferencer{
			Primary:  agent.NewLLMInferencer(chatter),
			Fallback: agent.KeywordInferencer{},
		}
		synthesizer = agent.NewSynthesizer(chatter)
	}

	a.agent = agent.New(agent.Config{
		Classifier:  agent.NewClassifier(inferencer, cfg.Timeouts.Classifier.Std()),
		Dispatcher:  dispatcher,
		Profiles:    a.profiles,
		Updater:     profile.NewUpdater(a.profiles),
		Synthesizer: synthesizer,
		SMS:         sms,
	})

	a.server = api.New(api.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		Agent:               a.agent,
		Profiles:            a.profiles,
		Providers:           a.chain,
		Attempts:            a.attempts,
		NotificationService: a.notifs,
	})

	if a.jobs, err = a.housekeeping(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// housekeeping registers the daily pruning jobs
func (a *app) housekeeping() (*scheduler.Scheduler, error) {
	hk := a.cfg.Housekeeping
	s, err := scheduler.NewScheduler(scheduler.Config{Timezone: hk.Timezone})
	if err != nil {
		return nil, err
	}

	prune := func(what string, fn func(context.Context, time.Duration) (int, error), keep time.Duration) scheduler.TaskHandler {
		return func(ctx context.Context) error {
			n, err := fn(ctx, keep)
			if err != nil {
				return err
			}
			if n > 0 {
				logging.WithFields(map[string]interface{}{"removed": n, "older_than": keep.String()}).Info("Pruned %s", what)
			}
			return nil
		}
	}

	tasks := []*scheduler.Task{
		scheduler.DailyTask("prune-notifications", "Prune old notifications", hk.At,
			prune("notifications", a.notifs.Cleanup, hk.NotificationRetention.Std())),
		scheduler.DailyTask("prune-deliveries", "Prune delivery attempt log", hk.At,
			prune("delivery attempts", a.attempts.Prune, hk.DeliveryRetention.Std())),
	}
	for _, t := range tasks {
		if err := s.Register(t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases the database and Redis connections
func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func profileCipher(cfg *config.Config) (storage.FieldCipher, error) {
	if cfg.Privacy.ProfileSecret == "" {
		logging.Warn("MINDFLORA_PROFILE_SECRET not set - contact details are stored unencrypted")
		return nil, nil
	}
	salt, err := vault.LoadOrCreateSalt(filepath.Join(cfg.DataDir, "profile.salt"))
	if err != nil {
		return nil, fmt.Errorf("profile salt: %w", err)
	}
	c, err := vault.New(cfg.Privacy.ProfileSecret, salt)
	if err != nil {
		return nil, fmt.Errorf("profile cipher: %w", err)
	}
	return c, nil
}

// buildLLM returns nil when no backend has credentials
func buildLLM(cfg *config.Config) agent.Chatter {
	var backends []llm.Backend
	for _, name := range cfg.LLM.Providers {
		switch llm.Provider(name) {
		case llm.ProviderAnthropic:
			backends = append(backends, llm.NewClient(llm.Config{
				APIKey:     cfg.LLM.Anthropic.APIKey,
				Model:      cfg.LLM.Anthropic.Model,
				MaxRetries: 2,
			}))
		case llm.ProviderOpenAI:
			backends = append(backends, llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:     cfg.LLM.OpenAI.APIKey,
				BaseURL:    cfg.LLM.OpenAI.BaseURL,
				Model:      cfg.LLM.OpenAI.Model,
				MaxRetries: 2,
			}))
		}
	}

	router := llm.NewRouter(llm.RouterConfig{Backends: backends, EnableFallback: true})
	if !router.IsConfigured() {
		logging.Warn("No LLM API key set - using keyword classification and fixed replies")
		return nil
	}
	logging.WithField("providers", router.Providers()).Info("LLM configured")
	return router
}

// mailer is what both the SMTP sender and the Gmail client offer
type mailer interface {
	email.Transport
	notifications.NotificationMailer
}

func buildMail(ctx context.Context, cfg *config.Config) (email.Transport, notifications.NotificationMailer) {
	var m mailer
	switch cfg.Email.Backend {
	case "smtp":
		s := cfg.Email.SMTP
		m = email.NewSender(email.Config{
			SMTPHost:    s.Host,
			SMTPPort:    s.Port,
			Username:    s.Username,
			Password:    s.Password,
			FromEmail:   s.FromEmail,
			FromName:    s.FromName,
			UseTLS:      s.UseTLS,
			UseStartTLS: s.UseStartTLS,
			Timeout:     cfg.Timeouts.Provider.Std(),
		})
	case "gmail":
		oauth, token, err := googleToken(cfg, cfg.GmailTokenPath(), gmail.Scopes)
		if err != nil {
			logging.Warn("Gmail not connected (run 'mf connect gmail'): %v", err)
			break
		}
		g, err := gmail.NewMailer(ctx, oauth, token, cfg.Email.SMTP.FromEmail)
		if err != nil {
			logging.Warn("Gmail unavailable: %v", err)
			break
		}
		m = g
	}
	if m == nil || !m.IsConfigured() {
		logging.Warn("Email not configured - email results will be simulated")
		return nil, nil
	}
	return m, m
}

func googleToken(cfg *config.Config, tokenFile string, scopes []string) (*spaces.OAuth, *oauth2.Token, error) {
	oauth := spaces.NewOAuth(spaces.OAuthConfig{
		ClientID:     cfg.Calendar.ClientID,
		ClientSecret: cfg.Calendar.ClientSecret,
		Scopes:       scopes,
	})
	if !oauth.IsConfigured() {
		return nil, nil, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}
	token, err := spaces.LoadToken(tokenFile)
	if err != nil {
		return nil, nil, err
	}
	return oauth, token, nil
}

func buildCalendar(ctx context.Context, cfg *config.Config) *calendar.Client {
	if !cfg.Calendar.Enabled {
		return nil
	}
	oauth, token, err := googleToken(cfg, cfg.CalendarTokenPath(), calendar.Scopes)
	if err != nil {
		logging.Warn("Calendar not connected (run 'mf connect calendar'): %v", err)
		return nil
	}
	c, err := calendar.NewClient(ctx, oauth, token, cfg.Calendar.CalendarID)
	if err != nil {
		logging.Warn("Calendar unavailable: %v", err)
		return nil
	}
	return c
}

func (a *app) quotaStore(ctx context.Context) (notifications.QuotaStore, error) {
	switch a.cfg.Quota.Backend {
	case "memory":
		return notifications.NewMemoryQuotaStore(), nil
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Quota.RedisAddr,
			Password: a.cfg.Quota.RedisPassword,
		})
		store := notifications.NewRedisQuotaStore(a.redis)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis quota store: %w", err)
		}
		return store, nil
	default:
		return storage.NewQuotaStore(a.db), nil
	}
}

func buildChain(cfg *config.Config, quota notifications.QuotaStore, mail notifications.NotificationMailer) *notifications.Chain {
	window := cfg.Quota.Window.Std()
	timeout := cfg.Timeouts.Provider.Std()

	var providers []notifications.SMSProvider
	for _, id := range cfg.SMS.Order {
		switch id {
		case config.ProviderTwilio:
			t := cfg.SMS.Twilio
			providers = append(providers, notifications.NewTwilio(notifications.TwilioConfig{
				AccountSID:    t.AccountSID,
				AuthToken:     t.AuthToken,
				FromNumber:    t.FromNumber,
				BaseURL:       t.BaseURL,
				RatePerSecond: t.RatePerSecond,
				Timeout:       timeout,
				Quota:         notifications.QuotaPolicy{Limit: t.Quota, Window: window},
			}))
		case config.ProviderTextBelt:
			t := cfg.SMS.TextBelt
			providers = append(providers, notifications.NewTextBelt(notifications.TextBeltConfig{
				APIKey:        t.APIKey,
				URL:           t.URL,
				RatePerSecond: t.RatePerSecond,
				Timeout:       timeout,
				Quota:         notifications.QuotaPolicy{Limit: t.DailyQuota, Window: window},
			}))
		case config.ProviderGateway:
			if !cfg.SMS.Gateway.Enabled || mail == nil {
				continue
			}
			providers = append(providers, notifications.NewGateway(notifications.GatewayConfig{
				DefaultCarrier: cfg.SMS.Gateway.DefaultCarrier,
			}, mail))
		}
	}

	chain := notifications.NewChain(notifications.ChainConfig{
		Providers: providers,
		Quota:     quota,
		Timeout:   timeout,
	})
	if len(chain.Providers()) == 0 {
		logging.Warn("No SMS provider configured - SMS results will be simulated")
	} else {
		ids := make([]string, 0, len(chain.Providers()))
		for _, p := range chain.Providers() {
			ids = append(ids, p.ID())
		}
		logging.WithField("order", ids).Info("SMS fallback chain ready")
	}
	return chain
}
