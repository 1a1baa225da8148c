// Command loom runs the bot: it wires the configured platform
// adapters, the storage backend, the conversation engine, and the HTTP
// gateway into one dispatcher, and registers the dialog scripts found
// in the script directory as triggers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/botloom/loom/pkg/api"
	"github.com/botloom/loom/pkg/classify"
	"github.com/botloom/loom/pkg/config"
	"github.com/botloom/loom/pkg/controller"
	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/domain/conversation"
	"github.com/botloom/loom/pkg/engine"
	"github.com/botloom/loom/pkg/infrastructure/eventbus"
	"github.com/botloom/loom/pkg/infrastructure/persistence"
	"github.com/botloom/loom/pkg/logger"
	"github.com/botloom/loom/pkg/platform"
	"github.com/botloom/loom/pkg/platform/console"
	"github.com/botloom/loom/pkg/platform/discord"
	"github.com/botloom/loom/pkg/platform/slack"
	"github.com/botloom/loom/pkg/platform/telegram"
	"github.com/botloom/loom/pkg/platform/webhook"
	"github.com/botloom/loom/pkg/script"
)

const component = "main"

func main() {
	configPath := flag.String("config", "loom.yaml", "path to the configuration file")
	scriptDir := flag.String("scripts", "scripts", "directory of dialog scripts")
	flag.Parse()

	if err := run(*configPath, *scriptDir); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run(configPath, scriptDir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events := eventbus.New()
	defer events.Close()

	storage, err := persistence.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	ctl := controller.New(controller.Options{
		Classify: classify.Options{KeepColon: cfg.Classify.KeepColon},
		Events:   events,
	})
	defer ctl.Shutdown()

	if err := registerAdapters(ctl, cfg); err != nil {
		return err
	}
	persistCapturedVars(events, storage)

	library := script.NewLibrary()
	if n, errs := library.Load(scriptDir); n > 0 || len(errs) > 0 {
		logger.InfoCF(component, "Scripts loaded", map[string]interface{}{
			"count": n,
		})
		for _, loadErr := range errs {
			logger.WarnCF(component, "Script skipped", map[string]interface{}{
				"error": loadErr.Error(),
			})
		}
	}
	if err := registerScriptTriggers(ctl, library); err != nil {
		return err
	}

	if cfg.Gateway.Enabled {
		server := api.NewServer(cfg.Gateway, ctl, events)
		if err := server.Start(ctx); err != nil {
			return err
		}
		defer server.Stop()
	}

	go func() {
		err := ctl.Engine().RunReaper(ctx, cfg.Engine.ReapSchedule, cfg.Engine.IdleTimeout)
		if err != nil {
			logger.ErrorCF(component, "Reaper disabled", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	events.Publish(domain.NewEvent(domain.EventSystemStartup, "loom", nil))
	defer events.Publish(domain.NewEvent(domain.EventSystemShutdown, "loom", nil))

	err = ctl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerAdapters builds one adapter per enabled channel.
func registerAdapters(ctl *controller.Controller, cfg *config.Config) error {
	var adapters []platform.Adapter

	if cfg.Channels.Slack.Enabled {
		a, err := slack.New(slack.Options{Token: cfg.Channels.Slack.Token})
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.Telegram.Enabled {
		a, err := telegram.New(telegram.Options{Token: cfg.Channels.Telegram.Token})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.Discord.Enabled {
		a, err := discord.New(discord.Options{Token: cfg.Channels.Discord.Token})
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		adapters = append(adapters, a)
	}
	if cfg.Channels.Console.Enabled {
		adapters = append(adapters, console.New(console.Options{User: cfg.Channels.Console.User}))
	}
	if cfg.Gateway.Enabled {
		adapters = append(adapters, webhook.New(webhook.Options{CallbackURL: cfg.Gateway.CallbackURL}))
	}

	if len(adapters) == 0 {
		return fmt.Errorf("no channels enabled")
	}
	for _, a := range adapters {
		ctl.RegisterAdapter(a)
	}
	return nil
}

// persistCapturedVars writes the variables captured by a completed
// conversation into the user's stored record.
func persistCapturedVars(events domain.EventBus, storage domain.Storage) {
	events.Subscribe(domain.EventConversationEnded, func(ev domain.Event) {
		result, ok := ev.Payload().(conversation.EndResult)
		if !ok || result.Status != conversation.StatusCompleted || len(result.Vars) == 0 {
			return
		}
		err := storage.Users().Update(result.User, func(u *domain.UserRecord) error {
			if u.Vars == nil {
				u.Vars = domain.Metadata{}
			}
			for k, v := range result.Vars {
				u.Vars.Set(k, v)
			}
			return nil
		})
		if err != nil {
			logger.ErrorCF(component, "Persisting conversation vars failed", map[string]interface{}{
				"user":  result.User,
				"error": err.Error(),
			})
		}
	})
}

// scriptTriggerPattern anchors a script name as an exact-match trigger.
// Names come from file names, so regexp metacharacters are quoted.
func scriptTriggerPattern(name string) string {
	return "^" + regexp.QuoteMeta(name) + "$"
}

// registerScriptTriggers makes each loaded script startable by saying
// its name, and adds a help interrupt listing what is available.
func registerScriptTriggers(ctl *controller.Controller, library *script.Library) error {
	for _, name := range library.Names() {
		s, _ := library.Get(name)
		build := s.Compile()
		err := ctl.Hears([]string{scriptTriggerPattern(name)}, nil,
			func(ctx context.Context, w *controller.Worker, msg *domain.Message) (controller.Result, error) {
				_, err := w.StartConversation(ctx, msg, build)
				if errors.Is(err, engine.ErrActiveExists) {
					return controller.Stop, w.Reply(ctx, msg, "Finish the current conversation first.")
				}
				return controller.Stop, err
			})
		if err != nil {
			return err
		}
	}

	return ctl.Interrupts([]string{"^help$"}, nil,
		func(ctx context.Context, w *controller.Worker, msg *domain.Message) (controller.Result, error) {
			names := library.Names()
			if len(names) == 0 {
				return controller.Stop, w.Reply(ctx, msg, "No scripts are loaded.")
			}
			return controller.Stop, w.Reply(ctx, msg,
				"Say one of: "+strings.Join(names, ", "))
		})
}
