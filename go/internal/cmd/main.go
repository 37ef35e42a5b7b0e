package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmadden91/tablesync/go/internal/engine"
	"github.com/jmadden91/tablesync/go/internal/metrics"
	"github.com/jmadden91/tablesync/go/internal/store"
	"github.com/jmadden91/tablesync/go/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, config); err != nil {
		log.Fatal().Err(err).Msg("sync client failed")
	}
}

func run(ctx context.Context, config *Config) error {
	t, err := config.buildTransport()
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	collector := metrics.NewPrometheusCollector()
	st := store.New()
	orch := engine.New(t, st, config.engineConfig(), nil, collector)

	registerSessionHandlers(orch, st)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer orch.Stop()

	sessionID := config.Session.ID
	for _, destination := range []string{
		fmt.Sprintf("/session/%s/state", sessionID),
		fmt.Sprintf("/session/%s/game/events", sessionID),
		fmt.Sprintf("/session/%s/chat", sessionID),
	} {
		if err := orch.Subscribe(destination); err != nil {
			log.Warn().Err(err).Str("destination", destination).Msg("subscribe failed")
		}
	}

	srv := newDebugServer(config.HTTP.Addr, orch, st, collector)
	go func() {
		log.Info().Str("addr", config.HTTP.Addr).Msg("debug server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("debug server failed")
		}
	}()

	// Periodic latency probes keep the rolling average warm.
	probeDest := fmt.Sprintf("/session/%s/probe", sessionID)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := orch.SendProbe(probeDest); err != nil {
					log.Debug().Err(err).Msg("probe send failed")
				}
			}
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("debug server shutdown failed")
	}
	return nil
}

// registerSessionHandlers wires the domain event frames to store writes.
func registerSessionHandlers(orch *engine.Orchestrator, st *store.Store) {
	orch.On(engine.FrameTypeChatMessage, func(frame transport.Frame) error {
		var payload engine.ChatMessagePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("decode chat message: %w", err)
		}
		view, err := store.DecodeSession(st.State())
		if err != nil {
			return err
		}
		st.Apply(store.Fragment{store.FieldChat: append(view.Chat, payload.Entry)})
		return nil
	})

	orch.On(engine.FrameTypeVoteCast, func(frame transport.Frame) error {
		var payload engine.VoteCastPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("decode vote: %w", err)
		}
		view, err := store.DecodeSession(st.State())
		if err != nil {
			return err
		}
		votes := view.VotedFor
		if votes == nil {
			votes = make(map[string]string)
		}
		votes[payload.PlayerID] = payload.VotedFor
		st.Apply(store.Fragment{store.FieldVotedFor: votes})
		return nil
	})

	orch.On(engine.FrameTypePlayerJoined, func(frame transport.Frame) error {
		var payload engine.PlayerJoinedPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("decode player joined: %w", err)
		}
		view, err := store.DecodeSession(st.State())
		if err != nil {
			return err
		}
		for _, p := range view.Players {
			if p.ID == payload.Player.ID {
				return nil
			}
		}
		st.Apply(store.Fragment{store.FieldPlayers: append(view.Players, payload.Player)})
		return nil
	})

	orch.On(engine.FrameTypePlayerLeft, func(frame transport.Frame) error {
		var payload engine.PlayerLeftPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			return fmt.Errorf("decode player left: %w", err)
		}
		view, err := store.DecodeSession(st.State())
		if err != nil {
			return err
		}
		players := view.Players[:0]
		for _, p := range view.Players {
			if p.ID != payload.PlayerID {
				players = append(players, p)
			}
		}
		st.Apply(store.Fragment{store.FieldPlayers: players})
		return nil
	})
}
