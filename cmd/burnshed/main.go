// Command burnshed runs the burn coordination pipeline. By default it wires
// the in-process mock backends and processes a handful of demo submissions,
// streaming their events to stdout. Setting the BURNSHED_USE_MOCK_* variables
// to false switches individual facades to their real backends (MongoDB,
// Open-Meteo, Slack) and REDIS_URL enables the Pulse event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ctessum/geom"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	slackapi "github.com/slack-go/slack"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"github.com/burnshed/burnshed/burn"
	eventspulse "github.com/burnshed/burnshed/features/events/pulse"
	pulsec "github.com/burnshed/burnshed/features/events/pulse/clients/pulse"
	slacknotify "github.com/burnshed/burnshed/features/notify/slack"
	vmongo "github.com/burnshed/burnshed/features/vstore/mongo"
	vmongoc "github.com/burnshed/burnshed/features/vstore/mongo/clients/mongo"
	"github.com/burnshed/burnshed/features/weather/openmeteo"
	"github.com/burnshed/burnshed/runtime/breaker"
	"github.com/burnshed/burnshed/runtime/config"
	"github.com/burnshed/burnshed/runtime/coordinator"
	"github.com/burnshed/burnshed/runtime/events"
	"github.com/burnshed/burnshed/runtime/metrics"
	"github.com/burnshed/burnshed/runtime/notify"
	"github.com/burnshed/burnshed/runtime/schedule"
	"github.com/burnshed/burnshed/runtime/vstore"
	"github.com/burnshed/burnshed/runtime/weather"
)

func main() {
	var (
		envF   = flag.String("env", ".env", "Environment file loaded before reading configuration")
		burnsF = flag.Int("burns", 4, "Number of demo burn requests to submit")
		dbgF   = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	if err := godotenv.Load(*envF); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envF, err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := run(ctx, cfg, *burnsF); err != nil {
		log.Errorf(ctx, err, "burnshed exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, burns int) error {
	store, cleanupStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupStore()

	provider := buildWeather(cfg)
	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus(events.Options{})
	c, err := coordinator.New(ctx, coordinator.Options{
		Store:    store,
		Weather:  provider,
		Notifier: notifier,
		Bus:      bus,
		Breakers: breaker.NewGroup(breaker.Options{
			Threshold: uint32(cfg.BreakerThreshold),
			Cooldown:  cfg.BreakerCooldown,
		}),
		Metrics: metrics.New(),
		Optimizer: schedule.New(schedule.Config{
			MaxIterations: cfg.OptMaxIterations,
			Seed:          cfg.OptSeed,
		}, nil),
		Workers:         cfg.WorkerPoolSize,
		QueueCapacity:   cfg.QueueCapacity,
		WeatherCacheTTL: cfg.CacheTTLWeather,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.RedisURL != "" {
		fwd, err := buildForwarder(ctx, cfg, bus)
		if err != nil {
			return err
		}
		defer fwd.Close(ctx)
		log.Printf(ctx, "forwarding events to pulse streams")
	}

	return demo(ctx, c, burns)
}

// demo submits a cluster of neighboring burns for the same day and follows
// them to completion, auto-approving any unsafe-weather pauses.
func demo(ctx context.Context, c *coordinator.Coordinator, burns int) error {
	sub := c.Events(events.SubscribeOptions{Buffer: 1024})
	defer sub.Close()

	date := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 2)
	ids := make(map[string]bool, burns)
	for i := 0; i < burns; i++ {
		req := demoRequest(i, date)
		id, err := c.Submit(ctx, req)
		if err != nil {
			return fmt.Errorf("submit demo burn %d: %w", i, err)
		}
		ids[id] = true
		log.Print(ctx, log.KV{K: "submitted", V: id}, log.KV{K: "farm", V: req.FarmID})
	}

	remaining := len(ids)
	deadline := time.After(5 * time.Minute)
	for remaining > 0 {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return errors.New("event stream closed")
			}
			if !ids[evt.RequestID] {
				continue
			}
			printEvent(ctx, evt)
			if evt.Kind == events.KindApprovalRequired {
				// Unattended demo: wave unsafe burns through.
				log.Printf(ctx, "auto-approving %s", evt.RequestID)
				if err := c.Approve(evt.RequestID); err != nil {
					log.Errorf(ctx, err, "approve %s", evt.RequestID)
				}
			}
			if st, err := c.Status(ctx, evt.RequestID); err == nil && st.Request.State.Terminal() {
				delete(ids, evt.RequestID)
				remaining--
				log.Print(ctx, log.KV{K: "finished", V: evt.RequestID},
					log.KV{K: "state", V: string(st.Request.State)})
			}
		case <-deadline:
			return errors.New("demo timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	sched, err := c.ScheduleFor(ctx, date)
	if err != nil {
		return fmt.Errorf("read schedule: %w", err)
	}
	log.Print(ctx, log.KV{K: "schedule-score", V: sched.Score},
		log.KV{K: "conflicts", V: len(sched.Conflicts)})
	for id, start := range sched.Assignments {
		log.Print(ctx, log.KV{K: "burn", V: id},
			log.KV{K: "ignition", V: start.Format(time.RFC3339)})
	}
	return nil
}

func printEvent(ctx context.Context, evt events.Event) {
	kvs := []log.Fielder{
		log.KV{K: "seq", V: evt.Seq},
		log.KV{K: "request", V: evt.RequestID},
		log.KV{K: "kind", V: string(evt.Kind)},
	}
	if evt.Stage != "" {
		kvs = append(kvs, log.KV{K: "stage", V: evt.Stage})
	}
	switch {
	case evt.Thinking != nil:
		kvs = append(kvs, log.KV{K: "note", V: evt.Thinking.Note},
			log.KV{K: "confidence", V: evt.Thinking.Confidence})
	case evt.Completed != nil:
		kvs = append(kvs, log.KV{K: "result", V: evt.Completed.Result},
			log.KV{K: "duration", V: evt.Completed.Duration.String()})
	case evt.Error != nil:
		kvs = append(kvs, log.KV{K: "error", V: evt.Error.Message})
	case evt.Metric != nil:
		kvs = append(kvs, log.KV{K: evt.Metric.Name, V: evt.Metric.Value})
	}
	log.Print(ctx, kvs...)
}

// demoRequest lays fields out in a row near Davis, CA, ~600 m apart so some
// pairs conflict and the optimizer has real work.
func demoRequest(i int, date time.Time) burn.Request {
	latBase := 38.544 + float64(i)*0.0054
	return burn.Request{
		FarmID: fmt.Sprintf("demo-farm-%d", i+1),
		Field: geom.Polygon{{
			{X: -121.74, Y: latBase},
			{X: -121.733, Y: latBase},
			{X: -121.733, Y: latBase + 0.005},
			{X: -121.74, Y: latBase + 0.005},
			{X: -121.74, Y: latBase},
		}},
		Acres:    84,
		Fuel:     burn.FuelWheatStubble,
		Date:     date,
		Window:   burn.Window{Start: 8, End: 16},
		Priority: float64(3 + i%5),
		Contact:  burn.Contact{Method: "sms", Handle: fmt.Sprintf("+1530555%04d", 1000+i)},
	}
}

func buildStore(ctx context.Context, cfg config.Config) (vstore.Store, func(), error) {
	if cfg.UseMockStore {
		return vstore.NewMem(), func() {}, nil
	}
	if cfg.MongoURL == "" {
		return nil, nil, errors.New("MONGO_URL is required when the mock store is disabled")
	}
	client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	cleanup := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}
	mc, err := vmongoc.New(vmongoc.Options{Client: client, Database: cfg.MongoDB})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	store, err := vmongo.NewStore(mc)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

func buildWeather(cfg config.Config) weather.Provider {
	if cfg.UseMockWeather {
		return weather.NewMock(weather.MockOptions{})
	}
	return openmeteo.New(openmeteo.Options{BaseURL: cfg.OpenMeteoURL})
}

func buildNotifier(cfg config.Config) (notify.Notifier, error) {
	if cfg.UseMockNotifier {
		return notify.NewMock(notify.MockOptions{}), nil
	}
	if cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil, errors.New("SLACK_TOKEN and SLACK_CHANNEL are required when the mock notifier is disabled")
	}
	return slacknotify.New(slacknotify.Options{
		Client:           slackapi.New(cfg.SlackToken),
		BroadcastChannel: cfg.SlackChannel,
	})
}

func buildForwarder(ctx context.Context, cfg config.Config, bus *events.Bus) (*eventspulse.Forwarder, error) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client, err := pulsec.New(pulsec.Options{Redis: redis.NewClient(redisOpts)})
	if err != nil {
		return nil, err
	}
	return eventspulse.New(ctx, eventspulse.Options{Client: client, Bus: bus})
}
