// main.go
package main

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tsunglung/humidifier2mqtt/config"
	"github.com/tsunglung/humidifier2mqtt/hassio"
	"github.com/tsunglung/humidifier2mqtt/humidifier"
	"github.com/tsunglung/humidifier2mqtt/templates"
)

var (
	version = "unknown"
)

type Options struct {
	ConfigFile    string `short:"c" long:"config" description:"Path to configuration file" default:"config.yaml"`
	LoggingFormat string `short:"l" long:"logging" choice:"coloured" choice:"plain" choice:"json" default:"coloured" description:"Log output format"`
	Verbose       []bool `short:"v" long:"verbose" description:"Enable verbose logging (repeat for more verbosity)"`
	Quiet         []bool `short:"q" long:"quiet" description:"Reduce verbosity (repeat for less verbosity)"`
	Version       bool   `short:"V" long:"version" description:"Print version information and exit"`
}

func main() {
	var opts Options

	// Parse command-line options.
	_, err := flags.Parse(&opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse command-line options")
	}

	initializeLogging(opts)

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		log.Fatal().Msg("Failed to read build info")
	}

	var vcsVersion = "unknown"
	for _, setting := range buildInfo.Settings {
		if setting.Key == "vcs.revision" {
			vcsVersion = setting.Value
		}
	}

	if opts.Version {
		log.Info().
			Str("vcsVersion", vcsVersion).
			Str("goVersion", buildInfo.GoVersion).
			Str("version", version).
			Msgf("humidifier2mqtt version %s compiled with %s, commitId: %s", version, buildInfo.GoVersion, vcsVersion)
		os.Exit(1)
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	mqttUrl, err := url.Parse(cfg.Mqtt.Url)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse mqtt url")
	}

	hassioClient, err := hassio.ConnectMqtt(*mqttUrl, cfg.Mqtt.TopicPrefix, cfg.Mqtt.DiscoveryPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to mqtt")
	}

	store := templates.NewStore()
	var entities []*humidifier.Entity
	for i := range cfg.Humidifiers {
		humidifierConfig := &cfg.Humidifiers[i]
		topics := hassio.EntityTopics(cfg.Mqtt.TopicPrefix, humidifierConfig.UniqueId)
		entity, err := humidifier.New(humidifierConfig, topics, store, hassioClient, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to compose humidifier")
		}
		discovery := hassio.NewDiscoveryMessage(humidifierConfig, topics, hassioClient.AvailabilityTopic())
		if discovery.Device != nil {
			discovery.Device.SWVersion = buildInfo.Main.Version
		}
		hassioClient.Discovery[humidifierConfig.UniqueId] = discovery
		entities = append(entities, entity)
		log.Info().Msgf("Composed humidifier %s (%s)", humidifierConfig.Name, humidifierConfig.UniqueId)
	}

	if err := hassioClient.SendConfigurationData(); err != nil {
		log.Fatal().Err(err).Msg("Failed to announce entities")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := subscribeEntities(ctx, hassioClient, entities); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe")
	}

	err = hassioClient.SubscribeToHomeAssistantStatus(func() {
		for _, entity := range entities {
			entity.PublishState()
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to Home Assistant status")
	}

	for _, entity := range entities {
		entity.PublishState()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	hassioClient.Disconnect()
}

// subscribeEntities wires source topics to template refreshes and
// command topics to entity commands. A source topic referenced by
// several entities is subscribed once and fanned out.
func subscribeEntities(ctx context.Context, hassioClient *hassio.Client, entities []*humidifier.Entity) error {
	sources := map[string][]*humidifier.Entity{}
	for _, entity := range entities {
		for _, topic := range entity.SourceTopics() {
			sources[topic] = append(sources[topic], entity)
		}
	}
	for topic, subscribers := range sources {
		subscribers := subscribers
		err := hassioClient.Subscribe(topic, func(topic string, payload string) {
			for _, entity := range subscribers {
				entity.OnSourceMessage(topic, payload)
			}
		})
		if err != nil {
			return err
		}
		log.Debug().Msgf("Watching source topic %s", topic)
	}

	for _, entity := range entities {
		entity := entity
		for _, topic := range entity.CommandTopics() {
			err := hassioClient.Subscribe(topic, func(topic string, payload string) {
				entity.HandleCommand(ctx, topic, payload)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func initializeLogging(opts Options) {
	var lg zerolog.Logger
	switch loggingFormat := opts.LoggingFormat; loggingFormat {
	case "json":
		lg = zerolog.New(os.Stdout)
	case "coloured":
		lg = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	case "plain":
		lg = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: true})
	default:
		log.Panic().Msgf("What the f is %s", loggingFormat)
	}
	log.Logger = lg.With().Timestamp().Logger()
	setLogLevel(len(opts.Verbose) - len(opts.Quiet))
}

func setLogLevel(verbosity int) {
	switch {
	case verbosity < 0:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case verbosity == 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case verbosity == 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
}
