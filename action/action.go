// Package action executes the configured action sequences. A sequence is
// an ordered list of MQTT publishes and delays; payloads are template
// expressions rendered with the command variable (humidity or mode) in
// scope.
package action

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/tsunglung/humidifier2mqtt/config"
	"github.com/tsunglung/humidifier2mqtt/templates"
)

// Publisher is the slice of the MQTT client a runner needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload string) error
}

type step struct {
	topic   string
	payload *templates.Expr
	qos     byte
	retain  bool
	delay   time.Duration
}

// Runner holds one compiled action sequence.
type Runner struct {
	name  string
	steps []step
	store *templates.Store
	pub   Publisher
	log   zerolog.Logger
}

// NewRunner compiles the configured steps. The configuration has already
// been validated, but compilation errors are still surfaced rather than
// deferred to the first command.
func NewRunner(name string, steps []config.ActionStep, store *templates.Store, pub Publisher, log zerolog.Logger) (*Runner, error) {
	runner := &Runner{
		name:  name,
		store: store,
		pub:   pub,
		log:   log.With().Str("action", name).Logger(),
	}
	for i, configured := range steps {
		if configured.Publish != nil {
			payload, err := templates.Parse(configured.Publish.Payload)
			if err != nil {
				return nil, eris.Wrapf(err, "%s step %d", name, i)
			}
			runner.steps = append(runner.steps, step{
				topic:   configured.Publish.Topic,
				payload: payload,
				qos:     configured.Publish.Qos,
				retain:  configured.Publish.Retain,
			})
			continue
		}
		delay, err := time.ParseDuration(configured.Delay)
		if err != nil {
			return nil, eris.Wrapf(err, "%s step %d", name, i)
		}
		runner.steps = append(runner.steps, step{delay: delay})
	}
	return runner, nil
}

// Empty reports whether the sequence has no steps, i.e. was not
// configured at all.
func (r *Runner) Empty() bool {
	return r == nil || len(r.steps) == 0
}

// Run executes the sequence in order, aborting on the first failure.
// There is no retry; failures are the caller's to report.
func (r *Runner) Run(ctx context.Context, vars map[string]any) error {
	if r.Empty() {
		return nil
	}
	for i, step := range r.steps {
		if step.payload == nil {
			select {
			case <-time.After(step.delay):
			case <-ctx.Done():
				return eris.Wrapf(ctx.Err(), "%s cancelled at step %d", r.name, i)
			}
			continue
		}
		payload, err := step.payload.Render(r.store, vars)
		if err != nil {
			return eris.Wrapf(err, "%s step %d", r.name, i)
		}
		if err := r.pub.Publish(step.topic, step.qos, step.retain, payload); err != nil {
			return eris.Wrapf(err, "%s step %d: publish to %s", r.name, i, step.topic)
		}
		r.log.Debug().Str("topic", step.topic).Str("payload", payload).Msgf("Action step %d published", i)
	}
	return nil
}
