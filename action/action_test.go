package action_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsunglung/humidifier2mqtt/action"
	"github.com/tsunglung/humidifier2mqtt/config"
	"github.com/tsunglung/humidifier2mqtt/templates"
)

type published struct {
	topic   string
	payload string
	qos     byte
	retain  bool
}

type fakePublisher struct {
	messages []published
	fail     map[string]error
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload string) error {
	if err := f.fail[topic]; err != nil {
		return err
	}
	f.messages = append(f.messages, published{topic, payload, qos, retained})
	return nil
}

func newRunner(t *testing.T, steps []config.ActionStep, store *templates.Store, pub action.Publisher) *action.Runner {
	t.Helper()
	runner, err := action.NewRunner("test", steps, store, pub, zerolog.Nop())
	require.NoError(t, err)
	return runner
}

func TestRun_PublishesInOrderWithVariables(t *testing.T) {
	pub := &fakePublisher{}
	store := templates.NewStore()
	runner := newRunner(t, []config.ActionStep{
		{Publish: &config.PublishStep{Topic: "dehumidifier/set", Payload: `{"target": {{ .humidity }}}`, Qos: 1, Retain: true}},
		{Publish: &config.PublishStep{Topic: "dehumidifier/confirm", Payload: `set`}},
	}, store, pub)

	require.NoError(t, runner.Run(context.Background(), map[string]any{"humidity": 55.0}))

	require.Len(t, pub.messages, 2)
	assert.Equal(t, published{"dehumidifier/set", `{"target": 55}`, 1, true}, pub.messages[0])
	assert.Equal(t, published{"dehumidifier/confirm", "set", 0, false}, pub.messages[1])
}

func TestRun_PayloadsReadTopicState(t *testing.T) {
	pub := &fakePublisher{}
	store := templates.NewStore()
	store.Set("device/power", "ON")
	runner := newRunner(t, []config.ActionStep{
		{Publish: &config.PublishStep{Topic: "out", Payload: `{{ state "device/power" }}:{{ .mode }}`}},
	}, store, pub)

	require.NoError(t, runner.Run(context.Background(), map[string]any{"mode": "dry"}))
	require.Len(t, pub.messages, 1)
	assert.Equal(t, "ON:dry", pub.messages[0].payload)
}

func TestRun_AbortsOnFirstFailure(t *testing.T) {
	publishErr := errors.New("broker gone")
	pub := &fakePublisher{fail: map[string]error{"fails": publishErr}}
	runner := newRunner(t, []config.ActionStep{
		{Publish: &config.PublishStep{Topic: "fails", Payload: "x"}},
		{Publish: &config.PublishStep{Topic: "never", Payload: "y"}},
	}, templates.NewStore(), pub)

	err := runner.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Empty(t, pub.messages)
}

func TestRun_FailsOnUnrenderablePayload(t *testing.T) {
	pub := &fakePublisher{}
	runner := newRunner(t, []config.ActionStep{
		{Publish: &config.PublishStep{Topic: "out", Payload: `{{ state "never/seen" }}`}},
	}, templates.NewStore(), pub)

	assert.Error(t, runner.Run(context.Background(), nil))
	assert.Empty(t, pub.messages)
}

func TestRun_DelayHonorsCancellation(t *testing.T) {
	pub := &fakePublisher{}
	runner := newRunner(t, []config.ActionStep{
		{Delay: "10s"},
		{Publish: &config.PublishStep{Topic: "never", Payload: "x"}},
	}, templates.NewStore(), pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := runner.Run(ctx, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, pub.messages)
}

func TestRun_EmptyRunnerIsNoop(t *testing.T) {
	var runner *action.Runner
	assert.True(t, runner.Empty())
	assert.NoError(t, runner.Run(context.Background(), nil))
}

func TestNewRunner_RejectsBadSteps(t *testing.T) {
	_, err := action.NewRunner("test", []config.ActionStep{{Delay: "soon"}}, templates.NewStore(), &fakePublisher{}, zerolog.Nop())
	assert.Error(t, err)
}
