// Package humidifier composes one Home Assistant humidifier entity out
// of template expressions and action sequences. Templates pull state
// from subscribed MQTT topics; commands either run the bound action
// sequence or fall back to optimistic in-memory state.
package humidifier

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/tsunglung/humidifier2mqtt/action"
	"github.com/tsunglung/humidifier2mqtt/config"
	"github.com/tsunglung/humidifier2mqtt/hassio"
	"github.com/tsunglung/humidifier2mqtt/templates"
)

// DefaultHumidity seeds the optimistic target and current values until
// a template or command produces one.
const DefaultHumidity = 50

// Humidifier action values understood by Home Assistant.
const (
	actionOff         = "off"
	actionIdle        = "idle"
	actionHumidifying = "humidifying"
	actionDrying      = "drying"
)

// Publisher is the slice of the MQTT client the entity needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload string) error
}

// Entity is one composed humidifier. Its capability set is fixed at
// construction and never changes shape afterwards.
type Entity struct {
	mu     sync.Mutex
	log    zerolog.Logger
	cfg    *config.Humidifier
	store  *templates.Store
	pub    Publisher
	topics hassio.Topics

	stateExpr        *templates.Expr
	currentExpr      *templates.Expr
	targetExpr       *templates.Expr
	modeExpr         *templates.Expr
	actionExpr       *templates.Expr
	availabilityExpr *templates.Expr

	setTargetHumidity *action.Runner
	setMode           *action.Runner

	on           bool
	target       float64
	current      float64
	mode         string
	actionValue  string // last raw action template result
	deviceAction string
	available    bool
}

// New compiles every configured template and action sequence into an
// entity. The configuration has been validated already; compile errors
// here are programming errors surfaced loudly.
func New(cfg *config.Humidifier, topics hassio.Topics, store *templates.Store, pub Publisher, log zerolog.Logger) (*Entity, error) {
	entity := &Entity{
		log:          log.With().Str("humidifier", cfg.Name).Logger(),
		cfg:          cfg,
		store:        store,
		pub:          pub,
		topics:       topics,
		target:       DefaultHumidity,
		current:      DefaultHumidity,
		deviceAction: actionOff,
		available:    true,
	}
	if cfg.HasModeCapability() && len(cfg.Modes) > 0 {
		entity.mode = cfg.Modes[0]
	}

	var err error
	compile := func(dst **templates.Expr, src string) {
		if err != nil || src == "" {
			return
		}
		*dst, err = templates.Parse(src)
	}
	compile(&entity.stateExpr, cfg.StateTemplate)
	compile(&entity.currentExpr, cfg.CurrentHumidityTemplate)
	compile(&entity.targetExpr, cfg.TargetHumidityTemplate)
	compile(&entity.modeExpr, cfg.ModeTemplate)
	compile(&entity.actionExpr, cfg.ActionTemplate)
	compile(&entity.availabilityExpr, cfg.AvailabilityTemplate)
	if err != nil {
		return nil, eris.Wrapf(err, "humidifier %q", cfg.Name)
	}

	if len(cfg.SetTargetHumidityAction) > 0 {
		entity.setTargetHumidity, err = action.NewRunner("setTargetHumidity", cfg.SetTargetHumidityAction, store, pub, entity.log)
		if err != nil {
			return nil, eris.Wrapf(err, "humidifier %q", cfg.Name)
		}
	}
	if len(cfg.SetModeAction) > 0 {
		entity.setMode, err = action.NewRunner("setMode", cfg.SetModeAction, store, pub, entity.log)
		if err != nil {
			return nil, eris.Wrapf(err, "humidifier %q", cfg.Name)
		}
	}
	return entity, nil
}

func (e *Entity) Name() string {
	return e.cfg.Name
}

func (e *Entity) UniqueId() string {
	return e.cfg.UniqueId
}

func (e *Entity) Topics() hassio.Topics {
	return e.topics
}

// SourceTopics returns every MQTT topic referenced by any configured
// template; the bridge subscribes to exactly these.
func (e *Entity) SourceTopics() []string {
	seen := map[string]bool{}
	var sources []string
	for _, expr := range []*templates.Expr{
		e.stateExpr, e.currentExpr, e.targetExpr, e.modeExpr, e.actionExpr, e.availabilityExpr,
	} {
		if expr == nil {
			continue
		}
		for _, topic := range expr.Topics() {
			if !seen[topic] {
				seen[topic] = true
				sources = append(sources, topic)
			}
		}
	}
	return sources
}

// CommandTopics returns the command topics the entity answers to,
// honoring the capability presence rule.
func (e *Entity) CommandTopics() []string {
	commands := []string{e.topics.Command}
	if e.cfg.HasTargetHumidityCapability() {
		commands = append(commands, e.topics.TargetHumidityCommand)
	}
	if e.cfg.HasModeCapability() {
		commands = append(commands, e.topics.ModeCommand)
	}
	return commands
}

// OnSourceMessage records a source topic payload and refreshes every
// templated attribute.
func (e *Entity) OnSourceMessage(topic string, payload string) {
	e.store.Set(topic, payload)
	e.Refresh()
}

// Refresh re-renders every configured template. A failing template
// keeps the previous value and logs a warning; the refresh cycle always
// completes.
func (e *Entity) Refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.availabilityExpr != nil {
		if value, ok := e.render(e.availabilityExpr, "availability_template"); ok {
			e.setAvailable(truthy(value))
		}
	}
	if e.stateExpr != nil {
		if value, ok := e.render(e.stateExpr, "state_template"); ok {
			e.applyState(value)
		}
	}
	if e.currentExpr != nil {
		if value, ok := e.render(e.currentExpr, "current_humidity_template"); ok {
			e.applyHumidity(value, "current_humidity_template", &e.current, e.topics.CurrentHumidity)
		}
	}
	if e.targetExpr != nil {
		if value, ok := e.render(e.targetExpr, "target_humidity_template"); ok {
			e.applyHumidity(value, "target_humidity_template", &e.target, e.topics.TargetHumidityState)
		}
	}
	if e.modeExpr != nil {
		if value, ok := e.render(e.modeExpr, "mode_template"); ok {
			e.applyMode(value)
		}
	}
	if e.actionExpr != nil {
		if value, ok := e.render(e.actionExpr, "action_template"); ok {
			e.actionValue = value
		}
		e.publishDeviceAction()
	}
}

// PublishState pushes every present attribute to its state topic; used
// after discovery and whenever Home Assistant restarts.
func (e *Entity) PublishState() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.availabilityExpr != nil {
		e.publish(e.topics.Availability, availabilityPayload(e.available))
	}
	e.publish(e.topics.State, statePayload(e.on))
	if e.cfg.HasTargetHumidityCapability() {
		e.publish(e.topics.TargetHumidityState, humidityPayload(e.target))
	}
	if e.currentExpr != nil {
		e.publish(e.topics.CurrentHumidity, humidityPayload(e.current))
	}
	if e.cfg.HasModeCapability() {
		e.publish(e.topics.ModeState, e.mode)
	}
	if e.actionExpr != nil {
		e.publish(e.topics.Action, e.deviceAction)
	}
}

// HandleCommand dispatches one command topic message. Errors are logged
// here; command handling never propagates a failure to the MQTT loop.
func (e *Entity) HandleCommand(ctx context.Context, topic string, payload string) {
	var err error
	switch topic {
	case e.topics.Command:
		switch strings.ToUpper(strings.TrimSpace(payload)) {
		case "ON":
			err = e.TurnOn(ctx)
		case "OFF":
			err = e.TurnOff(ctx)
		default:
			err = eris.Errorf("unknown state command %q", payload)
		}
	case e.topics.TargetHumidityCommand:
		var value float64
		value, err = strconv.ParseFloat(strings.TrimSpace(payload), 64)
		if err != nil {
			err = eris.Wrapf(err, "target humidity command %q", payload)
			break
		}
		err = e.SetTargetHumidity(ctx, value)
	case e.topics.ModeCommand:
		err = e.SetMode(ctx, strings.TrimSpace(payload))
	default:
		err = eris.Errorf("no handler for command topic %s", topic)
	}
	if err != nil {
		e.log.Warn().Err(err).Str("topic", topic).Msg("Command failed")
	}
}

// SetTargetHumidity runs the bound action with the humidity variable in
// scope. Values outside the configured bounds are rejected before any
// action runs. Without a target humidity template the entity is
// optimistic: the reported target changes right after the action is
// invoked, regardless of its outcome.
func (e *Entity) SetTargetHumidity(ctx context.Context, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if value < e.cfg.MinHumidity || value > e.cfg.MaxHumidity {
		return eris.Errorf("target humidity %v outside [%v, %v]", value, e.cfg.MinHumidity, e.cfg.MaxHumidity)
	}

	err := e.setTargetHumidity.Run(ctx, map[string]any{"humidity": value})
	if e.targetExpr == nil {
		e.target = value
		e.publish(e.topics.TargetHumidityState, humidityPayload(e.target))
	}
	return err
}

// SetMode runs the bound action with the mode variable in scope. Modes
// outside the configured list are rejected. Without a mode template the
// mode is updated optimistically.
func (e *Entity) SetMode(ctx context.Context, mode string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.HasModeCapability() {
		return eris.New("no mode capability configured")
	}
	if !containsMode(e.cfg.Modes, mode) {
		return eris.Errorf("mode %q is not in the configured modes %v", mode, e.cfg.Modes)
	}

	err := e.setMode.Run(ctx, map[string]any{"mode": mode})
	if e.modeExpr == nil {
		e.mode = mode
		e.publish(e.topics.ModeState, e.mode)
	}
	return err
}

// TurnOn flips the entity on. The switch topic, when configured,
// receives ON; without a state template the reported state changes
// optimistically.
func (e *Entity) TurnOn(ctx context.Context) error {
	return e.setPower(ctx, true)
}

// TurnOff is the counterpart of TurnOn.
func (e *Entity) TurnOff(ctx context.Context) error {
	return e.setPower(ctx, false)
}

func (e *Entity) setPower(_ context.Context, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var err error
	if e.cfg.SwitchTopic != "" {
		err = e.pub.Publish(e.cfg.SwitchTopic, 0, false, statePayload(on))
	}
	if e.stateExpr == nil {
		e.setOn(on)
	}
	return err
}

// render evaluates one expression; on failure the previous value is
// retained and a warning logged.
func (e *Entity) render(expr *templates.Expr, name string) (string, bool) {
	value, err := expr.Render(e.store, nil)
	if err != nil {
		e.log.Warn().Err(err).Str("template", name).Msg("Template evaluation failed, keeping previous value")
		return "", false
	}
	return value, true
}

func (e *Entity) applyState(value string) {
	lowered := strings.ToLower(value)
	if lowered == "" || lowered == "unknown" || lowered == "unavailable" {
		return
	}
	e.setOn(lowered == "true" || lowered == "on" || lowered == "1")
}

func (e *Entity) setOn(on bool) {
	if e.on == on {
		return
	}
	e.on = on
	e.publish(e.topics.State, statePayload(e.on))
	if e.actionExpr != nil {
		e.publishDeviceAction()
	}
}

func (e *Entity) applyHumidity(value string, name string, dst *float64, topic string) {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.log.Warn().Str("template", name).Msgf("Could not parse humidity from %q", value)
		return
	}
	if *dst == parsed {
		return
	}
	*dst = parsed
	e.publish(topic, humidityPayload(parsed))
}

func (e *Entity) applyMode(value string) {
	if !containsMode(e.cfg.Modes, value) {
		e.log.Warn().Msgf("Template produced mode %q which is not in the configured modes %v", value, e.cfg.Modes)
		return
	}
	if e.mode == value {
		return
	}
	e.mode = value
	e.publish(e.topics.ModeState, e.mode)
}

// publishDeviceAction derives the Home Assistant action value from the
// power state, the device type and the raw action template result.
func (e *Entity) publishDeviceAction() {
	derived := actionOff
	switch {
	case !e.on:
	case e.actionValue == "fan":
		derived = actionIdle
	case e.cfg.Type == config.TypeHumidifier:
		derived = actionHumidifying
	default:
		derived = actionDrying
	}
	if e.deviceAction == derived {
		return
	}
	e.deviceAction = derived
	e.publish(e.topics.Action, e.deviceAction)
}

func (e *Entity) setAvailable(available bool) {
	if e.available == available {
		return
	}
	e.available = available
	e.publish(e.topics.Availability, availabilityPayload(available))
}

func (e *Entity) publish(topic string, payload string) {
	if err := e.pub.Publish(topic, 0, true, payload); err != nil {
		e.log.Error().Err(err).Msgf("Failed to publish state to %s", topic)
	}
}

func statePayload(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func availabilityPayload(available bool) string {
	if available {
		return "online"
	}
	return "offline"
}

func humidityPayload(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func truthy(value string) bool {
	switch strings.ToLower(value) {
	case "true", "on", "online", "1", "yes":
		return true
	}
	return false
}

func containsMode(modes []string, mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}
