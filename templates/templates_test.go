package templates_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsunglung/humidifier2mqtt/templates"
)

func TestParse_ExtractsReferencedTopics(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{
			name: "single state call",
			src:  `{{ state "sensor/bedroom/humidity" }}`,
			want: []string{"sensor/bedroom/humidity"},
		},
		{
			name: "stateFloat and stateJSON",
			src:  `{{ stateFloat "a/b" }} {{ stateJSON "c/d" "x.y" }}`,
			want: []string{"a/b", "c/d"},
		},
		{
			name: "inside if condition and branches",
			src:  `{{ if eq (state "x/cond") "on" }}{{ state "x/yes" }}{{ else }}{{ state "x/no" }}{{ end }}`,
			want: []string{"x/cond", "x/yes", "x/no"},
		},
		{
			name: "duplicates collapse",
			src:  `{{ state "t" }}{{ state "t" }}`,
			want: []string{"t"},
		},
		{
			name: "piped call",
			src:  `{{ state "p/q" | lower }}`,
			want: []string{"p/q"},
		},
		{
			name: "no topics",
			src:  `plain text`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := templates.Parse(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, expr.Topics())
		})
	}
}

func TestParse_RejectsInvalidSyntax(t *testing.T) {
	_, err := templates.Parse(`{{ state `)
	assert.Error(t, err)
}

func TestRender_StateFunctions(t *testing.T) {
	store := templates.NewStore()
	store.Set("sensor/humidity", "47.5")
	store.Set("sensor/device", `{"status": {"mode": "Dry"}}`)

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"state", `{{ state "sensor/humidity" }}`, "47.5"},
		{"stateFloat rounded", `{{ stateFloat "sensor/humidity" | round }}`, "48"},
		{"stateJSON path", `{{ stateJSON "sensor/device" "status.mode" | lower }}`, "dry"},
		{"upper", `{{ state "sensor/humidity" | upper }}`, "47.5"},
		{"whitespace trimmed", `  {{ state "sensor/humidity" }}  `, "47.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := templates.MustParse(tt.src).Render(store, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, value)
		})
	}
}

func TestRender_CommandVariables(t *testing.T) {
	store := templates.NewStore()

	value, err := templates.MustParse(`{"target": {{ .humidity }}}`).Render(store, map[string]any{"humidity": 55.0})
	require.NoError(t, err)
	assert.Equal(t, `{"target": 55}`, value)

	value, err = templates.MustParse(`{{ .mode }}`).Render(store, map[string]any{"mode": "dry"})
	require.NoError(t, err)
	assert.Equal(t, "dry", value)
}

func TestRender_Errors(t *testing.T) {
	store := templates.NewStore()
	store.Set("not/a/number", "soggy")
	store.Set("not/json", "{")

	tests := []struct {
		name string
		src  string
	}{
		{"unseen topic", `{{ state "never/seen" }}`},
		{"unparseable float", `{{ stateFloat "not/a/number" }}`},
		{"broken json", `{{ stateJSON "not/json" "a" }}`},
		{"missing json field", `{{ stateJSON "not/a/number" "a.b" }}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := templates.MustParse(tt.src).Render(store, nil)
			assert.Error(t, err)
		})
	}
}

func TestStore_LastValueWins(t *testing.T) {
	store := templates.NewStore()
	_, ok := store.Get("t")
	assert.False(t, ok)

	store.Set("t", "1")
	store.Set("t", "2")
	value, ok := store.Get("t")
	require.True(t, ok)
	assert.Equal(t, "2", value)
}
