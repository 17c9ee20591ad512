package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authflow/internal/domain"
)

func TestParseActionValid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.Action
	}{
		{
			"click",
			`{"kind":"click_at","args":{"x":512,"y":384},"reasoning":"sign-in button"}`,
			domain.ClickAt{X: 512, Y: 384},
		},
		{
			"type",
			`{"kind":"type_at","args":{"x":400,"y":200,"text":"test@example.com"}}`,
			domain.TypeAt{X: 400, Y: 200, Text: "test@example.com"},
		},
		{
			"key",
			`{"kind":"key_combo","args":{"keys":"Enter"}}`,
			domain.KeyCombo{Keys: "Enter"},
		},
		{
			"fenced json",
			"```json\n{\"kind\":\"click_at\",\"args\":{\"x\":1,\"y\":2}}\n```",
			domain.ClickAt{X: 1, Y: 2},
		},
		{
			"prose wrapped",
			`I will click the button. {"kind":"click_at","args":{"x":10,"y":20}}`,
			domain.ClickAt{X: 10, Y: 20},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAction(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseActionWaitIsNil(t *testing.T) {
	got, err := parseAction(`{"kind":"wait","reasoning":"page still loading"}`)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseActionRejected(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "click somewhere in the middle"},
		{"unknown kind", `{"kind":"teleport","args":{}}`},
		{"click without coordinates", `{"kind":"click_at","args":{}}`},
		{"coordinate off grid", `{"kind":"click_at","args":{"x":1500,"y":10}}`},
		{"type without text", `{"kind":"type_at","args":{"x":1,"y":2}}`},
		{"navigate without url", `{"kind":"navigate","args":{}}`},
		{"empty keys", `{"kind":"key_combo","args":{"keys":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseAction(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrProposerOutput)
		})
	}
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"kind":"wait"}`, stripFences("```json\n{\"kind\":\"wait\"}\n```"))
	assert.Equal(t, `{"kind":"wait"}`, stripFences(`{"kind":"wait"}`))
	assert.Equal(t, `{"a":1}`, stripFences(`noise before {"a":1} noise after`))
}
