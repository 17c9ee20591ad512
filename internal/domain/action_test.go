package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeActionVariants(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Action
	}{
		{"click", `{"kind":"click_at","args":{"x":500,"y":320}}`, ClickAt{X: 500, Y: 320}},
		{"type", `{"kind":"type_at","args":{"x":400,"y":200,"text":"user@example.com"}}`, TypeAt{X: 400, Y: 200, Text: "user@example.com"}},
		{"scroll", `{"kind":"scroll","args":{"delta_y":300}}`, Scroll{DeltaY: 300}},
		{"navigate", `{"kind":"navigate","args":{"url":"https://app.example.com/signin"}}`, Navigate{URL: "https://app.example.com/signin"}},
		{"keys", `{"kind":"key_combo","args":{"keys":"Enter"}}`, KeyCombo{Keys: "Enter"}},
		{"back", `{"kind":"go_back"}`, GoBack{}},
		{"forward", `{"kind":"go_forward"}`, GoForward{}},
		{"hover", `{"kind":"hover_at","args":{"x":10,"y":990}}`, HoverAt{X: 10, Y: 990}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAction([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeActionUnknownKind(t *testing.T) {
	_, err := DecodeAction([]byte(`{"kind":"teleport","args":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownAction))
	assert.Equal(t, CodeUnknownAction, ErrorCodeOf(err))
}

func TestDecodeActionBadJSON(t *testing.T) {
	_, err := DecodeAction([]byte(`{not json`))
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := TypeAt{X: 123, Y: 456, Text: "hunter2"}
	data, err := EncodeAction(orig)
	require.NoError(t, err)

	got, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, orig, got)
}

func TestValidCoordinate(t *testing.T) {
	assert.True(t, ValidCoordinate(0))
	assert.True(t, ValidCoordinate(1000))
	assert.False(t, ValidCoordinate(-1))
	assert.False(t, ValidCoordinate(1001))
}
