package browser

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/chromedp/chromedp/kb"
	"github.com/stretchr/testify/assert"

	"authflow/internal/domain"
)

func testExecutor() *Executor {
	return &Executor{
		timeout: 0,
		width:   1280,
		height:  720,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestScale(t *testing.T) {
	tests := []struct {
		coord, size int
		want        float64
	}{
		{0, 1280, 0},
		{1000, 1280, 1280},
		{500, 1280, 640},
		{500, 720, 360},
		{250, 1000, 250},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scale(tt.coord, tt.size))
	}
}

func TestValidateActionRejectsBadCoordinates(t *testing.T) {
	tests := []struct {
		name   string
		action domain.Action
	}{
		{"click x negative", domain.ClickAt{X: -1, Y: 500}},
		{"click y over grid", domain.ClickAt{X: 500, Y: 1001}},
		{"type out of range", domain.TypeAt{X: 2000, Y: 500, Text: "x"}},
		{"hover out of range", domain.HoverAt{X: 0, Y: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAction(tt.action)
			assert.ErrorIs(t, err, domain.ErrInvalidAction)
		})
	}
}

func TestValidateActionRejectsEmptyPayloads(t *testing.T) {
	assert.ErrorIs(t, validateAction(domain.TypeAt{X: 1, Y: 1}), domain.ErrInvalidAction)
	assert.ErrorIs(t, validateAction(domain.Navigate{}), domain.ErrInvalidAction)
	assert.ErrorIs(t, validateAction(domain.KeyCombo{}), domain.ErrInvalidAction)
}

func TestValidateActionAcceptsGridBounds(t *testing.T) {
	assert.NoError(t, validateAction(domain.ClickAt{X: 0, Y: 0}))
	assert.NoError(t, validateAction(domain.ClickAt{X: 1000, Y: 1000}))
	assert.NoError(t, validateAction(domain.GoBack{}))
	assert.NoError(t, validateAction(domain.Scroll{DeltaY: 300}))
}

func TestExecuteReportsInvalidActionAsFailure(t *testing.T) {
	e := testExecutor()
	// Validation runs before any browser I/O, so no session is needed.
	res := e.Execute(context.Background(), domain.ClickAt{X: -10, Y: 500})
	assert.False(t, res.Success)
	assert.Equal(t, "click_at", res.ActionName)
	assert.Contains(t, res.Error, "coordinates")
}

func TestCaptureErrClassifiesTransientNavigation(t *testing.T) {
	e := testExecutor()

	err := e.captureErr(context.DeadlineExceeded)
	assert.ErrorIs(t, err, domain.ErrNavigating)

	err = e.captureErr(errors.New("page load principal frame: net::ERR_ABORTED"))
	assert.ErrorIs(t, err, domain.ErrNavigating)

	err = e.captureErr(errors.New("websocket closed"))
	assert.NotErrorIs(t, err, domain.ErrNavigating)
}

func TestMapKeys(t *testing.T) {
	assert.Equal(t, kb.Enter, mapKeys("Enter"))
	assert.Equal(t, kb.Enter, mapKeys("Return"))
	assert.Equal(t, kb.Tab, mapKeys("Tab"))
	assert.Equal(t, kb.Escape, mapKeys("Esc"))
	assert.Equal(t, "abc", mapKeys("abc"))
}
