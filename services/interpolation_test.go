package services

import (
	"math"
	"testing"

	"session-sync/models"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestInterpolateBracketsAndClamps(t *testing.T) {
	history := []models.HistorySnapshot{
		{X: 0, Timestamp: 1000},
		{X: 10, Timestamp: 2000},
	}
	current := models.Participant{PlayerID: "p1", PositionX: 99}

	cases := []struct {
		render int64
		want   float64
	}{
		{render: 1600, want: 5},
		{render: 2200, want: 10},
		{render: 900, want: 0},
		{render: 1100, want: 0},
		{render: 2100, want: 10},
	}
	for _, tc := range cases {
		got := Interpolate(history, current, tc.render, DefaultInterpolationDelay)
		if !approx(got.X, tc.want) {
			t.Fatalf("render=%d: expected x=%v, got %v", tc.render, tc.want, got.X)
		}
		if got.PlayerID != "p1" {
			t.Fatalf("expected player id to be carried, got %q", got.PlayerID)
		}
	}
}

func TestInterpolateFallsBackToCurrentFields(t *testing.T) {
	current := models.Participant{PlayerID: "p1", PositionX: 7, PositionY: 8, Rotation: 1.5, VelocityX: 2}
	got := Interpolate(nil, current, 5000, DefaultInterpolationDelay)
	if got.X != 7 || got.Y != 8 || got.Rotation != 1.5 || got.VelocityX != 2 {
		t.Fatalf("expected raw fields, got %+v", got)
	}
}

func TestInterpolateRotationTakesShortestArc(t *testing.T) {
	deg := math.Pi / 180
	history := []models.HistorySnapshot{
		{Rotation: 350 * deg, Timestamp: 1000},
		{Rotation: 10 * deg, Timestamp: 2000},
	}
	got := Interpolate(history, models.Participant{}, 1600, DefaultInterpolationDelay)
	if dist := math.Abs(wrapAngle(got.Rotation)); dist > 1e-6 {
		t.Fatalf("expected rotation ~0, got %v rad (%v deg)", got.Rotation, got.Rotation/deg)
	}
}

func TestInterpolateVelocityAndMultipleSegments(t *testing.T) {
	history := []models.HistorySnapshot{
		{X: 0, VelocityX: 0, Timestamp: 1000},
		{X: 10, VelocityX: 10, Timestamp: 2000},
		{X: 30, VelocityX: 20, Timestamp: 3000},
	}
	got := Interpolate(history, models.Participant{}, 2600, DefaultInterpolationDelay)
	if !approx(got.X, 20) || !approx(got.VelocityX, 15) {
		t.Fatalf("expected x=20 vx=15 in second segment, got x=%v vx=%v", got.X, got.VelocityX)
	}
}

func TestWrapAngleRange(t *testing.T) {
	for _, d := range []float64{0, math.Pi, -math.Pi, 3 * math.Pi, -3 * math.Pi, 7} {
		w := wrapAngle(d)
		if w <= -math.Pi || w > math.Pi {
			t.Fatalf("wrapAngle(%v) = %v outside (-π, π]", d, w)
		}
	}
}
