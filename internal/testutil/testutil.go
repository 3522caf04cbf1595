// Package testutil provides shared test helpers for HTTP handlers and pose
// assertions.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/units"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// AssertHeading checks that got is within tol degrees of want, measured the
// short way round.
func AssertHeading(t *testing.T, want, got, tol float64) {
	t.Helper()
	if e := math.Abs(units.AngleError(want, got)); e > tol {
		t.Errorf("heading = %.2f, want %.2f ± %.2f (off by %.2f)", got, want, tol, e)
	}
}

// AssertPosition checks that p lies within tol of (x, y) on each axis.
func AssertPosition(t *testing.T, x, y float64, p odometry.Pose, tol float64) {
	t.Helper()
	if math.Abs(p.X-x) > tol || math.Abs(p.Y-y) > tol {
		t.Errorf("position = (%.2f, %.2f), want (%.2f, %.2f) ± %.2f", p.X, p.Y, x, y, tol)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
