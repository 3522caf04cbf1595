package testutil

import (
	"errors"
	"net/http"
	"testing"

	"github.com/banshee-data/gridnav/internal/odometry"
)

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertStatusCode(t, http.StatusNotFound, http.StatusNotFound)
}

func TestAssertNoError(t *testing.T) {
	t.Parallel()

	AssertNoError(t, nil)
}

func TestAssertError(t *testing.T) {
	t.Parallel()

	AssertError(t, errors.New("test error"))
}

func TestAssertHeadingWraps(t *testing.T) {
	t.Parallel()

	AssertHeading(t, 0, 359.5, 1)
	AssertHeading(t, 359.5, 0.4, 1)
	AssertHeading(t, 90, 90, 0)
}

func TestAssertPosition(t *testing.T) {
	t.Parallel()

	AssertPosition(t, 60, 90, odometry.Pose{X: 61.5, Y: 88.5, Heading: 90}, 2)
	AssertPosition(t, 0, 0, odometry.Pose{}, 0)
}

func TestNewTestRequest(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodPost, "/api/travel")
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if req.URL.Path != "/api/travel" {
		t.Errorf("path = %s, want /api/travel", req.URL.Path)
	}
}

func TestNewTestRecorder(t *testing.T) {
	t.Parallel()

	rec := NewTestRecorder()
	if rec == nil {
		t.Fatal("recorder is nil")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("initial Code = %d, want %d", rec.Code, http.StatusOK)
	}
}
