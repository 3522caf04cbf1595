package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gridnav/internal/api"
	"github.com/banshee-data/gridnav/internal/config"
	"github.com/banshee-data/gridnav/internal/localize"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/testutil"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configPath)
	assert.Equal(t, "115200,8N1", *portMode)
	assert.False(t, *devMode)
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, 0, *corner)
	assert.Equal(t, "gridnav.db", *dbPath)
	assert.Equal(t, "", *gotoTarget)
	assert.False(t, *showVersion)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    *target
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "  ", want: nil},
		{in: "60,90", want: &target{X: 60, Y: 90}},
		{in: " 12.5 , 300 ", want: &target{X: 12.5, Y: 300}},
		{in: "60", wantErr: true},
		{in: "x,90", wantErr: true},
		{in: "60,", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTarget(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	testutil.AssertNoError(t, err)
	assert.Equal(t, 1, cfg.GetCorner())

	path := filepath.Join(t.TempDir(), "nav.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"corner": 3, "role": "attack"}`), 0o644))
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.GetCorner())
	assert.Equal(t, "attack", cfg.GetRole())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	testutil.AssertError(t, err)
}

func TestMatchSettings(t *testing.T) {
	three, attack := 3, "attack"
	cfg := config.EmptyNavConfig()
	cfg.Corner = &three
	cfg.Role = &attack

	c, r, err := matchSettings(cfg, 0, "")
	require.NoError(t, err)
	assert.Equal(t, localize.Corner(3), c)
	assert.Equal(t, "attack", r)

	c, r, err = matchSettings(cfg, 2, "defend")
	require.NoError(t, err)
	assert.Equal(t, localize.Corner(2), c)
	assert.Equal(t, "defend", r)

	_, _, err = matchSettings(cfg, 7, "")
	assert.True(t, errors.Is(err, localize.ErrInvalidCorner))
}

func TestSimStartOutsideCorner(t *testing.T) {
	assert.Equal(t, odometry.Pose{X: -12, Y: -12, Heading: 30}, simStart(1, 30))
	assert.Equal(t, odometry.Pose{X: 342, Y: -12, Heading: 120}, simStart(2, 30))
	assert.Equal(t, odometry.Pose{X: 342, Y: 342, Heading: 210}, simStart(3, 30))
	assert.Equal(t, odometry.Pose{X: -12, Y: 342, Heading: 300}, simStart(4, 30))
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	flags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
	})
	return &buf
}

func TestTravelOnStart(t *testing.T) {
	dest := target{X: 90, Y: 120}

	t.Run("runs the travel", func(t *testing.T) {
		ctrl := api.NewController(nil, nil)
		ran := false
		err := travelOnStart(context.Background(), ctrl, dest, func(context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("busy controller logs the dropped target", func(t *testing.T) {
		buf := captureLog(t)
		ctrl := api.NewController(nil, nil)
		// An API command queued before the control task started.
		require.NoError(t, ctrl.Submit("rotate", "180", func(context.Context) error { return nil }))

		ran := false
		err := travelOnStart(context.Background(), ctrl, dest, func(context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Contains(t, buf.String(), "-goto 90,120 dropped")
		assert.Contains(t, buf.String(), api.ErrBusy.Error())
	})

	t.Run("travel failure is logged", func(t *testing.T) {
		buf := captureLog(t)
		ctrl := api.NewController(nil, nil)
		err := travelOnStart(context.Background(), ctrl, dest, func(context.Context) error {
			return errors.New("blocked by wall")
		})
		require.NoError(t, err)
		assert.Contains(t, buf.String(), "-goto 90,120 failed: blocked by wall")
	})

	t.Run("shutdown is returned", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ctrl := api.NewController(nil, nil)
		err := travelOnStart(ctx, ctrl, dest, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
