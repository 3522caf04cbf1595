// Command gridnav localizes the robot in its starting corner, then drives it
// around the grid arena on commands from the HTTP API. With -dev it drives a
// simulated arena instead of the brick.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/gridnav/internal/api"
	"github.com/banshee-data/gridnav/internal/brick"
	"github.com/banshee-data/gridnav/internal/config"
	"github.com/banshee-data/gridnav/internal/correction"
	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/hw/sim"
	"github.com/banshee-data/gridnav/internal/localize"
	"github.com/banshee-data/gridnav/internal/navigate"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/serialmux"
	"github.com/banshee-data/gridnav/internal/telemetry"
	"github.com/banshee-data/gridnav/internal/timeutil"
	"github.com/banshee-data/gridnav/internal/version"
)

var (
	configPath  = flag.String("config", "", "Navigation config JSON (built-in defaults when empty)")
	port        = flag.String("port", "/dev/ttyACM0", "Serial port of the brick (ignored in dev mode)")
	portMode    = flag.String("port-mode", "115200,8N1", "Serial mode as baud,databits parity stopbits")
	devMode     = flag.Bool("dev", false, "Drive a simulated arena instead of the brick")
	listen      = flag.String("listen", ":8080", "Listen address")
	corner      = flag.Int("corner", 0, "Starting corner 1-4 (overrides config)")
	role        = flag.String("role", "", "Match role (overrides config)")
	dbPath      = flag.String("db", "gridnav.db", "Telemetry database, empty to disable recording")
	gotoTarget  = flag.String("goto", "", "Travel to x,y after localizing")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// gridLines is the number of grid lines along each axis.
const gridLines = 12

// target is a travel destination given on the command line.
type target struct {
	X, Y float64
}

// parseTarget parses "x,y". An empty string means no target.
// travelOnStart runs the -goto travel before the control task takes API
// commands. A failure other than shutdown is logged and the robot stays
// available for API commands.
func travelOnStart(ctx context.Context, ctrl *api.Controller, dest target, travel func(context.Context) error) error {
	args := fmt.Sprintf("%g,%g allow_correction=true", dest.X, dest.Y)
	err := ctrl.Do(ctx, "travel", args, travel)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, api.ErrBusy):
		log.Printf("-goto %g,%g dropped: %v", dest.X, dest.Y, err)
	default:
		log.Printf("-goto %g,%g failed: %v", dest.X, dest.Y, err)
	}
	return nil
}

func parseTarget(s string) (*target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return nil, fmt.Errorf("target %q: want x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return nil, fmt.Errorf("target %q: x: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return nil, fmt.Errorf("target %q: y: %w", s, err)
	}
	return &target{X: x, Y: y}, nil
}

// loadConfig reads path, or returns the built-in defaults when path is empty.
func loadConfig(path string) (*config.NavConfig, error) {
	if path == "" {
		return config.EmptyNavConfig(), nil
	}
	return config.LoadNavConfig(path)
}

// matchSettings resolves the starting corner and role, flags taking
// precedence over the config file.
func matchSettings(cfg *config.NavConfig, flagCorner int, flagRole string) (localize.Corner, string, error) {
	c := localize.Corner(cfg.GetCorner())
	if flagCorner != 0 {
		c = localize.Corner(flagCorner)
	}
	if err := c.Validate(); err != nil {
		return 0, "", err
	}
	r := cfg.GetRole()
	if flagRole != "" {
		r = flagRole
	}
	return c, r, nil
}

// simStart places the simulated robot just outside the corner's grid
// intersection, turned off its reference heading.
func simStart(c localize.Corner, spacing float64) odometry.Pose {
	p := c.Pose()
	off := 0.4 * spacing
	if p.X == 0 {
		p.X -= off
	} else {
		p.X += off
	}
	if p.Y == 0 {
		p.Y -= off
	} else {
		p.Y += off
	}
	p.Heading += 30
	return p
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !*devMode && *port == "" {
		log.Fatal("Serial port is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	startCorner, matchRole, err := matchSettings(cfg, *corner, *role)
	if err != nil {
		log.Fatalf("invalid match settings: %v", err)
	}
	dest, err := parseTarget(*gotoTarget)
	if err != nil {
		log.Fatalf("invalid -goto: %v", err)
	}
	log.Printf("%s starting in corner %d, role %q", version.String(), startCorner, matchRole)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, startCorner, matchRole, dest); err != nil {
		log.Fatalf("gridnav: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.NavConfig, startCorner localize.Corner, matchRole string, dest *target) error {
	g, ctx := errgroup.WithContext(ctx)
	var clock timeutil.Clock = timeutil.RealClock{}

	var (
		robot   *hw.Robot
		console serialmux.Interface
		mode    string
	)
	if *devMode {
		mode = "sim"
		world := sim.NewWorld(cfg.SimConfig())
		start := simStart(startCorner, cfg.GetGridSpacing())
		world.Place(start.X, start.Y, start.Heading)
		robot = world.Robot()
		console = serialmux.NewDisabledSerialMux()
		g.Go(func() error { return world.Run(ctx, clock) })
	} else {
		mode = "brick"
		opts, err := serialmux.ParsePortOptions(*portMode)
		if err != nil {
			return fmt.Errorf("port mode: %w", err)
		}
		link, err := serialmux.Open(*port, opts)
		if err != nil {
			return fmt.Errorf("failed to open brick port: %w", err)
		}
		if err := link.Initialize(); err != nil {
			link.Close()
			return fmt.Errorf("failed to initialize brick: %w", err)
		}
		log.Printf("initialized brick on %s (%s)", *port, opts)
		console = link

		b := brick.New(link, brick.DefaultConfig())
		robot = b.Robot()
		g.Go(func() error {
			err := link.Monitor(ctx)
			log.Print("serial monitor terminated")
			return err
		})
		g.Go(func() error { return b.Run(ctx) })
	}
	defer console.Close()

	est := odometry.NewEstimator(cfg.OdometryConfig(), robot.LeftMotor, robot.RightMotor, clock)
	mon := correction.NewMonitor(cfg.CorrectionConfig(), est, robot, clock)
	nav := navigate.New(cfg.NavigateConfig(), robot, est, mon, clock)
	loc := localize.New(cfg.LocalizeConfig(), robot, est, nav, mon, clock)

	var (
		store   *telemetry.Store
		rec     *telemetry.Recorder
		cmdRec  api.CommandRecorder
		runList api.RunStore
	)
	if *dbPath != "" {
		var err error
		store, err = telemetry.Open(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to open telemetry: %w", err)
		}
		defer store.Close()

		info, err := store.StartRun(telemetry.RunInfo{Mode: mode, Corner: int(startCorner), Role: matchRole})
		if err != nil {
			return err
		}
		log.Printf("recording run %s to %s", info.ID, *dbPath)
		rec = telemetry.NewRecorder(telemetry.DefaultRecorderConfig(), store, info, est, clock)
		mon.Observe(rec.ObserveCorrection)
		cmdRec, runList = rec, store
		g.Go(func() error { return rec.Run(ctx) })
	}

	ctrl := api.NewController(cmdRec, clock)

	g.Go(func() error { return est.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })

	// Control task: localize, the optional -goto leg, then API commands.
	g.Go(func() error {
		err := ctrl.Do(ctx, "localize", fmt.Sprintf("corner=%d", startCorner), func(ctx context.Context) error {
			res, err := loc.Localize(ctx, startCorner)
			if rec != nil {
				rec.RecordLocalization(res, err)
			}
			if err == nil {
				log.Printf("localized in corner %d: reference %.1f°, pose %v", res.Corner, res.Reference, est.Get())
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("localize: %w", err)
		}
		if dest != nil {
			err := travelOnStart(ctx, ctrl, *dest, func(ctx context.Context) error {
				return nav.TravelTo(ctx, dest.X, dest.Y, true)
			})
			if err != nil {
				return err
			}
		}
		return ctrl.Run(ctx)
	})

	bounds := api.Bounds{Min: 0, Max: float64(gridLines-1) * cfg.GetGridSpacing()}
	mux := api.NewServer(ctrl, nav, est, mon, runList, bounds).ServeMux()
	console.AttachAdminRoutes(mux)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}
	g.Go(func() error {
		errc := make(chan error, 1)
		go func() { errc <- server.ListenAndServe() }()

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("failed to start server: %w", err)
		case <-ctx.Done():
		}
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
