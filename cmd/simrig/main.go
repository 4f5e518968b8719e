// Command simrig runs the motion rig controller: it listens for game
// telemetry over UDP, runs the washout motion algorithm, and drives the
// configured actuator. An HTTP server exposes status, configuration, and
// the emergency stop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/simrig-data/motion.rig/internal/actuator"
	"github.com/simrig-data/motion.rig/internal/api"
	"github.com/simrig-data/motion.rig/internal/config"
	"github.com/simrig-data/motion.rig/internal/db"
	"github.com/simrig-data/motion.rig/internal/motion"
	"github.com/simrig-data/motion.rig/internal/pipeline"
	"github.com/simrig-data/motion.rig/internal/recorder"
	"github.com/simrig-data/motion.rig/internal/safety"
	"github.com/simrig-data/motion.rig/internal/serialport"
	"github.com/simrig-data/motion.rig/internal/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file (defaults apply when empty)")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	dryRun     = flag.Bool("dry-run", false, "Run the full pipeline without hardware")
	home       = flag.Bool("home", false, "Run the actuator homing cycle during init")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		log.Printf("loaded config from %s", *configPath)
	}

	envelope := safety.NewEnvelope(safety.Config{
		MinPositionMM:  cfg.Safety.GetMinPositionMM(),
		MaxPositionMM:  cfg.Safety.GetMaxPositionMM(),
		HomePositionMM: cfg.Safety.GetHomePositionMM(),
		MaxSpeedMMs:    cfg.Safety.GetMaxSpeedMMs(),
		EStopTimeout:   cfg.Safety.GetEStopTimeout(),
	})

	algorithm := motion.NewAlgorithm(motion.Config{
		Dimension:       cfg.Motion.GetDimension(),
		Gain:            cfg.Motion.GetGain(),
		OnsetGain:       cfg.Motion.GetOnsetGain(),
		SustainedGain:   cfg.Motion.GetSustainedGain(),
		Deadband:        cfg.Motion.GetDeadband(),
		WashoutFreqHz:   cfg.Motion.GetWashoutFreqHz(),
		SustainedFreqHz: cfg.Motion.GetSustainedFreqHz(),
		SlewRateMMs:     cfg.Motion.GetSlewRateMMs(),
		SampleRateHz:    cfg.Motion.GetSampleRateHz(),
		CenterMM:        cfg.Motion.GetCenterMM(),
	})

	driver, err := buildDriver(cfg)
	if err != nil {
		log.Fatalf("failed to build driver: %v", err)
	}

	if err := driver.Connect(); err != nil {
		log.Fatalf("failed to connect actuator: %v", err)
	}
	defer driver.Close()

	if err := driver.Initialize(*home); err != nil {
		log.Fatalf("failed to initialize actuator: %v", err)
	}
	log.Printf("actuator ready (driver=%s, home=%v)", cfg.Actuator.GetDriver(), *home)

	// The driver is owned by the control loop goroutine, so the e-stop
	// callback must not touch it; the envelope's clamping makes every
	// subsequent cycle command the home position instead.
	envelope.RegisterCallback(func() {
		log.Printf("estop engaged, all motion resolves to home (%.1fmm)", envelope.HomePosition())
	})

	var (
		database   *db.DB
		session    *db.Session
		sessionRec *pipeline.SessionRecorder
		rawCapture *recorder.Writer
		sink       pipeline.SampleSink
	)
	if cfg.Recording.GetEnabled() {
		database, err = db.Open(cfg.Recording.GetDBPath())
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer database.Close()

		configJSON, _ := json.Marshal(cfg)
		session, err = database.CreateSession(cfg.Motion.GetDimension(), string(configJSON))
		if err != nil {
			log.Fatalf("failed to create session: %v", err)
		}
		log.Printf("recording session %s to %s", session.ID, cfg.Recording.GetDBPath())

		sessionRec = pipeline.NewSessionRecorder(database, session.ID, 0)
		sink = sessionRec
		defer func() {
			sessionRec.Close()
			if err := database.EndSession(session.ID); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()

		envelope.RegisterCallback(func() {
			if err := database.RecordSafetyEvent(session.ID, "estop", "emergency stop triggered"); err != nil {
				log.Printf("failed to record safety event: %v", err)
			}
		})

		if path := cfg.Recording.GetCapturePath(); path != "" {
			rawCapture, err = recorder.NewWriter(path, "f1-2024")
			if err != nil {
				log.Fatalf("failed to open capture file: %v", err)
			}
			defer rawCapture.Close()
			log.Printf("capturing raw telemetry to %s", path)
		}
	}

	loop := pipeline.NewLoop(algorithm, envelope, driver, sink)

	listenerCfg := telemetry.ListenerConfig{
		Address:     fmt.Sprintf(":%d", cfg.Telemetry.GetPort()),
		RcvBuf:      cfg.Telemetry.GetBufferBytes(),
		LogInterval: cfg.Telemetry.GetLogInterval(),
		Handler:     loop,
	}
	if rawCapture != nil {
		listenerCfg.RawHandler = rawCapture
	}
	listener := telemetry.NewListener(listenerCfg)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry listener drives the control loop on its own goroutine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("telemetry listener stopped: %v", err)
			stop()
		}
		log.Print("telemetry routine terminated")
	}()

	// HTTP server goroutine.
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		api.NewServer(cfg, envelope, loop, driver).Routes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("HTTP server listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// Return the actuator to center before the deferred Close tears the
	// link down.
	if err := driver.Shutdown(); err != nil {
		log.Printf("actuator shutdown error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func buildDriver(cfg *config.Config) (actuator.Driver, error) {
	if *dryRun {
		return actuator.NewNoopDriver(), nil
	}

	switch cfg.Actuator.GetDriver() {
	case "lecp":
		return actuator.NewLECPDriver(actuator.LECPConfig{
			Port: cfg.Actuator.GetPort(),
			Serial: serialport.Options{
				BaudRate: cfg.Actuator.GetBaudRate(),
				DataBits: cfg.Actuator.GetDataBits(),
				StopBits: cfg.Actuator.GetStopBits(),
				Parity:   cfg.Actuator.GetParity(),
			},
			UnitID:              byte(cfg.Actuator.GetUnitID()),
			ResponseTimeout:     cfg.Actuator.GetResponseTimeout(),
			CenterMM:            cfg.Motion.GetCenterMM(),
			MinMM:               cfg.Safety.GetMinPositionMM(),
			MaxMM:               cfg.Safety.GetMaxPositionMM(),
			Speed:               uint16(cfg.Actuator.GetSpeed()),
			Acceleration:        uint16(cfg.Actuator.GetAcceleration()),
			Deceleration:        uint16(cfg.Actuator.GetDeceleration()),
			MinCommandInterval:  cfg.Actuator.GetMinCommandInterval(),
			PositionThresholdMM: cfg.Actuator.GetPositionThresholdMM(),
		}, serialport.RealFactory{}), nil
	case "sixdof":
		return actuator.NewSixDOFDriver(actuator.SixDOFConfig{
			Address:             cfg.SixDOF.GetAddress(),
			Axis:                cfg.SixDOF.GetAxis(),
			CenterMM:            cfg.Motion.GetCenterMM(),
			SurgePosM:           cfg.SixDOF.GetSurgePosM(),
			SurgeNegM:           cfg.SixDOF.GetSurgeNegM(),
			SwayM:               cfg.SixDOF.GetSwayM(),
			HeaveM:              cfg.SixDOF.GetHeaveM(),
			RollRad:             cfg.SixDOF.GetRollRad(),
			PitchRad:            cfg.SixDOF.GetPitchRad(),
			YawRad:              cfg.SixDOF.GetYawRad(),
			MinCommandInterval:  cfg.Actuator.GetMinCommandInterval(),
			PositionThresholdMM: cfg.Actuator.GetPositionThresholdMM(),
		}), nil
	case "none":
		return actuator.NewNoopDriver(), nil
	default:
		return nil, fmt.Errorf("unknown actuator driver %q", cfg.Actuator.GetDriver())
	}
}
