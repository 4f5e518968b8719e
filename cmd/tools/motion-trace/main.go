// Package main provides an offline motion trace tool. It replays a recorded
// session's G-force samples (or a synthetic profile) through the washout
// algorithm and safety envelope, then writes a PNG time series, an HTML
// chart, and a statistics summary.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/simrig-data/motion.rig/internal/config"
	"github.com/simrig-data/motion.rig/internal/db"
	"github.com/simrig-data/motion.rig/internal/motion"
	"github.com/simrig-data/motion.rig/internal/safety"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file (defaults apply when empty)")
	dbPath     = flag.String("db", "motion.db", "Path to the session database")
	sessionID  = flag.String("session", "", "Session ID to replay (omit for a synthetic profile)")
	profile    = flag.String("profile", "braking", "Synthetic profile: braking, slalom, or step")
	durationS  = flag.Float64("duration", 10, "Synthetic profile length in seconds")
	outputDir  = flag.String("out", "trace-output", "Output directory for plots")
)

// tracePoint is one control cycle of the offline run.
type tracePoint struct {
	TimeS     float64
	GForce    float64
	TargetMM  float64
	ClampedMM float64
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	inputs, err := loadInputs(cfg)
	if err != nil {
		log.Fatalf("failed to load inputs: %v", err)
	}
	if len(inputs) == 0 {
		log.Fatal("no input samples to trace")
	}
	log.Printf("tracing %d samples", len(inputs))

	trace := runTrace(cfg, inputs)

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("failed to create output dir: %v", err)
	}

	pngFile := filepath.Join(*outputDir, "trace.png")
	if err := renderPNG(trace, cfg, pngFile); err != nil {
		log.Fatalf("failed to render PNG: %v", err)
	}
	log.Printf("wrote %s", pngFile)

	htmlFile := filepath.Join(*outputDir, "trace.html")
	if err := renderHTML(trace, cfg, htmlFile); err != nil {
		log.Fatalf("failed to render HTML: %v", err)
	}
	log.Printf("wrote %s", htmlFile)

	printSummary(trace, cfg)
}

// inputSample is one G-force reading with its session timestamp.
type inputSample struct {
	TimeS  float64
	GForce float64
}

func loadInputs(cfg *config.Config) ([]inputSample, error) {
	if *sessionID != "" {
		database, err := db.Open(*dbPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", *dbPath, err)
		}
		defer database.Close()

		samples, err := database.MotionSamples(*sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", *sessionID, err)
		}
		inputs := make([]inputSample, len(samples))
		for i, s := range samples {
			inputs[i] = inputSample{TimeS: s.SessionTime, GForce: s.GForce}
		}
		return inputs, nil
	}
	return syntheticProfile(*profile, *durationS, cfg.Motion.GetSampleRateHz())
}

// syntheticProfile generates a G-force trace without a recorded session.
// braking is a hard stop with release, slalom is a swept sine, step is a
// square wave.
func syntheticProfile(name string, seconds, rateHz float64) ([]inputSample, error) {
	n := int(seconds * rateHz)
	if n <= 0 {
		return nil, fmt.Errorf("profile duration too short")
	}
	inputs := make([]inputSample, n)
	for i := range inputs {
		t := float64(i) / rateHz
		var g float64
		switch name {
		case "braking":
			// 2s cruise, 3s of -4g braking, release, repeat.
			switch phase := math.Mod(t, 6); {
			case phase < 2:
				g = 0
			case phase < 5:
				g = -4
			default:
				g = 0
			}
		case "slalom":
			// Sweep 0.2Hz to 2Hz over the run.
			freq := 0.2 + 1.8*t/seconds
			g = 2 * math.Sin(2*math.Pi*freq*t)
		case "step":
			if math.Mod(t, 4) < 2 {
				g = 1.5
			} else {
				g = -1.5
			}
		default:
			return nil, fmt.Errorf("unknown profile %q", name)
		}
		inputs[i] = inputSample{TimeS: t, GForce: g}
	}
	return inputs, nil
}

func runTrace(cfg *config.Config, inputs []inputSample) []tracePoint {
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
	envelope := safety.NewEnvelope(safety.Config{
		MinPositionMM:  cfg.Safety.GetMinPositionMM(),
		MaxPositionMM:  cfg.Safety.GetMaxPositionMM(),
		HomePositionMM: cfg.Safety.GetHomePositionMM(),
		MaxSpeedMMs:    cfg.Safety.GetMaxSpeedMMs(),
		EStopTimeout:   cfg.Safety.GetEStopTimeout(),
	})

	trace := make([]tracePoint, len(inputs))
	for i, in := range inputs {
		target := algorithm.Calculate(in.GForce)
		trace[i] = tracePoint{
			TimeS:     in.TimeS,
			GForce:    in.GForce,
			TargetMM:  target,
			ClampedMM: envelope.ClampPosition(target),
		}
	}
	return trace
}

func renderPNG(trace []tracePoint, cfg *config.Config, path string) error {
	pPos := plot.New()
	pPos.Title.Text = "Actuator Position"
	pPos.X.Label.Text = "Time (s)"
	pPos.Y.Label.Text = "Position (mm)"

	targetPts := make(plotter.XYs, len(trace))
	clampedPts := make(plotter.XYs, len(trace))
	gPts := make(plotter.XYs, len(trace))
	for i, p := range trace {
		targetPts[i] = plotter.XY{X: p.TimeS, Y: p.TargetMM}
		clampedPts[i] = plotter.XY{X: p.TimeS, Y: p.ClampedMM}
		gPts[i] = plotter.XY{X: p.TimeS, Y: p.GForce}
	}

	targetLine, err := plotter.NewLine(targetPts)
	if err != nil {
		return err
	}
	targetLine.Color = color.RGBA{R: 120, G: 120, B: 255, A: 255}
	targetLine.Width = vg.Points(1)
	pPos.Add(targetLine)
	pPos.Legend.Add("target", targetLine)

	clampedLine, err := plotter.NewLine(clampedPts)
	if err != nil {
		return err
	}
	clampedLine.Color = color.RGBA{R: 255, G: 80, B: 80, A: 255}
	clampedLine.Width = vg.Points(1)
	pPos.Add(clampedLine)
	pPos.Legend.Add("clamped", clampedLine)

	pPos.Legend.Top = true
	pPos.Legend.Left = false

	// Mark the soft range so clipping is visible at a glance.
	for _, y := range []float64{cfg.Safety.GetMinPositionMM(), cfg.Safety.GetMaxPositionMM()} {
		limit, err := plotter.NewLine(plotter.XYs{
			{X: trace[0].TimeS, Y: y},
			{X: trace[len(trace)-1].TimeS, Y: y},
		})
		if err != nil {
			return err
		}
		limit.Color = color.RGBA{R: 128, G: 128, B: 128, A: 255}
		limit.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
		pPos.Add(limit)
	}

	if err := pPos.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save position plot: %w", err)
	}

	pG := plot.New()
	pG.Title.Text = "G-Force Input"
	pG.X.Label.Text = "Time (s)"
	pG.Y.Label.Text = "G"
	gLine, err := plotter.NewLine(gPts)
	if err != nil {
		return err
	}
	gLine.Color = color.RGBA{R: 60, G: 180, B: 90, A: 255}
	gLine.Width = vg.Points(1)
	pG.Add(gLine)

	gFile := path[:len(path)-len(filepath.Ext(path))] + "_input.png"
	if err := pG.Save(14*vg.Inch, 4*vg.Inch, gFile); err != nil {
		return fmt.Errorf("save input plot: %w", err)
	}
	return nil
}

func renderHTML(trace []tracePoint, cfg *config.Config, path string) error {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Motion Trace",
			Theme:     "dark",
			Width:     "1200px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Motion Trace",
			Subtitle: fmt.Sprintf("dimension=%s samples=%d", cfg.Motion.GetDimension(), len(trace)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Time (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Position (mm)"}),
	)

	xAxis := make([]string, len(trace))
	targetData := make([]opts.LineData, len(trace))
	clampedData := make([]opts.LineData, len(trace))
	for i, p := range trace {
		xAxis[i] = fmt.Sprintf("%.2f", p.TimeS)
		targetData[i] = opts.LineData{Value: p.TargetMM}
		clampedData[i] = opts.LineData{Value: p.ClampedMM}
	}

	line.SetXAxis(xAxis).
		AddSeries("target", targetData).
		AddSeries("clamped", clampedData)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

func printSummary(trace []tracePoint, cfg *config.Config) {
	center := cfg.Motion.GetCenterMM()

	displacements := make([]float64, len(trace))
	clampCount := 0
	maxExcursion := 0.0
	for i, p := range trace {
		displacements[i] = p.ClampedMM - center
		if p.ClampedMM != p.TargetMM {
			clampCount++
		}
		if math.Abs(displacements[i]) > maxExcursion {
			maxExcursion = math.Abs(displacements[i])
		}
	}

	mean, std := stat.MeanStdDev(displacements, nil)
	fmt.Printf("samples:        %d\n", len(trace))
	fmt.Printf("mean offset:    %+.2f mm\n", mean)
	fmt.Printf("std deviation:  %.2f mm\n", std)
	fmt.Printf("max excursion:  %.2f mm\n", maxExcursion)
	fmt.Printf("clamped:        %d samples (%.1f%%)\n", clampCount, 100*float64(clampCount)/float64(len(trace)))
}
