package scanner

import (
	"context"
	"math"
	"time"

	"rescan/logger"

	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/time/rate"
)

type autoTuneSettings struct {
	interval  time.Duration
	targetCPU float64
	nice      string
}

type autoTuneState struct {
	ioLimit        int
	minIOLimit     int
	maxIOLimit     int
	cpuEWMA        float64
	cpuPID         pidController
	lastProcessed  int64
	throughputEWMA float64
	queueWaitEWMA  float64
}

type autoTuneTelemetry struct {
	queueDepthFn     func() int
	queueCapacityFn  func() int
	processedCountFn func() int64
	cpuPercentFn     func() float64
}

func (t autoTuneTelemetry) queueDepth() int {
	if t.queueDepthFn == nil {
		return 0
	}
	return max(0, t.queueDepthFn())
}

func (t autoTuneTelemetry) queueCapacity() int {
	if t.queueCapacityFn == nil {
		return 0
	}
	return max(0, t.queueCapacityFn())
}

func (t autoTuneTelemetry) processedCount() int64 {
	if t.processedCountFn == nil {
		return 0
	}
	return max(0, t.processedCountFn())
}

func (t autoTuneTelemetry) cpuPercent() float64 {
	if t.cpuPercentFn != nil {
		return t.cpuPercentFn()
	}
	return currentCPUPercent()
}

type pidController struct {
	kp float64
	ki float64
	kd float64

	integral    float64
	prevError   float64
	hasPrev     bool
	minIntegral float64
	maxIntegral float64
	minOutput   float64
	maxOutput   float64
}

func newAutoTuneState(nice string) *autoTuneState {
	limit, ceiling := 800, 5000
	switch nice {
	case "low":
		limit, ceiling = 250, 1500
	case "medium":
		limit, ceiling = 600, 3500
	}
	return &autoTuneState{
		ioLimit:    limit,
		minIOLimit: 50,
		maxIOLimit: ceiling,
		cpuPID:     newCPUPIDController(nice),
	}
}

// startAutoTune seeds limiter with the initial read rate and keeps adjusting
// it until ctx is done.
func startAutoTune(ctx context.Context, settings autoTuneSettings, limiter *rate.Limiter, state *autoTuneState, telemetry autoTuneTelemetry) {
	if limiter == nil || state == nil || settings.interval <= 0 {
		return
	}
	limiter.SetLimit(rate.Limit(state.ioLimit))
	limiter.SetBurst(state.ioLimit)
	logger.Debugf("Auto-tune starting at %d reads/s", state.ioLimit)

	go func() {
		ticker := time.NewTicker(settings.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cpuPct := telemetry.cpuPercent()
			if cpuPct <= 0 {
				continue
			}
			applyIODelta(limiter, state, computeIODelta(settings, state, cpuPct, telemetry))
		}
	}()
}

func applyIODelta(limiter *rate.Limiter, state *autoTuneState, delta int) {
	if delta == 0 {
		return
	}
	next := clampInt(state.ioLimit+delta, state.minIOLimit, state.maxIOLimit)
	if next == state.ioLimit {
		return
	}
	state.ioLimit = next
	limiter.SetLimit(rate.Limit(next))
	limiter.SetBurst(next)
	logger.Debugf("Auto-tune read rate now %d/s", next)
}

func computeIODelta(settings autoTuneSettings, state *autoTuneState, cpuSample float64, telemetry autoTuneTelemetry) int {
	if cpuSample <= 0 {
		return 0
	}

	const (
		ewmaAlpha = 0.30
		deadband  = 2.0
	)
	state.cpuEWMA = ewma(state.cpuEWMA, cpuSample, ewmaAlpha)

	dt := settings.interval.Seconds()
	if dt <= 0 {
		dt = 1
	}
	cpuError := settings.targetCPU - state.cpuEWMA
	control := state.cpuPID.Update(cpuError, dt)

	queueRatio, queueWait, hasQueueSignal := queueSignals(state, telemetry, dt)
	queueError, waitError := 0.0, 0.0
	if hasQueueSignal {
		targetRatio, targetWait := queueTargets(settings.nice)
		queueError = queueRatio - targetRatio
		waitError = (queueWait - targetWait) / targetWait
	}
	// A backed-up dispatch queue means workers are starved by the limiter.
	control += queueError*2.2 + waitError*1.4

	if math.Abs(cpuError) <= deadband && (!hasQueueSignal || (math.Abs(queueError) <= 0.05 && math.Abs(waitError) <= 0.20)) {
		state.cpuPID.integral *= 0.85
		return 0
	}

	switch noise := math.Abs(cpuSample - state.cpuEWMA); {
	case noise > 35:
		control *= 0.25
	case noise > 20:
		control *= 0.5
	}
	return boundedIntStep(int(math.Round(control*ioScale(settings.nice))), 250)
}

func queueSignals(state *autoTuneState, telemetry autoTuneTelemetry, dt float64) (float64, float64, bool) {
	depth := float64(telemetry.queueDepth())
	capacity := telemetry.queueCapacity()
	if capacity <= 0 {
		return 0, 0, false
	}
	ratio := clampFloat(depth/float64(capacity), 0, 2)

	processed := telemetry.processedCount()
	delta := max(0, processed-state.lastProcessed)
	state.lastProcessed = processed
	state.throughputEWMA = ewma(state.throughputEWMA, float64(delta)/dt, 0.35)

	wait := 0.0
	if depth > 0 {
		if state.throughputEWMA > 0.01 {
			wait = depth / state.throughputEWMA
		} else {
			wait = 5.0
		}
	}
	state.queueWaitEWMA = ewma(state.queueWaitEWMA, wait, 0.35)
	return ratio, state.queueWaitEWMA, true
}

func queueTargets(nice string) (ratio, wait float64) {
	switch nice {
	case "low":
		return 0.20, 0.60
	case "medium":
		return 0.35, 0.40
	default:
		return 0.45, 0.30
	}
}

func ioScale(nice string) float64 {
	switch nice {
	case "low":
		return 90
	case "medium":
		return 130
	default:
		return 170
	}
}

func currentCPUPercent() float64 {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		logger.Debugf("Auto-tune CPU percent unavailable: %v", err)
		return 0
	}
	return percents[0]
}

func newCPUPIDController(nice string) pidController {
	controller := pidController{
		kp:          0.07,
		ki:          0.012,
		kd:          0.03,
		minIntegral: -200,
		maxIntegral: 200,
		minOutput:   -3.5,
		maxOutput:   3.5,
	}
	switch nice {
	case "low":
		controller.kp, controller.ki, controller.kd = 0.05, 0.009, 0.02
	case "high":
		controller.kp, controller.ki, controller.kd = 0.085, 0.015, 0.04
	}
	return controller
}

func (p *pidController) Update(err, dt float64) float64 {
	if dt <= 0 {
		dt = 1
	}
	p.integral = clampFloat(p.integral+err*dt, p.minIntegral, p.maxIntegral)

	derivative := 0.0
	if p.hasPrev {
		derivative = (err - p.prevError) / dt
	}
	p.prevError = err
	p.hasPrev = true

	return clampFloat(p.kp*err+p.ki*p.integral+p.kd*derivative, p.minOutput, p.maxOutput)
}

func ewma(current, sample, alpha float64) float64 {
	if current == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*current
}

func boundedIntStep(value, maxStep int) int {
	return clampInt(value, -maxStep, maxStep)
}

func clampInt(value, lo, hi int) int {
	return min(max(value, lo), hi)
}

func clampFloat(value, lo, hi float64) float64 {
	return min(max(value, lo), hi)
}
