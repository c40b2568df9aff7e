// Package session implements the scheduler that drives a fuzzing run: it
// rotates across a protocol module's populations, breeds and evaluates one
// individual at a time against a simulated-annealing energy level, and
// folds coverage feedback back into both the population's priority order
// and the schedule's own temperature.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mozzbozz/epf/pkg/epferr"
	"github.com/mozzbozz/epf/pkg/genome"
	"github.com/mozzbozz/epf/pkg/log"
	"github.com/mozzbozz/epf/pkg/protocols"
	"github.com/mozzbozz/epf/pkg/results"
	"github.com/mozzbozz/epf/pkg/target"
	"github.com/mozzbozz/epf/pkg/testcase"
)

// Config parameterizes a session's scheduling behavior.
type Config struct {
	// Seed drives both the protocol-field RNG (mutation/crossover
	// choices) and the scheduling RNG (parent sampling). The two streams
	// are derived independently from this single seed so that a run is
	// fully reproducible from one integer while keeping "what mutation
	// happened" and "what got scheduled next" uncorrelated.
	Seed int64

	// Budget is the total wall-clock time to fuzz for. Zero means run
	// until canceled.
	Budget time.Duration

	// Alpha is the per-iteration cooldown multiplier applied to the
	// energy level on every scheduling tick. Default 0.995.
	Alpha float64

	// Beta is the reheat divisor: energy <- min(1, energy/Beta) whenever
	// an iteration improves coverage. Default 0.950.
	Beta float64

	// ExpScale parameterizes the truncated-exponential parent sampler's
	// bias toward high-priority individuals.
	ExpScale float64

	// MutationProb is the probability that a bred child receives a spot
	// mutation on top of crossover. Default 0.8.
	MutationProb float64

	// PopulationLimit caps every population's size; Shrink is applied
	// after every update_population call.
	PopulationLimit int

	// DebugEnabled gates per-iteration debug.csv logging.
	DebugEnabled bool

	// SleepAfterCrash is slept after a crashed target has been killed and
	// its case filed, before the fuzz loop resumes and restarts it, giving
	// the OS time to tear the old process down before a respawn.
	SleepAfterCrash time.Duration

	// AutoRestart controls whether evaluateIndividual restarts an unhealthy
	// target on its own before running the next test case. Disabling it is
	// useful when an external supervisor owns restarts instead.
	AutoRestart bool

	// Trace, when set, logs each energy cooldown and reheat, each
	// population wrap-around with its reseed, and each generated child's
	// identity to stderr via pkg/log. Individual RNG draws (parent
	// sampling, the add-or-discard decision) are not traced.
	Trace bool

	// Batch disables the interactive stats-refresher goroutine; only the
	// fuzz loop and the interrupt watcher run.
	Batch bool
}

const (
	// energyRotateThreshold is the energy level at or below which
	// schedulePopulation advances to the next population in rotation.
	energyRotateThreshold = 0.05

	schedRNGSaltSeed = 0x9E3779B97F4A7C15
)

// Session owns one fuzzing run: a protocol module, its populations, the
// target controller, and the result recorder.
type Session struct {
	cfg Config

	module protocols.Module
	target *target.Controller
	rec    *results.Recorder

	populations map[string]*genome.Population
	testcases   map[string]*testcase.TestCase
	order       []string

	fieldRNG *rand.Rand
	schedRNG *rand.Rand

	clock *Clock

	energy       float64
	cursor       int
	energyPeriod int64

	iterations atomic.Int64
	bugs       atomic.Int64
}

// New constructs a Session ready to Drain and RunAll. testcases must have
// one entry per key of populations.
func New(cfg Config, module protocols.Module, populations map[string]*genome.Population, testcases map[string]*testcase.TestCase, tgt *target.Controller, rec *results.Recorder) *Session {
	order := module.Species()
	return &Session{
		cfg:         cfg,
		module:      module,
		target:      tgt,
		rec:         rec,
		populations: populations,
		testcases:   testcases,
		order:       order,
		fieldRNG:    rand.New(rand.NewSource(cfg.Seed)),
		schedRNG:    rand.New(rand.NewSource(cfg.Seed ^ schedRNGSaltSeed)),
		clock:       NewClock(cfg.Budget),
		energy:      1.0,
	}
}

// Energy returns the session's current simulated-annealing temperature, in
// (0, 1].
func (s *Session) Energy() float64 { return s.energy }

// Iterations returns the number of individuals evaluated so far.
func (s *Session) Iterations() int64 { return s.iterations.Load() }

// cooldown lowers the energy level, applied unconditionally on every
// scheduling tick.
func (s *Session) cooldown() {
	s.energy *= s.cfg.Alpha
	s.trace("cooldown -> energy=%.4f", s.energy)
}

// reheat raises the energy level after an iteration that improved coverage:
// energy <- min(1, energy/beta).
func (s *Session) reheat() {
	s.energy = s.energy / s.cfg.Beta
	if s.energy > 1.0 {
		s.energy = 1.0
	}
	s.trace("reheat -> energy=%.4f", s.energy)
}

// schedulePopulation picks the species to work on this round. If energy has
// cooled to energyRotateThreshold or below, the population iterator
// advances first; on wrap-around (back to species index 0) the
// energy-period counter increments and the population about to be used is
// reseeded to its cap, then energy is reset to 1.0. Cooldown is then always
// applied, matching "Always apply energy <- energy * alpha" at the end of
// schedule_population.
func (s *Session) schedulePopulation() (string, *genome.Population) {
	if s.energy <= energyRotateThreshold {
		s.cursor++
		if s.cursor%len(s.order) == 0 {
			s.energyPeriod++
			species := s.order[s.cursor%len(s.order)]
			s.populations[species].Reseed(s.cfg.PopulationLimit)
			s.trace("wrap -> energy_period=%d reseed species=%s", s.energyPeriod, species)
		}
		s.energy = 1.0
	}
	species := s.order[s.cursor%len(s.order)]
	s.cooldown()
	return species, s.populations[species]
}

// generateIndividual breeds one child individual from the given population
// using the scheduling RNG for parent sampling and the field RNG for the
// resulting mutation.
func (s *Session) generateIndividual(pop *genome.Population) (*genome.Individual, error) {
	child, err := pop.NewChild(s.schedRNG, s.fieldRNG, s.cfg.ExpScale, s.cfg.MutationProb)
	if err != nil {
		return nil, err
	}
	s.trace("generate -> identity=%s", child.Identity)
	return child, nil
}

// evaluateIndividual runs one test case against the target and returns its
// result, restarting the target first (as a planned, scheduler-driven
// restart) if it is not currently healthy.
func (s *Session) evaluateIndividual(ctx context.Context, species string, ind *genome.Individual) (testcase.Result, error) {
	if s.cfg.AutoRestart && !s.target.Healthy() {
		if err := s.target.Restart(true); err != nil {
			return testcase.Result{}, err
		}
	}
	tc, ok := s.testcases[species]
	if !ok {
		return testcase.Result{}, fmt.Errorf("session: no test case configured for species %q", species)
	}
	s.clock.Start()
	res, err := tc.Run(ctx, ind)
	s.clock.Stop()
	s.iterations.Add(1)
	return res, err
}

// updatePopulation folds one evaluation's outcome back into the
// population's priority order and the schedule's energy level, and reports
// whether the caller must retry the same individual without generating a
// new one.
func (s *Session) updatePopulation(pop *genome.Population, ind *genome.Individual, species string, res testcase.Result, evalErr error) (retry bool) {
	defer func() {
		pop.Shrink(s.cfg.PopulationLimit)
	}()

	if evalErr != nil {
		if !s.isRetryableFailure(evalErr) {
			s.fileSuspect(pop, ind, species, evalErr)
			return false
		}
		if s.cfg.DebugEnabled && s.rec != nil {
			s.rec.RecordDebug(results.DebugRecord{
				Timestamp:      time.Now(),
				Iteration:      s.iterations.Load(),
				TestID:         s.iterations.Load(),
				Identity:       ind.Identity,
				CauseOfRestart: evalErr.Error(),
				Population:     species,
				PopulationSize: pop.Len(),
				Energy:         s.energy,
				EnergyPeriod:   s.energyPeriod,
			})
		}
		return true
	}

	change := res.CoverageDelta > 0
	if change {
		s.reheat()
		pop.Update(ind, true, s.energy, true)
	} else {
		add := s.schedRNG.Float64() <= s.energy
		pop.Update(ind, false, s.energy, add)
	}
	if s.cfg.DebugEnabled && s.rec != nil {
		s.rec.RecordDebug(results.DebugRecord{
			Timestamp:         time.Now(),
			Iteration:         s.iterations.Load(),
			TestID:            s.iterations.Load(),
			Identity:          ind.Identity,
			IncreasedCoverage: change,
			ReportedCoverage:  res.CoverageDelta,
			Population:        species,
			PopulationSize:    pop.Len(),
			Energy:            s.energy,
			EnergyPeriod:      s.energyPeriod,
		})
	}
	return false
}

// isRetryableFailure reports whether evalErr, given the target's current
// health, should be retried on the same individual rather than filed as a
// suspect. A target that is unhealthy for any reason other than a paused
// session or a connection failure is never retryable: it is killed and the
// case is filed outright.
func (s *Session) isRetryableFailure(evalErr error) bool {
	if s.target.Healthy() {
		return true
	}
	return errors.Is(evalErr, epferr.ErrPaused) || errors.Is(evalErr, epferr.ErrTargetConnectionFailed)
}

// fileSuspect kills the unhealthy target, records its exit code, resets it
// for the next restart, and appends one row to bugs.csv.
func (s *Session) fileSuspect(pop *genome.Population, ind *genome.Individual, species string, cause error) {
	s.bugs.Add(1)
	s.target.Kill(false)
	exitCode, hasExitCode := s.target.LastExitCode()
	s.target.ResetExitCode()

	if s.rec != nil {
		s.rec.RecordBug(results.BugRecord{
			Timestamp:      time.Now(),
			Iteration:      s.iterations.Load(),
			TestID:         s.iterations.Load(),
			Identity:       ind.Identity,
			CausedRestart:  true,
			CauseOfRestart: cause.Error(),
			ExitCode:       exitCode,
			HasExitCode:    hasExitCode,
			Population:     species,
			PopulationSize: pop.Len(),
			Energy:         s.energy,
			EnergyPeriod:   s.energyPeriod,
		}, ind.Serialize())
	}
	if s.cfg.SleepAfterCrash > 0 {
		time.Sleep(s.cfg.SleepAfterCrash)
	}

	// The child caused no coverage increase (it never finished); demote
	// its resolved parents but never insert it, matching an evaluation
	// that could not complete.
	pop.Update(ind, false, s.energy, false)
}

// Drain runs every currently seeded individual of every population exactly
// once before fuzzing begins, so that each seed contributes its own
// coverage baseline before any mutation happens. Population order is not
// otherwise touched: these individuals are already members, not bred
// children awaiting a priority decision.
func (s *Session) Drain(ctx context.Context) error {
	for _, species := range s.order {
		pop := s.populations[species]
		for i := 0; i < pop.Len(); i++ {
			ind := pop.At(i)
			if _, err := s.evaluateIndividual(ctx, species, ind); err != nil {
				log.Logf(1, "session: drain evaluation failed for %s/%s: %v", species, ind.Identity, err)
			}
		}
	}
	return nil
}

// RunAll runs the fuzz loop until the session's budget is exhausted or ctx
// is canceled, alongside a SIGINT watcher and, unless Batch is set, a
// periodic stats-refresher. All three run under one errgroup so that any
// of them returning stops the others.
func (s *Session) RunAll(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		// Cancel the group as soon as the fuzz loop returns for any
		// reason (budget exhausted, generate/evaluate error), so the
		// watcher and stats goroutines don't block forever: errgroup
		// only auto-cancels on a non-nil error, and budget exhaustion
		// is a normal, nil-error exit.
		defer cancel()
		return s.fuzzLoop(gctx)
	})
	group.Go(func() error {
		return watchInterrupt(gctx)
	})
	if !s.cfg.Batch {
		group.Go(func() error {
			return s.statsRefresher(gctx)
		})
	}

	err := group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Session) fuzzLoop(ctx context.Context) error {
	for {
		if s.clock.Exhausted() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		species, pop := s.schedulePopulation()
		ind, err := s.generateIndividual(pop)
		if err != nil {
			log.Logf(1, "session: generate failed for %s: %v", species, err)
			continue
		}

		for {
			res, evalErr := s.evaluateIndividual(ctx, species, ind)
			if !s.updatePopulation(pop, ind, species, res, evalErr) {
				break
			}
		}
	}
}

func watchInterrupt(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sigCh:
		return context.Canceled
	}
}

// statsRefresher periodically logs a one-line progress summary. It stands
// in for the Python original's interactive terminal UI, which is out of
// scope here; --batch disables even this.
func (s *Session) statsRefresher(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			log.Logf(2, "iterations=%d bugs=%d energy=%.3f elapsed=%s",
				s.iterations.Load(), s.bugs.Load(), s.energy, s.clock.Elapsed())
		}
	}
}

func (s *Session) trace(format string, args ...interface{}) {
	if !s.cfg.Trace {
		return
	}
	log.Logf(0, "dtrace: "+format, args...)
}
