// Command epf is a coverage-guided, evolutionary fuzzer for network
// protocols: it breeds populations of protocol payloads against a running
// target, using AFL-style shared memory instrumentation to tell which
// mutations found new code paths.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/mozzbozz/epf/pkg/covshm"
	"github.com/mozzbozz/epf/pkg/genome"
	"github.com/mozzbozz/epf/pkg/log"
	"github.com/mozzbozz/epf/pkg/protocols"
	_ "github.com/mozzbozz/epf/pkg/protocols/iec104"
	_ "github.com/mozzbozz/epf/pkg/protocols/mms"
	"github.com/mozzbozz/epf/pkg/results"
	"github.com/mozzbozz/epf/pkg/seedpcap"
	"github.com/mozzbozz/epf/pkg/session"
	"github.com/mozzbozz/epf/pkg/target"
	"github.com/mozzbozz/epf/pkg/testcase"
)

var (
	flagProtocol         = flag.String("protocol", "", "protocol module to fuzz (see -list_protocols)")
	flagListProto        = flag.Bool("list_protocols", false, "list registered protocol modules and exit")
	flagCommand          = flag.String("command", "", "shell-style command line used to (re)start the target")
	flagWorkDir          = flag.String("workdir", "", "working directory for the target process")
	flagTransport        = flag.String("transport", "tcp", "transport to speak: tcp, udp, or tcp+tls")
	flagPcap             = flag.String("pcap", "", "pcap file to seed every population from (required)")
	flagOutDir           = flag.String("out", "epf-out", "output directory for run.json, bugs.csv, debug.csv, payloads")
	flagSeed             = flag.Int64("seed", 0, "seed driving both the protocol-field and scheduling RNGs; 0 picks a random seed")
	flagBudget           = flag.Duration("budget", 0, "total fuzzing time budget; 0 means run until interrupted")
	flagAlpha            = flag.Float64("alpha", 0.995, "energy cooldown multiplier")
	flagBeta             = flag.Float64("beta", 0.950, "energy reheat divisor")
	flagExpScale         = flag.Float64("exp_scale", 3, "truncated-exponential parent sampler scale")
	flagSpotMutationProb = flag.Float64("spot_mutation_prob", 0.8, "probability a bred child receives a spot mutation")
	flagPopLimit         = flag.Int("population_limit", 500, "per-species population cap, enforced after every update")
	flagDialTO           = flag.Duration("dial_timeout", 2*time.Second, "connection dial timeout")
	flagSendTO           = flag.Duration("send_timeout", 2*time.Second, "write timeout per transmit")
	flagRecvTO           = flag.Duration("recv_timeout", 2*time.Second, "read timeout per transmit")
	flagShmID            = flag.String("shm_id", "", "coverage shared-memory identifier; empty picks epf-<pid>")
	flagRestartModule    = flag.Bool("restart_module", true, "restart the target whenever it is found unhealthy")
	flagSleepAfterCrash  = flag.Duration("sleep_after_crash", 0, "sleep after killing a crashed target, before it is restarted")
	flagDebug            = flag.Bool("debug", false, "log every iteration to debug.csv, not just bugs")
	flagDTrace           = flag.Bool("dtrace", false, "trace scheduling RNG decisions to stderr")
	flagBatch            = flag.Bool("batch", false, "disable the interactive stats refresher")
	flagVerbosity        = flag.Int("v", 0, "log verbosity")
	flagDumpShm          = flag.Bool("dump_shm", false, "write the final coverage map to <out>/shm.bin on exit")
)

func main() {
	flag.Parse()
	log.SetVerbosity(*flagVerbosity)

	if *flagListProto {
		for _, name := range protocols.Names() {
			fmt.Println(name)
		}
		return
	}

	if err := run(); err != nil {
		log.Fatalf("%v", err)
	}
}

func run() error {
	if *flagProtocol == "" {
		return fmt.Errorf("-protocol is required (see -list_protocols)")
	}
	if *flagCommand == "" {
		return fmt.Errorf("-command is required")
	}
	if *flagPcap == "" {
		return fmt.Errorf("-pcap is required: every population must be seeded from a captured trace")
	}
	args := flag.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: epf [flags] <host> <port>")
	}
	addr := fmt.Sprintf("%s:%s", args[0], args[1])

	module, err := protocols.Get(*flagProtocol)
	if err != nil {
		return err
	}

	seed := *flagSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	shmID := *flagShmID
	if shmID == "" {
		shmID = fmt.Sprintf("epf-%d", os.Getpid())
	}
	shm, err := covshm.Open(shmID)
	if err != nil {
		return fmt.Errorf("opening coverage shared memory: %w", err)
	}
	defer shm.Close()

	tgt := target.New(target.Config{
		Command: *flagCommand,
		WorkDir: *flagWorkDir,
	}, shm)
	if err := tgt.Restart(true); err != nil {
		return fmt.Errorf("starting target: %w", err)
	}
	defer tgt.Kill(true)

	rec, err := results.Open(*flagOutDir)
	if err != nil {
		return fmt.Errorf("opening output directory: %w", err)
	}
	defer rec.Close()

	populations, err := buildPopulations(module, seed)
	if err != nil {
		return err
	}
	popSizes := make(map[string]int, len(populations))
	for species, pop := range populations {
		popSizes[species] = pop.Len()
	}

	proto, err := parseTransport(*flagTransport)
	if err != nil {
		return err
	}
	if err := rec.WriteRunMetadata(results.RunMetadata{
		Fuzzer:           *flagProtocol,
		Seed:             seed,
		Target:           addr,
		Protocol:         *flagProtocol,
		StartedAt:        time.Now(),
		OutDir:           *flagOutDir,
		CommandArg:       *flagCommand,
		TimeBudget:       *flagBudget,
		Transport:        *flagTransport,
		SendTimeout:      *flagSendTO,
		RecvTimeout:      *flagRecvTO,
		MemoryIdentifier: shmID,
		PopulationSizes:  popSizes,
		Alpha:            *flagAlpha,
		Beta:             *flagBeta,
		SpotMutationProb: *flagSpotMutationProb,
		PopulationLimit:  *flagPopLimit,
	}); err != nil {
		return fmt.Errorf("writing run metadata: %w", err)
	}

	testcases := make(map[string]*testcase.TestCase, len(module.Species()))
	for _, species := range module.Species() {
		graph, err := module.Graph(species)
		if err != nil {
			return err
		}
		testcases[species] = testcase.New(testcase.Config{
			Proto:       proto,
			Addr:        addr,
			DialTimeout: *flagDialTO,
			SendTimeout: *flagSendTO,
			RecvTimeout: *flagRecvTO,
		}, graph, shm.DirectedBranchCoverage)
	}

	sess := session.New(session.Config{
		Seed:            seed,
		Budget:          *flagBudget,
		Alpha:           *flagAlpha,
		Beta:            *flagBeta,
		ExpScale:        *flagExpScale,
		MutationProb:    *flagSpotMutationProb,
		PopulationLimit: *flagPopLimit,
		DebugEnabled:    *flagDebug,
		SleepAfterCrash: *flagSleepAfterCrash,
		AutoRestart:     *flagRestartModule,
		Trace:           *flagDTrace,
		Batch:           *flagBatch,
	}, module, populations, testcases, tgt, rec)

	ctx := context.Background()
	if err := sess.Drain(ctx); err != nil {
		return fmt.Errorf("drain phase: %w", err)
	}
	if err := sess.RunAll(ctx); err != nil {
		return fmt.Errorf("fuzz loop: %w", err)
	}

	if *flagDumpShm {
		if err := rec.DumpSharedMemory(shm.Buf()); err != nil {
			log.Logf(1, "dump_shm failed: %v", err)
		}
	}
	return nil
}

// buildPopulations seeds one genome.Population per species strictly from
// -pcap; a species the capture didn't cover is a hard error rather than a
// silent fallback to a synthetic minimal individual, since an uncovered
// species has nothing real to breed from.
func buildPopulations(module protocols.Module, seed int64) (map[string]*genome.Population, error) {
	rng := rand.New(rand.NewSource(seed))

	pcapSeeds, err := seedpcap.LoadSeeds(*flagPcap, module.ClassifySeed)
	if err != nil {
		return nil, fmt.Errorf("loading pcap seeds: %w", err)
	}

	populations := make(map[string]*genome.Population, len(module.Species()))
	for _, species := range module.Species() {
		seeds := pcapSeeds[species]
		if len(seeds) == 0 {
			return nil, fmt.Errorf("-pcap %s contains no packets classified as species %q", *flagPcap, species)
		}
		pop := genome.NewPopulation(species)
		pop.Generate(rng, seeds)
		pop.Shuffle(rng)
		populations[species] = pop
	}
	return populations, nil
}

func parseTransport(name string) (testcase.Proto, error) {
	switch name {
	case "tcp":
		return testcase.ProtoTCP, nil
	case "udp":
		return testcase.ProtoUDP, nil
	case "tcp+tls":
		return testcase.ProtoTCPTLS, nil
	default:
		return 0, fmt.Errorf("unknown -transport %q (want tcp, udp, or tcp+tls)", name)
	}
}
