// Command lvmt manages and exercises an LVMT authenticated store.
//
// Usage:
//
//	lvmt gen-params [flags]   Generate and cache public parameters
//	lvmt bench [flags]        Run a random set/delete/commit workload
//
// Common flags:
//
//	--pp        Parameter directory (default: ./pp)
//	--fanout    AMT fan-out N (default: 256)
//	--verbosity slog level: -4 debug .. 8 error (default: 0)
//
// bench only:
//
//	--depth     Tree depth: 8, 12, 16 or 20 (default: 16)
//	--hash      Digest: keccak256 or blake2b (default: keccak256)
package main

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/lvmt-db/lvmt/amt"
	"github.com/lvmt-db/lvmt/crypto"
	"github.com/lvmt-db/lvmt/kvstore"
	"github.com/lvmt-db/lvmt/log"
	"github.com/lvmt-db/lvmt/lvmt"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: lvmt <gen-params|bench> [flags]")
		return 2
	}
	switch args[0] {
	case "gen-params":
		return runGenParams(args[1:])
	case "bench":
		return runBench(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "lvmt: unknown command %q\n", args[0])
		return 2
	}
}

func runGenParams(args []string) int {
	fs := newFlagSet("gen-params")
	ppDir := fs.String("pp", "pp", "parameter directory")
	fanout := fs.Int("fanout", 256, "AMT fan-out")
	seed := fs.String("seed", "lvmt-dev-setup", "development transcript seed")
	verbosity := fs.Int("verbosity", 0, "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	log.SetDefault(log.New(slog.Level(*verbosity)))
	logger := log.Default().Module("cmd")

	start := time.Now()
	transcript, err := amt.GenerateTranscript(*fanout, []byte(*seed))
	if err != nil {
		logger.Error("transcript generation failed", "err", err)
		return 1
	}
	params, err := amt.LoadOrDerive(*ppDir, transcript)
	if err != nil {
		logger.Error("parameter derivation failed", "err", err)
		return 1
	}
	logger.Info("parameters ready",
		"dir", *ppDir,
		"fanout", params.Fanout(),
		"id", params.ID(),
		"elapsed", time.Since(start))
	return 0
}

func runBench(args []string) int {
	fs := newFlagSet("bench")
	ppDir := fs.String("pp", "pp", "parameter directory")
	datadir := fs.String("datadir", "", "pebble data directory (empty: in-memory)")
	fanout := fs.Int("fanout", 256, "AMT fan-out")
	depth := fs.Int("depth", 16, "tree depth")
	hashName := fs.String("hash", "keccak256", "digest algorithm")
	onlyRoot := fs.Bool("only-merkle-root", false, "skip G1 maintenance")
	verbosity := fs.Int("verbosity", 0, "log level")
	var ops, epochs, seed uint64
	fs.Uint64Var(&ops, "ops", 10000, "total operations")
	fs.Uint64Var(&epochs, "epochs", 10, "number of commits")
	fs.Uint64Var(&seed, "seed", 1, "workload seed")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	log.SetDefault(log.New(slog.Level(*verbosity)))
	logger := log.Default().Module("cmd")

	algo, err := crypto.ParseHashAlgo(*hashName)
	if err != nil {
		logger.Error("bad hash flag", "err", err)
		return 2
	}

	var params *amt.Params
	if !*onlyRoot {
		transcript, err := amt.GenerateTranscript(*fanout, []byte("lvmt-dev-setup"))
		if err != nil {
			logger.Error("transcript generation failed", "err", err)
			return 1
		}
		if params, err = amt.LoadOrDerive(*ppDir, transcript); err != nil {
			logger.Error("parameter load failed", "err", err)
			return 1
		}
	}

	var db *kvstore.Database
	if *datadir == "" {
		db = kvstore.NewMemory()
	} else {
		if db, err = kvstore.NewPebble(*datadir, 128, 128); err != nil {
			logger.Error("open backend failed", "err", err)
			return 1
		}
	}
	defer db.Close()

	cfg := lvmt.Config{
		Depth:          *depth,
		Fanout:         *fanout,
		Shards:         1,
		OnlyMerkleRoot: *onlyRoot,
		Hash:           algo,
	}
	engine, err := lvmt.NewEngine(db, params, cfg)
	if err != nil {
		logger.Error("engine construction failed", "err", err)
		return 1
	}

	rng := rand.New(rand.NewSource(int64(seed)))
	perEpoch := ops / epochs
	start := time.Now()
	for e := uint64(1); e <= epochs; e++ {
		for i := uint64(0); i < perEpoch; i++ {
			key := make([]byte, 32)
			rng.Read(key)
			if rng.Intn(10) == 0 {
				engine.Delete(key)
				continue
			}
			value := make([]byte, 64)
			rng.Read(value)
			engine.Set(key, value)
		}
		if _, _, err := engine.Commit(e); err != nil {
			logger.Error("commit failed", "epoch", e, "err", err)
			return 1
		}
	}
	elapsed := time.Since(start)
	epoch, _, rootHash := engine.Root()
	logger.Info("workload complete",
		"ops", ops,
		"epochs", epoch,
		"root", rootHash,
		"elapsed", elapsed,
		"ops_per_sec", float64(ops)/elapsed.Seconds())
	return 0
}
