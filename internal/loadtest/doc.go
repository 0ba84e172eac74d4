// Package loadtest drives a full benchmark of an inference server.
//
// # Overview
//
// An Orchestrator starts the engine, sweeps load against it with k6 and
// turns the k6 summaries into plots and CSV tables:
//
//   - Constant arrival rate: k6 opens requests at a fixed rate with a
//     pre-allocated VU pool, stepping the rate from sweep.arrival_rates.
//   - Constant VUs: a fixed number of virtual users loop for the step
//     duration, stepping the count from sweep.vus.
//
// Both sweeps run for every configured input type (ShareGPT conversations
// and constant-length prompts).
//
// # Quick Start
//
//	cfg, _ := config.Load("inferbench.yaml")
//	runner, _ := engine.New(cfg, logger)
//
//	o, _ := loadtest.NewOrchestrator(cfg, loadtest.Options{
//	    Engine: runner,
//	    Logger: logger,
//	})
//	reports, err := o.Run(ctx)
//	for _, r := range reports {
//	    fmt.Println(r.Summary.Markdown())
//	}
//
// # Cleanup
//
// The engine is stopped once the sweep ends, whether it succeeded, failed
// or was cancelled. A failed sweep is still reported so partial results
// reach the plots; a cancelled one is not.
//
// # Sweeps
//
// A Sweep yields start, start+step, ... below end, then end itself, with
// values below 1 raised to 1:
//
//	loadtest.Sweep{Start: 0, End: 100, Step: 40}.Values() // [1 40 80 100]
//
// # Previous versions
//
// CSV files named <test_type>-<version>.csv in report.previous_dir are
// merged into each plot, with the engine renamed to <engine>_<version>.
// The artifacts package fetches them from a shared store and publishes the
// current run's plots, CSVs and raw results under a version folder.
package loadtest
