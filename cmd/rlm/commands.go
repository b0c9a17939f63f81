package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/vinayprograms/rlm/internal/archive"
	"github.com/vinayprograms/rlm/internal/contextobj"
	"github.com/vinayprograms/rlm/internal/focus"
	"github.com/vinayprograms/rlm/internal/heartbeat"
	"github.com/vinayprograms/rlm/internal/metrics"
	"github.com/vinayprograms/rlm/internal/replay"
)

// start loads configuration and builds a fully wired runtime.
func (a *app) start() (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	rt := newRuntime(cfg, a.creds)
	if err := rt.setup(a.ctx); err != nil {
		rt.cleanup()
		return nil, err
	}
	return rt, nil
}

// open loads configuration and the focus store only.
func (a *app) open() (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return newRuntime(cfg, a.creds), nil
}

func (a *app) printState(rt *runtime, st focus.State) {
	replay.New(a.out, a.cli.Verbose).Status(st, rt.store.Status(st), rt.store.Path())
}

// Run starts a task.
func (c *RunCmd) Run(a *app) error {
	rt, err := a.start()
	if err != nil {
		return err
	}
	defer rt.cleanup()
	rt.startWatcher(a.ctx)

	if c.Once {
		if _, err := rt.engine.Begin(c.Directive, c.Step); err != nil {
			return err
		}
		st, err := rt.engine.RunStep(a.ctx)
		if err != nil {
			return err
		}
		a.printState(rt, st)
		return nil
	}

	report, err := rt.engine.Run(a.ctx, c.Directive, c.Step...)
	rt.logReport(report)
	if err != nil {
		return err
	}
	a.printState(rt, report.Final)
	return nil
}

// Run continues the current task.
func (c *ResumeCmd) Run(a *app) error {
	rt, err := a.start()
	if err != nil {
		return err
	}
	defer rt.cleanup()
	rt.startWatcher(a.ctx)

	if c.Once {
		st, err := rt.engine.RunStep(a.ctx)
		if err != nil {
			return err
		}
		a.printState(rt, st)
		return nil
	}

	report, err := rt.engine.Run(a.ctx, "")
	rt.logReport(report)
	if err != nil {
		return err
	}
	a.printState(rt, report.Final)
	return nil
}

// Run prints the focus record.
func (c *StatusCmd) Run(a *app) error {
	rt, err := a.open()
	if err != nil {
		return err
	}
	st, err := rt.store.Load()
	if err != nil {
		return err
	}
	a.printState(rt, st)
	if l, err := focus.ReadLease(rt.store.Path()); err == nil && time.Now().Before(l.Until) {
		fmt.Fprintf(a.out, "\nleased by %s until %s\n", l.Owner, l.Until.Local().Format(time.Kitchen))
	}
	return nil
}

// Run resets a step's retry count.
func (c *OverrideCmd) Run(a *app) error {
	rt, err := a.open()
	if err != nil {
		return err
	}
	st, err := rt.store.Override(c.Step)
	if err != nil {
		return err
	}
	a.printState(rt, st)
	return nil
}

// Run replaces the plan.
func (c *ReviseCmd) Run(a *app) error {
	rt, err := a.open()
	if err != nil {
		return err
	}
	st, err := rt.store.Revise(c.Step)
	if err != nil {
		return err
	}
	a.printState(rt, st)
	return nil
}

// Run requests cancellation. With --now the task is abandoned and archived here.
func (c *AbandonCmd) Run(a *app) error {
	if !c.Now {
		rt, err := a.open()
		if err != nil {
			return err
		}
		st, err := rt.store.RequestCancel()
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "cancellation requested for %s; it takes effect at the next iteration\n", st.Task.ID)
		return nil
	}

	rt, err := a.start()
	if err != nil {
		return err
	}
	defer rt.cleanup()
	if _, err := rt.store.RequestCancel(); err != nil {
		return err
	}
	st, err := rt.engine.RunStep(a.ctx)
	if err != nil {
		return err
	}
	a.printState(rt, st)
	return nil
}

// Run clears the focus record.
func (c *ResetCmd) Run(a *app) error {
	rt, err := a.open()
	if err != nil {
		return err
	}
	lease, err := focus.AcquireLease(rt.store.Path(), rt.owner(), time.Minute)
	if err != nil {
		return err
	}
	defer lease.Release()

	st, err := rt.store.Load()
	if err != nil {
		return err
	}
	status := rt.store.Status(st)
	if status != focus.StatusIdle && !st.Terminal() && !c.Force {
		return fmt.Errorf("task %s is %s; use --force to discard it", st.Task.ID, status)
	}
	if err := rt.store.Reset(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "focus record reset")
	return nil
}

// Run adds paths to the persistent knowledge index.
func (c *IndexCmd) Run(a *app) error {
	rt, err := a.open()
	if err != nil {
		return err
	}
	idx, err := contextobj.OpenIndex(rt.indexPath())
	if err != nil {
		return err
	}
	defer idx.Close()

	total := 0
	for _, p := range c.Paths {
		n, err := idx.AddPath(p)
		if err != nil {
			return fmt.Errorf("indexing %s: %w", p, err)
		}
		total += n
		fmt.Fprintf(a.out, "%s: %d chunks\n", p, n)
	}
	count, _ := idx.Count()
	fmt.Fprintf(a.out, "added %d chunks (%d in index)\n", total, count)
	if !rt.cfg.Knowledge.Persist {
		fmt.Fprintln(a.out, "note: [knowledge].persist is false, so tasks will not read this index")
	}
	return nil
}

// Run lists archived tasks or prints one.
func (c *HistoryCmd) Run(a *app) error {
	rt, err := a.open()
	if err != nil {
		return err
	}
	store, err := archive.NewFileStore(rt.cfg.ArchiveDir())
	if err != nil {
		return err
	}
	r := replay.New(a.out, a.cli.Verbose)
	if c.Task != "" {
		entry, err := store.Load(c.Task)
		if err != nil {
			return err
		}
		r.Episode(entry)
		return nil
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	if c.Limit > 0 && len(list) > c.Limit {
		list = list[:c.Limit]
	}
	r.History(list)
	return nil
}

// Run advances the focus record on a schedule until interrupted.
func (c *ServeCmd) Run(a *app) error {
	rt, err := a.start()
	if err != nil {
		return err
	}
	defer rt.cleanup()
	logger := logging.New().WithComponent("serve")

	spec := rt.cfg.Schedule.Cron
	if c.Schedule != "" {
		spec = c.Schedule
	}
	sched, err := heartbeat.New(spec, func(ctx context.Context) error {
		report, err := rt.engine.Run(ctx, "")
		rt.logReport(report)
		if errors.Is(err, focus.ErrLeaseHeld) {
			logger.Info("focus record busy, skipping tick", nil)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	addr := rt.cfg.Metrics.Addr
	if c.Metrics != "" {
		addr = c.Metrics
	}
	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(rt.promReg))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		logger.Info("metrics listening", map[string]interface{}{"addr": addr})
	}

	rt.startWatcher(a.ctx)
	if err := sched.Start(a.ctx); err != nil {
		return err
	}
	if c.Now {
		sched.Fire(a.ctx)
	}

	<-a.ctx.Done()
	sched.Stop()
	<-sched.Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	runs, lastErr := sched.Runs()
	logger.Info("serve stopped", map[string]interface{}{"runs": runs, "last_error": fmt.Sprint(lastErr)})
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run(a *app) error {
	fmt.Fprintf(a.out, "rlm version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
