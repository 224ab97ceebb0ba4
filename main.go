package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrepircalabu/libbdvmi/internal/metrics"
	"github.com/petrepircalabu/libbdvmi/internal/version"
	"github.com/petrepircalabu/libbdvmi/pkg/config"
	"github.com/petrepircalabu/libbdvmi/pkg/driver"
	"github.com/petrepircalabu/libbdvmi/pkg/eventlog"
	"github.com/petrepircalabu/libbdvmi/pkg/events"
	"github.com/petrepircalabu/libbdvmi/pkg/regs"
	"github.com/petrepircalabu/libbdvmi/pkg/vmevent"
	"github.com/petrepircalabu/libbdvmi/pkg/watch"
	"github.com/petrepircalabu/libbdvmi/pkg/xen"
	"github.com/petrepircalabu/libbdvmi/pkg/xen/sim"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "bdvmi",
		Short:   "bdvmi - Xen vm_event introspection agent",
		Version: version.Version,
	}

	root.AddCommand(newSimulateCmd(), newDumpCmd(), newVersionCmd())
	return root
}

type simulateOptions struct {
	vcpus    uint32
	requests int
	stopWith string
}

func newSimulateCmd() *cobra.Command {
	cfg := config.LoadFromEnv()
	opts := simulateOptions{}
	var domain uint16

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an introspection session against an in-process hypervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Domain = domain
			if err := cfg.Validate(); err != nil {
				return err
			}
			if opts.stopWith != "watch" && opts.stopWith != "cancel" {
				return fmt.Errorf("invalid stop mode: %s (must be 'watch' or 'cancel')", opts.stopWith)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
			summary, err := runSimulate(ctx, cfg, opts, logger)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), summary)
			return nil
		},
	}

	cmd.Flags().Uint16Var(&domain, "domain", cfg.Domain, "Domain id of the simulated guest")
	cmd.Flags().BoolVar(&cfg.UseAltp2m, "altp2m", cfg.UseAltp2m, "Use alternate p2m views")
	cmd.Flags().DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "Event loop wait timeout")
	cmd.Flags().IntVar(&cfg.DrainCycles, "drain-cycles", cfg.DrainCycles, "Loop passes run at teardown")
	cmd.Flags().StringVar(&cfg.ControlDir, "control-dir", cfg.ControlDir, "Directory holding the per-guest control keys")
	cmd.Flags().StringVar(&cfg.JournalDir, "journal", cfg.JournalDir, "Directory of the raw request journal (empty disables capture)")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address of the Prometheus endpoint (empty disables it)")
	cmd.Flags().Uint32Var(&opts.vcpus, "vcpus", 2, "Number of simulated vcpus")
	cmd.Flags().IntVar(&opts.requests, "requests", 64, "Number of synthetic events the guest raises")
	cmd.Flags().StringVar(&opts.stopWith, "stop", "watch", "How the session ends: 'watch' (control key) or 'cancel'")
	return cmd
}

func runSimulate(ctx context.Context, cfg *config.Config, opts simulateOptions, logger *log.Logger) (string, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.vcpus == 0 {
		return "", errors.New("at least one vcpu is required")
	}
	dom := xen.DomID(cfg.Domain)

	hv := sim.New()
	hv.AddDomain(dom, opts.vcpus, true)
	for vcpu := uint32(0); vcpu < opts.vcpus; vcpu++ {
		hv.SetRegisters(dom, vcpu, regs.Registers{CR0: 0x80050033, MsrEFER: 0xd01, MsrLSTAR: 0xfffff80000001000, CSArBytes: 0xa9b})
	}

	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Printf("[Metrics] server error: %v", err)
			}
		}()
	}
	metrics.SetAgentInfo("", "", version.Version, "xen-sim")

	drv, err := driver.New(hv, dom, cfg.UseAltp2m, logger)
	if err != nil {
		return "", fmt.Errorf("init driver: %w", err)
	}
	defer drv.Close()

	var domWatch *watch.Watch
	if opts.stopWith == "watch" {
		domWatch, err = watch.New(cfg.ControlDir, dom, logger)
		if err != nil {
			return "", fmt.Errorf("init domain watch: %w", err)
		}
		defer domWatch.Close()
	}

	var journal *eventlog.Journal
	if cfg.Journaling() {
		if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
			return "", fmt.Errorf("create journal dir: %w", err)
		}
		journal, err = eventlog.Open(cfg.JournalDir)
		if err != nil {
			return "", err
		}
		defer journal.Close()
	}

	mopts := events.Options{
		UseAltp2m:        cfg.UseAltp2m,
		PollTimeout:      cfg.PollTimeout,
		DrainCycles:      cfg.DrainCycles,
		InterfaceVersion: cfg.InterfaceVersion,
		Stats:            metrics.StatsCollector{},
		Logger:           logger,
	}
	if cfg.DrainCycles == 0 {
		mopts.DrainCycles = -1
	}
	if journal != nil {
		mopts.Recorder = journal
	}
	var dw events.DomainWatch
	if domWatch != nil {
		dw = domWatch
	}

	mgr, err := events.NewManager(hv, drv, dw, mopts)
	if err != nil {
		return "", err
	}
	metrics.SessionStarted()
	defer metrics.SessionEnded()

	handler := newTraceHandler(drv, logger)
	mgr.SetHandler(handler)
	if _, err := mgr.EnableCREvents(3); err != nil {
		logger.Printf("[simulate] warning: %v", err)
	}
	if _, err := mgr.EnableMSREvents(regs.MsrLSTAR); err != nil {
		logger.Printf("[simulate] warning: %v", err)
	}

	var view uint16
	if cfg.UseAltp2m {
		views := drv.Altp2m()
		if view, err = views.CreateView(xen.AccessFor(true, true, true)); err != nil {
			mgr.Close()
			return "", fmt.Errorf("create altp2m view: %w", err)
		}
		if err := views.SwitchToView(view); err != nil {
			mgr.Close()
			return "", fmt.Errorf("switch to altp2m view %d: %w", view, err)
		}
	}

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	guestDone := make(chan error, 1)
	var singleSteps int
	go func() {
		var err error
		singleSteps, err = driveGuest(loopCtx, hv.Guest(dom), opts, view)
		if err == nil {
			if opts.stopWith == "watch" {
				err = watch.RequestShutdown(cfg.ControlDir, dom)
			} else {
				cancelLoop()
			}
		}
		guestDone <- err
	}()

	metrics.SetUp(true)
	loopErr := mgr.WaitForEvents(loopCtx)
	metrics.SetUp(false)
	if loopErr != nil {
		metrics.ObserveSessionError()
		cancelLoop()
	}
	guestErr := <-guestDone
	// Snapshot before Close detaches the handler.
	summary := handler.Summary()
	mgr.Close()

	if loopErr != nil {
		return "", loopErr
	}
	if guestErr != nil && !errors.Is(guestErr, context.Canceled) {
		return "", guestErr
	}

	summary += fmt.Sprintf("guest still running: %t\n", mgr.GuestStillRunning())
	if view != 0 {
		summary += fmt.Sprintf("altp2m view %d single-steps: %d\n", view, singleSteps)
	}
	if journal != nil {
		summary += fmt.Sprintf("journal entries: %d\n", journal.Len())
	}
	return summary, nil
}

func newDumpCmd() *cobra.Command {
	var journalDir string

	cmd := &cobra.Command{
		Use:   "dump --journal <dir>",
		Short: "Print the raw requests captured in a journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalDir == "" {
				journalDir = config.LoadFromEnv().JournalDir
			}
			if journalDir == "" {
				return fmt.Errorf("journal is required")
			}
			return runDump(cmd.OutOrStdout(), journalDir)
		},
	}

	cmd.Flags().StringVar(&journalDir, "journal", "", "Directory of the raw request journal")
	return cmd
}

func runDump(out io.Writer, journalDir string) error {
	journal, err := eventlog.OpenReadOnly(journalDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	return journal.Each(func(e eventlog.Entry) error {
		req, err := vmevent.UnmarshalRequest(e.Raw)
		if err != nil {
			fmt.Fprintf(out, "%06d vcpu=%d undecodable: %v\n", e.Seq, e.VCPU, err)
			return nil
		}
		ts := time.Unix(0, e.Timestamp).UTC().Format(time.RFC3339Nano)
		_, err = fmt.Fprintf(out, "%06d %s vcpu=%d reason=%s flags=%#x rip=%#x %s\n",
			e.Seq, ts, req.VCPU, req.Reason, uint32(req.Flags), req.Regs.RIP, describePayload(req.Payload))
		return err
	})
}

func describePayload(p vmevent.Payload) string {
	switch v := p.(type) {
	case vmevent.MemAccess:
		return fmt.Sprintf("gfn=%#x offset=%#x gla=%#x access=%#x", v.GFN, v.Offset, v.GLA, uint32(v.Flags))
	case vmevent.WriteCtrlReg:
		return fmt.Sprintf("index=%d old=%#x new=%#x", v.Index, v.OldValue, v.NewValue)
	case vmevent.MovToMsr:
		return fmt.Sprintf("msr=%#x new=%#x", v.MSR, v.NewValue)
	case vmevent.SoftwareBreakpoint:
		return fmt.Sprintf("gfn=%#x len=%d", v.GFN, v.InsnLength)
	case vmevent.SingleStep:
		return fmt.Sprintf("gfn=%#x", v.GFN)
	case vmevent.Interrupt:
		return fmt.Sprintf("vector=%d type=%d error=%#x cr2=%#x", v.Vector, v.Type, v.ErrorCode, v.CR2)
	default:
		return ""
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bdvmi %s (vm_event interface %d)\n", version.Version, vmevent.InterfaceVersion)
		},
	}
}
