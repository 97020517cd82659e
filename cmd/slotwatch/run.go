package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/records"
	"github.com/yourneighborhoodchef/slotwatch/internal/resultstore"
	"github.com/yourneighborhoodchef/slotwatch/internal/session"
)

var errRunFailed = errors.New("run ended with an error")

func newRunCmd(a *app, monitorOnly bool) *cobra.Command {
	var (
		headless    bool
		backend     string
		startURL    string
		minutes     int
		maxRecords  int
		recordsPath string
	)

	c := &cobra.Command{
		Use:     "run",
		Short:   "Monitor for availability, then book the queued records",
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.log.Sync()

			rc := session.RunConfig{
				Headless:          a.cfg.Run.Headless,
				Backend:           browser.Backend(backend),
				StartURL:          startURL,
				MonitoringMinutes: minutes,
				MaxRecords:        maxRecords,
				MonitorOnly:       monitorOnly,
			}
			if cmd.Flags().Changed("headless") {
				rc.Headless = headless
			}

			var recs []records.ClientRecord
			if !monitorOnly {
				if recordsPath == "" {
					recordsPath = a.cfg.Run.RecordsFile
				}
				var err error
				recs, err = records.LoadCSV(recordsPath)
				if errors.Is(err, fs.ErrNotExist) {
					a.log.Warn("records file not found", logging.String("path", recordsPath))
				} else if err != nil {
					return err
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			store, err := resultstore.Open(ctx, a.cfg.Run.ResultsDSN)
			if err != nil {
				return fmt.Errorf("open results store: %w", err)
			}
			defer store.Close()

			ctrl := session.New(session.Deps{Config: a.cfg, Sink: store, Logger: a.log})
			events, err := ctrl.Start(ctx, rc, recs)
			if err != nil {
				return err
			}
			stopOnSignal(ctx, cancel, ctrl, a.log)

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := false
			for e := range events {
				if err := enc.Encode(e); err != nil {
					a.log.Warn("write event failed", logging.Error(err))
				}
				if e.Kind == session.KindError {
					failed = true
				}
			}
			ctrl.Wait()
			if failed {
				return errRunFailed
			}
			return nil
		},
	}
	if monitorOnly {
		c.Use = "monitor"
		c.Short = "Monitor for availability only"
	}

	f := c.Flags()
	f.BoolVar(&headless, "headless", true, "run the chrome backend without a window")
	f.StringVar(&backend, "backend", "", "browsing backend: http or chrome")
	f.StringVar(&startURL, "url", "", "start URL (a .../login URL maps to .../book-appointment)")
	f.IntVar(&minutes, "minutes", 0, "monitoring duration in minutes")
	if !monitorOnly {
		f.IntVar(&maxRecords, "max-records", 0, "maximum records to book in this run")
		f.StringVar(&recordsPath, "records", "", "client records CSV (defaults to run.records_file)")
	}
	return c
}

// stopOnSignal asks the run to stop on the first SIGINT/SIGTERM and cancels
// it outright on the second.
func stopOnSignal(ctx context.Context, cancel context.CancelFunc, ctrl *session.Controller, log logging.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		for n := 1; ; n++ {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				if n == 1 {
					log.Warn("stop requested, finishing current step")
					ctrl.RequestStop()
					continue
				}
				log.Warn("second signal, aborting")
				cancel()
				return
			}
		}
	}()
}
