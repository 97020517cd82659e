package main

import (
	"encoding/json"
	"sync"

	"github.com/spf13/cobra"

	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
	"github.com/yourneighborhoodchef/slotwatch/internal/session"
)

func newProxiesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Inspect the configured proxy pool",
	}
	cmd.AddCommand(newProxiesCheckCmd(a))
	return cmd
}

type proxyHealth struct {
	Proxy   string `json:"proxy"`
	Healthy bool   `json:"healthy"`
}

func newProxiesCheckCmd(a *app) *cobra.Command {
	var workers int
	c := &cobra.Command{
		Use:     "check",
		Short:   "Health-probe every configured proxy",
		PreRunE: a.load,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.log.Sync()
			pool, err := session.NewPool(a.cfg, a.log)
			if err != nil {
				return err
			}
			recs := pool.Records()
			if len(recs) == 0 {
				return proxy.ErrNoProxy
			}
			if workers < 1 {
				workers = 1
			}

			out := make([]proxyHealth, len(recs))
			sem := make(chan struct{}, workers)
			var wg sync.WaitGroup
			for i, rec := range recs {
				i, rec := i, rec
				wg.Add(1)
				sem <- struct{}{}
				go func() {
					defer func() { <-sem; wg.Done() }()
					ok := pool.HealthCheck(cmd.Context(), rec, a.cfg.Proxy.HealthTimeout)
					out[i] = proxyHealth{Proxy: rec.Key(), Healthy: ok}
				}()
			}
			wg.Wait()

			enc := json.NewEncoder(cmd.OutOrStdout())
			healthy := 0
			for _, h := range out {
				if h.Healthy {
					healthy++
				}
				if err := enc.Encode(h); err != nil {
					return err
				}
			}
			a.log.Infof("%d of %d proxies healthy", healthy, len(out))
			return nil
		},
	}
	c.Flags().IntVar(&workers, "workers", 5, "concurrent probes")
	return c
}
