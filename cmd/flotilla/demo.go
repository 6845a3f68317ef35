package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/pkg/filestore"
	"github.com/flotilla-dev/flotilla/pkg/fleet"
	"github.com/flotilla-dev/flotilla/pkg/log"
	"github.com/flotilla-dev/flotilla/pkg/metrics"
	"github.com/flotilla-dev/flotilla/pkg/types"
)

var (
	demoRequests int
	metricsAddr  string
)

func init() {
	demoCmd.Flags().IntVar(&demoRequests, "requests", 100, "Requests to route in the traffic phase")
	demoCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the demo runs")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted fleet scenario",
	Long: `Builds a small fleet, routes traffic, injects a fault, recovers the
node, and prints the resulting statistics. Every run with the same seed and
flags produces identical placement.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		f, err := fleet.New(cfg)
		if err != nil {
			return err
		}
		defer f.Close()

		if metricsAddr != "" {
			go func() {
				if err := http.ListenAndServe(metricsAddr, metrics.Handler()); err != nil {
					logger := log.WithComponent("metrics")
					logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
		}

		if err := registerDemoNodes(f); err != nil {
			return err
		}

		// Phase 1: spread user traffic.
		for i := 0; i < demoRequests; i++ {
			req := &types.ServiceRequest{Kind: types.KindAuthenticate}
			if _, err := f.Route(req); err != nil {
				return err
			}
		}

		// Phase 2: fail a node and keep routing.
		f.InjectFault("user-1")
		for i := 0; i < demoRequests/10; i++ {
			req := &types.ServiceRequest{Kind: types.KindRegisterUser}
			if _, err := f.Route(req); err != nil {
				return err
			}
		}
		f.SignalRecovery("user-1")

		// Phase 3: a validated payment task for the downstream consumer.
		if _, err := f.Route(&types.ServiceRequest{Kind: types.KindValidateTask}); err != nil {
			return err
		}

		// Phase 4: store a file and move its bytes through the file service.
		if err := runFileTransferPhase(f); err != nil {
			return err
		}

		printSnapshot(f.Snapshot())
		return nil
	},
}

func registerDemoNodes(f *fleet.Fleet) error {
	specs := []fleet.NodeSpec{
		{ID: "user-1", ServiceType: types.ServiceUser, Region: "region-central",
			Capacity: types.Capacity{CPUCores: 4, MemoryBytes: 8 << 30, MaxRequests: 50}},
		{ID: "user-2", ServiceType: types.ServiceUser, Region: "region-central",
			Capacity: types.Capacity{CPUCores: 4, MemoryBytes: 8 << 30, MaxRequests: 50}},
		{ID: "chat-1", ServiceType: types.ServiceChat, Region: "region-central",
			Capacity: types.Capacity{CPUCores: 2, MemoryBytes: 4 << 30, MaxRequests: 100}},
		{ID: "chat-2", ServiceType: types.ServiceChat, Region: "region-west",
			Capacity: types.Capacity{CPUCores: 2, MemoryBytes: 4 << 30, MaxRequests: 100}},
		{ID: "chat-3", ServiceType: types.ServiceChat, Region: "region-north",
			Capacity: types.Capacity{CPUCores: 2, MemoryBytes: 4 << 30, MaxRequests: 100}},
		{ID: "payment-1", ServiceType: types.ServicePayment, Region: "region-central",
			Capacity: types.Capacity{CPUCores: 8, MemoryBytes: 16 << 30, MaxRequests: 25}},
		{ID: "file-1", ServiceType: types.ServiceFile, Region: "region-central",
			Capacity: types.Capacity{CPUCores: 4, MemoryBytes: 8 << 30, MaxRequests: 40}},
		{ID: "file-2", ServiceType: types.ServiceFile, Region: "region-west",
			Capacity: types.Capacity{CPUCores: 4, MemoryBytes: 8 << 30, MaxRequests: 40}},
	}
	for _, spec := range specs {
		if _, err := f.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// runFileTransferPhase routes an upload through the file service, places the
// file on replicated storage, and drains the transfer over a rate-limited
// link in simulated one-second steps.
func runFileTransferPhase(f *fleet.Fleet) error {
	if _, err := f.Route(&types.ServiceRequest{Kind: types.KindUploadFile}); err != nil {
		return err
	}

	store := filestore.NewManager()
	for _, nodeID := range []string{"file-1", "file-2"} {
		if err := store.RegisterNode(nodeID, 100<<30); err != nil {
			return err
		}
	}

	const fileSize = 100 << 20
	meta, err := store.Store("quarterly-report.pdf", fileSize, "document", "demo-user")
	if err != nil {
		return err
	}

	sim := filestore.NewSimulator(0, 0)
	tr, err := sim.Start(meta.ID, filestore.TransferUpload, "client", meta.StorageNodes[0], fileSize, 10<<20)
	if err != nil {
		return err
	}
	for tr.Status == filestore.TransferInProgress {
		if tr, err = sim.Advance(tr.ID, time.Second, 2.5); err != nil {
			return err
		}
	}

	stats := store.Stats()
	net := sim.Stats()
	fmt.Printf("\nFile storage: %d file(s) on %d node(s), %.1f%% used, replication x%d\n",
		stats.Files, stats.Nodes, stats.UsagePercent, stats.Replication)
	fmt.Printf("Transfer %s: %d bytes in %s, network average %.1f MB/s\n",
		tr.Status, tr.BytesTransferred, tr.Elapsed, net.AvgThroughputBytesPS/(1<<20))

	if _, err := f.Route(&types.ServiceRequest{Kind: types.KindListFiles}); err != nil {
		return err
	}
	return nil
}

func printSnapshot(snap types.Snapshot) {
	fmt.Printf("\nFleet summary (%d routed, %d completed, %d failed, %d unroutable, %.1f%% success)\n",
		snap.Routed, snap.Completed, snap.Failed, snap.Unroutable, snap.SuccessRate)
	for _, n := range snap.Nodes {
		fmt.Printf("  %-12s %-16s %-15s %s  %s:%d  active=%d/%d processed=%d failed=%d\n",
			n.NodeID, n.ServiceType, n.Region, n.Health,
			n.Address.IP, n.Address.Port, n.ActiveRequests, n.MaxRequests, n.Processed, n.Failed)
	}
}
