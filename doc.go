// Package ephost provides a lease-based event processor host.
//
// Several host processes jointly consume every partition of a partitioned event
// stream. Each partition is owned by exactly one host at a time, ownership rebalances
// automatically as hosts join and leave, and each partition's last processed position
// is recorded durably. There is no coordinator: every host runs the same rebalancing
// pass against a shared lease store whose conditional writes decide each race.
//
// # Quick Start
//
//	import (
//	    "github.com/arloliu/ephost"
//	    "github.com/arloliu/ephost/leasestore/natskv"
//	    "github.com/arloliu/ephost/stream/jetstream"
//	)
//
//	cfg := ephost.DefaultConfig()
//	cfg.HostName = ephost.CreateHostName("orders")
//
//	store, _ := natskv.New(ctx, nc, cfg.HostName)
//	client, _ := jetstream.New(ctx, nc, jetstream.Config{Stream: "ORDERS", Partitions: 8})
//
//	host, err := ephost.NewHost(cfg, client, store, store, factory)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := host.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Stop(context.Background())
//
// # Key Features
//
//   - Leases with fencing tokens: acquire, renew and release are conditional writes
//   - Epochs: every acquisition raises the epoch, and receivers with a lower epoch are fenced
//   - Fair share: each host converges to within one partition of the average
//   - Durable checkpoints that never move backwards
//   - Pluggable stores (in-memory, NATS KV, SQLite/PostgreSQL) and stream clients
//
// # Architecture
//
// A host progresses through a state machine:
//
//	Init → Initializing → Running → Closing → Closed
//
// Initializing discovers the partitions and creates the lease and checkpoint records.
// While Running, a scan pass runs on a timer: it computes this host's share, acquires
// unowned or expired leases and, when still short, steals from an over-subscribed host.
// Every acquired lease starts a pump that opens the processor, receives batches and
// renews the lease. A pump whose lease is lost closes with CloseReasonLeaseLost.
//
// # Processing Events
//
//	type processor struct{}
//
//	func (processor) OnOpen(ctx context.Context, pc *ephost.PartitionContext) error { return nil }
//
//	func (processor) OnEvents(ctx context.Context, pc *ephost.PartitionContext, events []ephost.EventData) error {
//	    for _, ev := range events {
//	        handle(ev.Body)
//	    }
//	    return pc.Checkpoint(ctx)
//	}
//
//	func (processor) OnClose(ctx context.Context, pc *ephost.PartitionContext, reason ephost.CloseReason) error {
//	    return nil
//	}
//
//	func (processor) OnError(ctx context.Context, pc *ephost.PartitionContext, err error) {}
//
// See the examples/ directory for a complete working example.
package ephost
