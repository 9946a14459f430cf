// Package xfermgr controls background transfer jobs in a worker process
// over a private named-pipe channel.
//
// The core functionality centers around the Client type, which owns the
// command pipe, launches the worker, and exposes one method per command:
//
//	client, err := xfermgr.Connect(context.Background(), &xfermgr.ExecLauncher{
//	    Path: "/usr/libexec/xfermgr-worker",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	jobID, mon, err := client.StartJob(xfermgr.StartJobOptions{
//	    URL:            "https://example.com/payload.bin",
//	    SavePath:       "/var/cache/app/payload.bin",
//	    MonitorMillis:  1000,
//	})
//
// When a job is started or attached with a monitor interval, the returned
// JobMonitor streams status snapshots pushed by the worker:
//
//	for {
//	    st, err := mon.GetStatus(10 * time.Second)
//	    if err != nil {
//	        break
//	    }
//	    fmt.Printf("state %v, %d bytes\n", st.State, st.Progress.TransferredBytes)
//	}
//
// # Design Philosophy
//
// This library prioritizes:
//
//   - A private, unguessable transport (random pipe names, restricted
//     access, message-mode framing)
//   - Bounded blocking (every pipe operation takes an explicit timeout)
//   - Typed failures (each command has a closed set of failure kinds)
//   - Push-plus-poll monitoring (notifications wake the monitor early,
//     polling bounds staleness)
//
// The worker side of the channel lives in the worker package; a ready-made
// worker binary is built from cmd/xfermgr-worker.
package xfermgr
