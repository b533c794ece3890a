package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/narval-xyz/armory-sub000/pkg/config"
	"github.com/narval-xyz/armory-sub000/pkg/queue"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startWorker is a variable to allow replacing it in tests.
var startWorker = runWorker

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startWorker(stdout, stderr)
	}

	switch args[1] {
	case "worker":
		return startWorker(stdout, stderr)
	case "provision":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: armory provision <clusters.yaml>")
			return 2
		}
		return runProvisionCmd(args[2], stdout, stderr)
	case "sync":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: armory sync <clientId>")
			return 2
		}
		return runSyncCmd(args[2], stdout, stderr)
	case "get":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: armory get <requestId>")
			return 2
		}
		return runGetCmd(args[2], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: armory <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  worker               Process authorization requests (default)")
	_, _ = fmt.Fprintln(w, "  provision <file>     Create the clusters listed in a YAML file")
	_, _ = fmt.Fprintln(w, "  sync <clientId>      Ask a client's nodes to reload their data stores")
	_, _ = fmt.Fprintln(w, "  get <requestId>      Print an authorization request")
	_, _ = fmt.Fprintln(w, "  help                 Show this help")
}

func runWorker(_, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, code := setup(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	consumer := queue.NewConsumer(a.rdb, a.processor, queue.ConsumerOptions{
		Name:        a.cfg.QueueName,
		Concurrency: a.cfg.QueueConcurrency,
		Policy:      a.cfg.RetryPolicy(),
		Observer:    a.obs,
	})

	recovered, err := consumer.RecoverStalled(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: recover stalled jobs: %v\n", err)
		return 1
	}
	requeued, err := a.authz.Bootstrap(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	log.Printf("[armory] worker: queue=%s concurrency=%d recovered=%d requeued=%d",
		a.cfg.QueueName, a.cfg.QueueConcurrency, recovered, requeued)
	log.Println("[armory] press ctrl+c to stop")

	if err := consumer.Run(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	log.Println("[armory] shutting down")
	return 0
}

func runProvisionCmd(path string, stdout, stderr io.Writer) int {
	clusters, err := config.LoadClusters(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	a, code := setup(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	type provisioned struct {
		ClientID string   `json:"clientId"`
		NodeIDs  []string `json:"nodeIds"`
	}
	var out []provisioned
	for _, c := range clusters {
		nodes, err := a.cluster.Create(ctx, c)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: provision %s: %v\n", c.ClientID, err)
			return 1
		}
		p := provisioned{ClientID: c.ClientID}
		for _, n := range nodes {
			p.NodeIDs = append(p.NodeIDs, n.ID)
		}
		out = append(out, p)
	}
	return writeJSON(stdout, stderr, out)
}

func runSyncCmd(clientID string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, code := setup(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	ok, err := a.cluster.Sync(ctx, clientID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if code := writeJSON(stdout, stderr, map[string]bool{"success": ok}); code != 0 {
		return code
	}
	if !ok {
		return 1
	}
	return 0
}

func runGetCmd(id string, stdout, stderr io.Writer) int {
	ctx := context.Background()
	a, code := setup(ctx, stderr)
	if a == nil {
		return code
	}
	defer a.Close()

	req, err := a.authz.GetByID(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return writeJSON(stdout, stderr, req)
}

func setup(ctx context.Context, stderr io.Writer) (*app, int) {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 1
	}
	return a, 0
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
