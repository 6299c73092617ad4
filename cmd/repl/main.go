// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive shell over one queue, one id pool and
// one epoch collector.
//
// The REPL is a hands-on way to watch the components interact: values pushed
// onto the queue come back in order, popped nodes are retired through the
// collector, and the collector's epoch and reclamation counters can be
// inspected at any point.
//
// # Usage
//
//	go run ./cmd/repl -ids 8
//
// # Commands
//
//   - push <value>: push a value onto the queue
//   - pop: pop the oldest value and retire its node
//   - assign: claim a free id
//   - recycle <id>: return an id to the pool
//   - epoch: show the global epoch
//   - collect: advance the epoch as far as possible
//   - stats: show collector, queue and pool counters
//   - help, quit
//
// # Thread Safety
//
// The REPL is single-threaded. It uses a single participant for every queue
// operation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kianostad/lfkit/internal/concurrency/epoch"
	"github.com/kianostad/lfkit/internal/concurrency/idpool"
	"github.com/kianostad/lfkit/internal/concurrency/queue"
)

const usage = "Commands: push <value>, pop, assign, recycle <id>, epoch, collect, stats, quit"

type REPL struct {
	collector   *epoch.Collector
	participant *epoch.Participant
	sweeper     *epoch.Sweeper
	queue       *queue.Queue[string]
	pool        *queue.NodePool[string]
	ids         *idpool.Generator
	held        map[int]bool
}

func NewREPL(collector *epoch.Collector, ids *idpool.Generator) *REPL {
	return &REPL{
		collector:   collector,
		participant: collector.Participant(),
		sweeper:     epoch.NewSweeper(collector, 0),
		queue:       queue.New[string](),
		pool:        queue.NewNodePool[string](),
		ids:         ids,
		held:        make(map[int]bool),
	}
}

// readLines feeds the lines of in to the returned channel until in is
// exhausted or done is closed.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

// Run executes commands from in until it is exhausted, a quit command is read
// or ctx is cancelled. Every command runs on the calling goroutine, so the
// collector can be closed safely once Run returns.
func (r *REPL) Run(ctx context.Context, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "Lock-Free Toolkit REPL")
	fmt.Fprintln(out, usage)

	done := make(chan struct{})
	defer close(done)
	lines := readLines(in, done)

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "push":
			if len(args) != 1 {
				fmt.Fprintln(out, "Usage: push <value>")
				continue
			}
			r.participant.Begin()
			r.queue.Push(r.pool.Get(args[0]))
			r.participant.End()
			fmt.Fprintln(out, "OK")

		case "pop":
			r.participant.Begin()
			n, ok := r.queue.Pop()
			if ok {
				fmt.Fprintf(out, "Value: %s\n", n.Value())
				queue.Retire(r.participant, n, r.pool)
			} else {
				fmt.Fprintln(out, "Queue empty")
			}
			r.participant.End()

		case "assign":
			id, ok := r.ids.TryAssign()
			if !ok {
				fmt.Fprintln(out, "No free id")
				continue
			}
			r.held[id] = true
			fmt.Fprintf(out, "ID: %d\n", id)

		case "recycle":
			if len(args) != 1 {
				fmt.Fprintln(out, "Usage: recycle <id>")
				continue
			}
			id, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintf(out, "Invalid id: %s\n", args[0])
				continue
			}
			if !r.held[id] {
				fmt.Fprintln(out, "ID not assigned")
				continue
			}
			r.ids.Recycle(id)
			delete(r.held, id)
			fmt.Fprintln(out, "OK")

		case "epoch":
			fmt.Fprintf(out, "Epoch: %d\n", r.collector.Epoch())

		case "collect":
			fmt.Fprintf(out, "Advanced %d epochs\n", r.sweeper.ForceCollect())

		case "stats":
			s := r.collector.Stats()
			fmt.Fprintf(out, "Epoch: %d  Managed: %d  Reclaimed: %d  Pending: %d\n",
				s.Epoch, s.Managed, s.Reclaimed, s.Pending())
			fmt.Fprintf(out, "Queue empty: %t  Repairs: %d\n", r.queue.Empty(), r.queue.Repairs())
			fmt.Fprintf(out, "IDs available: %d/%d\n", r.ids.Available(), r.ids.Count())

		case "help":
			fmt.Fprintln(out, usage)

		case "quit", "exit":
			fmt.Fprintln(out, "Goodbye!")
			return

		default:
			fmt.Fprintf(out, "Unknown command: %s\n", cmd)
		}
	}
}

func main() {
	numIDs := flag.Int("ids", 8, "Number of ids in the pool")
	flag.Parse()

	ids, err := idpool.New(*numIDs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	collector := epoch.New()
	defer collector.Close()

	// Stop the command loop on a signal; the deferred Close runs after it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	NewREPL(collector, ids).Run(ctx, os.Stdin, os.Stdout)
	if ctx.Err() != nil {
		fmt.Println("Received shutdown signal. Closing collector...")
	}
}
