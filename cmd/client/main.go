package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"flag"

	"github.com/chzyer/readline"

	"github.com/driftlab/ringkv/cmd/client/parser"
	"github.com/driftlab/ringkv/internal/client"
	"github.com/driftlab/ringkv/internal/protocol"

	_ "embed"
)

var (
	controllerAddr = flag.String("addr", "localhost:8000", "Controller address")
)

//go:embed help
var helpString string

func main() {
	flag.Parse()

	client, err := client.NewClient(*controllerAddr)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt: ">> ",
	})
	if err != nil {
		log.Fatalf("Failed to initalize readline: %v", err)
	}
	defer rl.Close()

	fmt.Println("Client (type '.exit' to quit)")
	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}

		line = strings.TrimSpace(line)
		if line == ".help" {
			printHelp()
			continue
		} else if line == ".exit" {
			break
		} else if line == "" {
			continue
		}

		handleQuery(client, line)
	}
}

func printHelp() {
	fmt.Println(helpString)
}

func handleQuery(client *client.Client, query string) {
	parsed, err := parser.Parse(query)
	if err != nil {
		fmt.Println("Parsing Error:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch req := parsed.(type) {
	case parser.PutRequest:
		merged, err := client.Put(ctx, req.Scope, req.Key, []byte(req.Value))
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("PUT: %s/%s = %s\n", req.Scope, req.Key, merged)

	case parser.GetRequest:
		value, found, err := client.Get(ctx, req.Scope, req.Key)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		if !found {
			fmt.Printf("GET: %s/%s not found\n", req.Scope, req.Key)
			return
		}
		fmt.Printf("GET: %s/%s = %s\n", req.Scope, req.Key, value)

	case parser.JoinRequest:
		err := client.Join(ctx, protocol.NodeInfo{ID: req.NodeID, Address: req.Address}, req.Slots)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("JOIN: %s at %s\n", req.NodeID, req.Address)

	case parser.LeaveRequest:
		if err := client.Leave(ctx, req.NodeID); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("LEAVE: %s draining\n", req.NodeID)

	case parser.AbortRequest:
		if err := client.Abort(ctx, req.TaskID); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Printf("ABORT: %s superseded\n", req.TaskID)

	case parser.StatusRequest:
		status, err := client.Status(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		printStatus(status)
	}
}

func printStatus(status *protocol.StatusResponse) {
	snap := status.Snapshot
	fmt.Printf("snapshot version %d, %d nodes, %d virtual nodes\n",
		snap.Version, len(snap.Nodes), len(snap.VirtualNodes))
	for id, info := range snap.Nodes {
		fmt.Printf("  node %s at %s\n", id, info.Address)
	}
	for id, m := range snap.Migrations {
		fmt.Printf("  migration %s: %s -> %s [%s]\n", id, m.Old.ID, m.New.ID, m.State)
	}
	for _, id := range status.Stalled {
		fmt.Printf("  stalled: %s\n", id)
	}
}
