package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/astromechza/todosync/pkg/cache"
	"github.com/astromechza/todosync/pkg/client"
	"github.com/astromechza/todosync/pkg/localstore"
	"github.com/astromechza/todosync/pkg/protocol"
	"github.com/astromechza/todosync/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address of the sync server")
	localVar := flag.String("local", "", "path to a local sqlite mirror (empty disables persistence)")
	modeVar := flag.String("id-mode", string(protocol.IDModeClient), "id generation mode: client or server")
	flag.Parse()

	mode, err := protocol.ParseIDMode(*modeVar)
	if err != nil {
		return err
	}

	var local *localstore.Store
	if *localVar != "" {
		l, err := localstore.Open(*localVar)
		if err != nil {
			return err
		}
		defer l.Close()
		local = l
	}

	sess := session.New(session.Config{
		URL:       "ws://" + *addrVar + "/sync",
		Reconnect: true,
	})
	mgr, err := client.New(client.Config{
		IDMode: mode,
		Local:  local,
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "! %s\n", err)
		},
	}, sess)
	if err != nil {
		return err
	}

	sess.OnMessage = mgr.HandleEnvelope
	sess.OnError = mgr.HandleTransportError
	sess.OnStateChange = func(state session.State) {
		slog.Info("session state", "state", state)
	}

	unsubscribe := mgr.Subscribe(func(cache.Snapshot) {
		printItems(mgr.GetAll())
	})
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Close()

	printItems(mgr.GetAll())
	fmt.Println("commands: ls | count | add <label> | done <id> | rm <id> | all-done | rm-done | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		var err error
		switch cmd {
		case "ls":
			printItems(mgr.GetAll())
		case "count":
			count := mgr.GetCount()
			fmt.Printf("total=%d done=%d remaining=%d\n", count.Total, count.Done, count.Remaining)
		case "add":
			err = mgr.Add(rest)
		case "done":
			done := true
			err = mgr.UpdateByID(parseID(mode, rest), protocol.Changes{Done: &done})
		case "rm":
			err = mgr.DeleteByID(parseID(mode, rest))
		case "all-done":
			err = mgr.MarkAllAsDone()
		case "rm-done":
			err = mgr.DeleteDone()
		case "quit", "exit":
			return nil
		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %s\n", err)
		}
	}
	return scanner.Err()
}

// parseID keeps typed ids in the form the deployment uses on the wire.
func parseID(mode protocol.IDMode, raw string) protocol.ItemID {
	if mode == protocol.IDModeServer {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return protocol.NumericID(n)
		}
	}
	return protocol.ID(raw)
}

func printItems(items []protocol.Item) {
	for _, item := range items {
		mark := " "
		if item.Done {
			mark = "x"
		}
		fmt.Printf("[%s] %s %s\n", mark, item.ID, item.Label)
	}
	fmt.Printf("(%d items)\n", len(items))
}
