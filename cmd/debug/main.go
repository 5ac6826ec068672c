package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/todosync/pkg/protocol"
	"github.com/astromechza/todosync/pkg/store"
	"github.com/astromechza/todosync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	modeVar := flag.String("id-mode", string(protocol.IDModeClient), "id mode the database was created with")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the todos database to read")
	}
	mode, err := protocol.ParseIDMode(*modeVar)
	if err != nil {
		return err
	}

	st, err := store.Open(flag.Arg(0), mode)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	items, err := st.SelectAll(context.Background())
	if err != nil {
		return err
	}
	slog.Info("loaded store", "items", len(items))
	for i, item := range items {
		slog.Info("item", "i", fmt.Sprintf("%4d", i), "id", item.ID, "label", item.Label, "done", item.Done, "createdAt", item.CreatedAt)
	}

	svgPath, err := viz.RenderToTemp(items)
	if err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	fmt.Println("file://" + svgPath)
	return nil
}
