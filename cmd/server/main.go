package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/todosync/pkg/server"
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
	addrVar := flag.String("addr", "", "the address to listen on (overrides config)")
	configVar := flag.String("config", "", "path to a toml config file")
	flag.Parse()

	cfg := defaultConfig()
	if *configVar != "" {
		c, err := loadConfig(*configVar)
		if err != nil {
			return err
		}
		cfg = c
	}
	if *addrVar != "" {
		cfg.Addr = *addrVar
	}

	slog.Info("Opening database", "path", cfg.DBPath, "mode", cfg.IDMode)
	st, err := store.Open(cfg.DBPath, cfg.IDMode)
	if err != nil {
		return err
	}
	defer st.Close()

	s := server.New(st, server.Config{
		SimulatedLatency: cfg.SimulatedLatency,
		Refresh:          cfg.Refresh,
	})

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.HandleSync)
	r.Methods(http.MethodGet).Path("/todos").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		items, err := st.SelectAll(request.Context())
		if err != nil {
			slog.Error("failed to query", "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(writer).Encode(items); err != nil {
			slog.Error("failed to write", "err", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	if items, err := st.SelectAll(context.Background()); err != nil {
		slog.Error("failed to dump store", "err", err)
	} else if svgPath, err := viz.RenderToTemp(items); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "items", len(items), "path", "file://"+svgPath)
	}

	return nil
}
