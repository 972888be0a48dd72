package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mcproxy.dev/mcproxy/events"
	"mcproxy.dev/mcproxy/flags"
	"mcproxy.dev/mcproxy/proxy"
	"mcproxy.dev/mcproxy/status"
)

func main() {
	f, err := flags.ParseServerArgs(os.Args)
	if err != nil {
		logrus.Error(err)
		return
	}
	if f.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	cfg, err := flags.LoadServerConfigFromFlags(f)
	if err != nil {
		logrus.Fatalf("error loading config: %s", err)
	}

	counter := events.NewCounter(events.LogSink{})
	co, err := proxy.NewCoordinator(cfg, counter)
	if err != nil {
		logrus.Fatal(err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port),
		Handler: co,
	}
	var statusSrv *http.Server
	if cfg.Proxy.StatusPort > 0 {
		statusSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.StatusPort),
			Handler: status.New(co, counter),
		}
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		logrus.Infof("listening on %s, proxying to %s", srv.Addr, cfg.Proxy.MCPServerURL)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if statusSrv != nil {
		g.Go(func() error {
			logrus.Infof("status endpoint on %s", statusSrv.Addr)
			if err := statusSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	<-sch

	logrus.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if statusSrv != nil {
		statusSrv.Shutdown(ctx)
	}
	co.Shutdown(ctx)
	if err := g.Wait(); err != nil {
		logrus.Error(err)
	}
}
