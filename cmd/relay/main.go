package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/app"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		commonlog.Warnf("event=server_init action=load_env status=failed error=%v", err)
	}
	defer commonlog.Sync()

	cfg := app.LoadConfig()
	server, err := app.NewServer(cfg)
	if err != nil {
		commonlog.Errorf("event=server_init action=create status=failed error=%v", err)
		commonlog.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := server.Run(ctx); err != nil {
			commonlog.Errorf("event=room_fanout action=run status=failed error=%v", err)
		}
	}()

	go func() {
		commonlog.Infof("event=server_start action=listen status=ok port=%s", cfg.Port)
		if err := server.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			commonlog.Errorf("event=server_start action=listen status=failed error=%v", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		commonlog.Warnf("event=server_shutdown action=shutdown status=failed error=%v", err)
	}
	commonlog.Infof("event=server_shutdown action=shutdown status=ok")
}
