package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pavilion/internal/api"
	"pavilion/internal/auth"
	"pavilion/internal/commands"
	"pavilion/internal/config"
	"pavilion/internal/dms"
	"pavilion/internal/friends"
	"pavilion/internal/http"
	"pavilion/internal/invites"
	"pavilion/internal/messages"
	"pavilion/internal/preview"
	"pavilion/internal/push"
	"pavilion/internal/servers"
	"pavilion/internal/storage"
	"pavilion/internal/ws"
)

func run(ctx context.Context) error {
	addUser := flag.String("add-user", "", "Handle to create (creates account with random password and prints details)")
	flag.Parse()

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(*addUser, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	}, bbStorage)
	if err != nil {
		return err
	}

	hub := ws.NewHub(bbStorage)
	pushService := push.NewService(bbStorage, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject)

	var (
		friendsPush friends.OfflinePusher
		messagePush messages.OfflinePusher
	)
	if pushService != nil {
		friendsPush = pushService
		messagePush = pushService
	}

	resolver := preview.NewResolver(ctx, preview.NewHTTPFetcher(), cfg.PreviewURLTimeout, cfg.PreviewTimeout)

	friendsEngine := friends.NewEngine(bbStorage, hub, friendsPush)
	pipeline := messages.NewPipeline(bbStorage, resolver, hub, messagePush)
	dmService := dms.NewService(bbStorage)
	serverService := servers.NewService(bbStorage, hub)
	inviteEngine := invites.NewEngine(bbStorage, hub)

	gateway := ws.NewServer(authService, hub)
	handlers := api.New(authService, friendsEngine, pipeline, dmService, serverService, inviteEngine, pushService, hub)

	apiServer := http.NewAPIServer(handlers.Router(gateway), cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
