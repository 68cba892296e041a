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

	"waves/internal/api"
	"waves/internal/auth"
	"waves/internal/commands"
	"waves/internal/config"
	"waves/internal/filestore"
	"waves/internal/http"
	"waves/internal/hub"
	"waves/internal/push"
	"waves/internal/rooms"
	"waves/internal/storage"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, auth.Config{
		TokenExpiry: cfg.TokenExpiry,
		Secret:      cfg.AuthSecret,
	}, bbStorage)
	if err != nil {
		return err
	}

	directory := rooms.NewDirectory(bbStorage, cfg.RoomTTL)
	if err := directory.EnsureGlobal(); err != nil {
		return err
	}

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	h := hub.NewHub()
	notifier := push.NewNotifier(bbStorage, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushContact, cfg.BaseURL)
	apiHandlers := api.New(authService, h, directory, bbStorage, files, notifier, cfg)

	adminServer := http.NewAdminServer(authService, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, h, apiHandlers, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// TTL sweep for expired messages, rooms and users.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := bbStorage.SweepExpired(time.Now()); err != nil {
					log.Printf("expiry sweep error: %v", err)
				}
			case <-gCtx.Done():
				return nil
			}
		}
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
