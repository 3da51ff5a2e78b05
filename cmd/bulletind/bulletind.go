package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/bulletin/internal/api"
	"github.com/modfin/bulletin/internal/config"
	"github.com/modfin/bulletin/internal/courier"
	"github.com/modfin/bulletin/internal/dao"
	"github.com/modfin/bulletin/internal/delivery"
	"github.com/modfin/bulletin/internal/idempotency"
	"github.com/modfin/bulletin/tools"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

func main() {

	app := &cli.App{
		Name:   "bulletind",
		Usage:  "a service for publishing newsletter issues to subscribers",
		Flags:  []cli.Flag{},
		Action: start,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Action: start,
			},
			{
				Name:  "subscriber",
				Usage: "manage subscribers",
				Subcommands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "add or update a subscriber",
						ArgsUsage: "<email>",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:  "confirmed",
								Usage: "mark the subscription confirmed, only confirmed subscribers receive issues",
							},
						},
						Action: addSubscriber,
					},
				},
			},
			{
				Name:  "admin-key",
				Usage: "manage admin api keys",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "mint a new admin key and print its credentials",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "key-id",
								Usage: "the public identifier of the key, a random one is generated if omitted",
							},
						},
						Action: addAdminKey,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(c *cli.Context) error {
	cfg := config.Get()

	l := log.New()
	l.AddHook(tools.LoggerWho{Name: "bulletind"})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err == nil {
		l.SetLevel(level)
	}
	lc := tools.LoggerCloner(l)

	var stopServer func()
	c.Context, stopServer = context.WithCancel(c.Context)
	defer stopServer()

	l.Infof("Starting server")

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	var services []Stoppable

	post := courier.NewSMTP(courier.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Pass:     cfg.SMTPPass,
		From:     cfg.From,
		Hostname: cfg.Hostname,
	}, lc)

	deliverer := delivery.New(delivery.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		LeaseTimeout: cfg.LeaseTimeout,
		MaxAttempts:  cfg.MaxAttempts,
	}, db, post, lc)
	deliverer.Start()
	services = append(services, deliverer)

	cleanup := idempotency.NewCleanup(db, lc)
	cleanup.Start()
	services = append(services, cleanup)

	server := api.New(api.Config{
		Port:        cfg.APIPort,
		MetricsUser: cfg.MetricsPollUser,
		MetricsPass: cfg.MetricsPollPass,
	}, db, idempotency.New(db, lc), lc)
	server.Start()
	services = append(services, server)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	sig := <-sigc
	l.Infof("Got signal: %s, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, service := range services {
		wg.Add(1)
		go func(service Stoppable) {
			defer wg.Done()
			err := service.Stop(shutdownCtx)
			if err != nil {
				l.WithError(err).Error("Failed to stop service")
			}
		}(service)
	}

	go func() {
		<-shutdownCtx.Done()
		l.WithError(shutdownCtx.Err()).Warn("Shutdown was forced, terminating now")
		os.Exit(1)
	}()

	wg.Wait()
	l.Infof("Shutdown complete, terminating now")

	return nil
}

func addSubscriber(c *cli.Context) error {
	cfg := config.Get()

	email := c.Args().First()
	if email == "" {
		return fmt.Errorf("an email must be provided")
	}

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	status := dao.SubscriptionPending
	if c.Bool("confirmed") {
		status = dao.SubscriptionConfirmed
	}
	err = db.UpsertSubscriber(email, status)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", email, status)
	return nil
}

func addAdminKey(c *cli.Context) error {
	cfg := config.Get()

	db, err := dao.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}

	keyId := c.String("key-id")
	if keyId == "" {
		keyId = tools.RandString(12)
	}
	secret := tools.RandString(32)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	key := dao.AdminKey{
		KeyId:      keyId,
		SecretHash: string(hash),
		UserId:     uuid.NewString(),
	}
	err = db.AddAdminKey(key)
	if err != nil {
		return err
	}

	// The secret is only ever printed here, the store keeps the hash.
	fmt.Printf("key-id:  %s\n", key.KeyId)
	fmt.Printf("secret:  %s\n", secret)
	fmt.Printf("user-id: %s\n", key.UserId)
	return nil
}

type Stoppable interface {
	Stop(ctx context.Context) error
}
