package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cashumint/mintd/mint"
	"github.com/cashumint/mintd/mint/manager"
)

func main() {
	app := &cli.App{
		Name:  "mintd",
		Usage: "cashu mint with lightning invoice reconciliation",
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "start the mint",
				Action: startMint,
			},
			{
				Name:  "admin-token",
				Usage: "create a bearer token for the manager server",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "expiry",
						Usage: "token lifetime",
						Value: 24 * time.Hour,
					},
				},
				Action: createAdminToken,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func startMint(ctx *cli.Context) error {
	config, err := mint.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("error reading config: %v", err)
	}
	config.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

	m, err := mint.LoadMint(config)
	if err != nil {
		return fmt.Errorf("error loading mint: %v", err)
	}
	defer m.Close()

	watchCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go m.WatchInvoices(watchCtx)

	if config.EnableManager {
		managerServer, err := manager.SetupServer(m, config.ManagerPort, config.ManagerJWTSecret)
		if err != nil {
			return fmt.Errorf("error setting up manager server: %v", err)
		}
		go func() {
			if err := managerServer.Start(); err != nil {
				config.Logger.Error("manager server error: " + err.Error())
			}
		}()
		defer managerServer.Shutdown()
	}

	mintServer := mint.SetupMintServer(m, config.Port)

	errChan := make(chan error, 1)
	go func() {
		errChan <- mintServer.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-watchCtx.Done():
		return mintServer.Shutdown()
	}
}

func createAdminToken(ctx *cli.Context) error {
	jwtSecret := os.Getenv("MANAGER_JWT_SECRET")
	if jwtSecret == "" {
		return fmt.Errorf("MANAGER_JWT_SECRET not set")
	}

	token, err := manager.CreateToken(jwtSecret, ctx.Duration("expiry"))
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
