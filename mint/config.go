package mint

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"

	"github.com/cashumint/mintd/crypto"
	"github.com/cashumint/mintd/mint/lightning"
)

type Config struct {
	DerivationPath string
	Secret         string
	MaxOrder       uint
	MintPath       string
	Port           string
	MintInfo       MintInfo

	LightningClient lightning.Client
	Logger          *slog.Logger

	EnableManager    bool
	ManagerPort      string
	ManagerJWTSecret string
}

type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         [][]string
	Motd            string
}

// ConfigFromEnv builds the mint config from environment variables,
// loading a .env file first if present.
func ConfigFromEnv() (Config, error) {
	envPath := ".env"
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	mnemonic := os.Getenv("MINT_MNEMONIC")
	if mnemonic == "" {
		return Config{}, fmt.Errorf("MINT_MNEMONIC not set")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return Config{}, fmt.Errorf("invalid mnemonic in MINT_MNEMONIC")
	}
	seed := bip39.NewSeed(mnemonic, "")

	derivationPath := os.Getenv("MINT_DERIVATION_PATH")
	if derivationPath == "" {
		derivationPath = "0/0/0"
	}

	maxOrder := uint(crypto.DefaultMaxOrder)
	if v := os.Getenv("MINT_MAX_ORDER"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 || n > 64 {
			return Config{}, fmt.Errorf("invalid MINT_MAX_ORDER: %v", v)
		}
		maxOrder = uint(n)
	}

	port := os.Getenv("MINT_PORT")
	if port == "" {
		port = "3338"
	}

	lightningClient, err := lightningClientFromEnv()
	if err != nil {
		return Config{}, err
	}

	config := Config{
		DerivationPath:  derivationPath,
		Secret:          string(seed),
		MaxOrder:        maxOrder,
		MintPath:        os.Getenv("MINT_PATH"),
		Port:            port,
		LightningClient: lightningClient,
		MintInfo: MintInfo{
			Name:            os.Getenv("MINT_NAME"),
			Description:     os.Getenv("MINT_DESCRIPTION"),
			LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
			Motd:            os.Getenv("MINT_MOTD"),
		},
	}

	if email := os.Getenv("MINT_CONTACT_EMAIL"); email != "" {
		config.MintInfo.Contact = append(config.MintInfo.Contact, []string{"email", email})
	}

	if os.Getenv("MANAGER_ENABLED") == "true" {
		jwtSecret := os.Getenv("MANAGER_JWT_SECRET")
		if jwtSecret == "" {
			return Config{}, fmt.Errorf("MANAGER_JWT_SECRET not set")
		}
		managerPort := os.Getenv("MANAGER_PORT")
		if managerPort == "" {
			managerPort = "3446"
		}
		config.EnableManager = true
		config.ManagerPort = managerPort
		config.ManagerJWTSecret = jwtSecret
	}

	return config, nil
}

func lightningClientFromEnv() (lightning.Client, error) {
	backend := os.Getenv("LIGHTNING_BACKEND")
	switch backend {
	case "cln", "":
		restURL := os.Getenv("CLN_REST_URL")
		if restURL == "" {
			return nil, fmt.Errorf("CLN_REST_URL not set")
		}
		clnRune := os.Getenv("CLN_RUNE")
		if clnRune == "" {
			return nil, fmt.Errorf("CLN_RUNE not set")
		}
		return lightning.SetupCLNClient(lightning.CLNConfig{
			RestURL: restURL,
			Rune:    clnRune,
		})

	case "lnd":
		host := os.Getenv("LND_GRPC_HOST")
		if host == "" {
			return nil, fmt.Errorf("LND_GRPC_HOST not set")
		}
		certPath := os.Getenv("LND_CERT_PATH")
		if certPath == "" {
			return nil, fmt.Errorf("LND_CERT_PATH not set")
		}
		macaroonPath := os.Getenv("LND_MACAROON_PATH")
		if macaroonPath == "" {
			return nil, fmt.Errorf("LND_MACAROON_PATH not set")
		}
		return lightning.SetupLndClient(lightning.LndConfig{
			GRPCHost:     host,
			TLSCertPath:  certPath,
			MacaroonPath: macaroonPath,
		})

	case "fake":
		return lightning.NewFakeBackend(), nil
	}

	return nil, fmt.Errorf("invalid LIGHTNING_BACKEND: %v", backend)
}
