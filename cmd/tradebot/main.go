package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/signalgrid/tradebot/internal/app"
	"github.com/signalgrid/tradebot/internal/config"
	"github.com/signalgrid/tradebot/internal/crypt"
	"github.com/signalgrid/tradebot/internal/domain"
)

var (
	cfgPath     string
	encrypt     bool
	encryptPath string
	publicKey   string
	privateKey  string
	genKeys     bool
)

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	root := &cobra.Command{
		Use:           "tradebot",
		Short:         "Autonomous rule-driven spot trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to the config file")
	root.Flags().BoolVar(&encrypt, "encrypt", false, "encrypt exchange credentials and exit")
	root.Flags().StringVar(&encryptPath, "path", "credentials.bin", "output path for the encrypted blob")
	root.Flags().StringVar(&publicKey, "publickey", "", "hex-encoded recipient public key")
	root.Flags().StringVar(&privateKey, "privatekey", "", "hex-encoded sender private key")
	root.Flags().BoolVar(&genKeys, "genkeys", false, "print a fresh key pair and exit")

	if err := root.Execute(); err != nil {
		code := 1
		switch {
		case encrypt || genKeys:
			code = 3
		case domain.IsConfiguration(err):
			code = 2
		}
		log.Error().Err(err).Msg("tradebot failed")
		os.Exit(code)
	}
}

func run(*cobra.Command, []string) error {
	if genKeys {
		return runGenKeys()
	}
	if encrypt {
		return runEncrypt()
	}

	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		return err
	}
	if mgr.Current().Core.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	engine, err := app.New(mgr)
	if err != nil {
		return err
	}
	mgr.Watch()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("config", cfgPath).Msg("tradebot starting")
	return engine.Run(ctx)
}

// runEncrypt seals the exchange credentials from the environment into a
// NaCl box blob, so the plaintext secret never needs to live on disk.
func runEncrypt() error {
	if publicKey == "" || privateKey == "" {
		return fmt.Errorf("--encrypt needs --publickey and --privatekey (hex, 32 bytes each)")
	}
	apiKey := os.Getenv("TRADEBOT_API_KEY")
	apiSecret := os.Getenv("TRADEBOT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("set TRADEBOT_API_KEY and TRADEBOT_API_SECRET before encrypting")
	}

	payload, err := json.Marshal(map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	})
	if err != nil {
		return err
	}
	if err := crypt.SealToFile(encryptPath, payload, publicKey, privateKey); err != nil {
		return err
	}
	log.Info().Str("path", encryptPath).Msg("Credentials encrypted")
	return nil
}

func runGenKeys() error {
	pub, priv, err := crypt.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Printf("public key:  %s\nprivate key: %s\n", pub, priv)
	return nil
}
