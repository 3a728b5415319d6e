package main

import (
	"flag"
	"log"
	"os"

	"github.com/budyz/nft-gateway/cmd/gateway/internal/router"
	"github.com/budyz/nft-gateway/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var app struct {
	debug  bool
	config string
}

func init() {
	flagset := flag.NewFlagSet("gateway", flag.ExitOnError)
	flagset.BoolVar(&app.debug, "debug", false, "set debug mode")
	flagset.StringVar(&app.config, "config", "config.yaml", "YAML configuration")
	err := flagset.Parse(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	if app.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	configContents, err := os.ReadFile(app.config)
	if err != nil {
		log.Fatal(err)
	}

	var cfg Config
	err = yaml.Unmarshal(configContents, &cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := utils.NewContext()
	ctrl, db, piClient, err := cfg.Compile(ctx)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	// Attempts a previous process left mid-flight must not hold their
	// references hostage
	recovered, err := ctrl.RecoverInterruptedDeliveries()
	if err != nil {
		log.Fatal(err)
	}
	if recovered > 0 {
		log.Println("WARN|RECOVERED|INTERRUPTED", recovered)
	}

	unitPrice, err := decimal.NewFromString(cfg.UnitPrice)
	if err != nil {
		log.Fatal(err)
	}

	e := gin.Default()
	var r = router.Router{
		ProcessInterval: cfg.ProcessInterval,
		Gateway:         ctrl,
		Pi:              piClient,
		UnitPrice:       unitPrice,
		Payee:           cfg.PayeeWallet,
		MaxPerRequest:   cfg.MaxPerRequest,
		Base:            e.Group("/api"),
	}
	r.Register()

	err = e.Run(cfg.ListenAddress)
	if err != nil {
		log.Fatal(err)
	}
}
