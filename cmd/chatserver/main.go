package main

import (
	"flag"
	"log"
	"time"

	"github.com/kestrelnet/rdtp/chat"
	"github.com/kestrelnet/rdtp/config"
	"github.com/kestrelnet/rdtp/lib"
)

func main() {
	serviceAddr := flag.String("addr", "", "Address to listen on (overrides config)")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig("config.yaml")
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	addr := config.AppConfig.ServerAddr
	if *serviceAddr != "" {
		addr = *serviceAddr
	}

	coreConfig := &lib.CoreConfig{
		PayloadPoolSize: config.AppConfig.PayloadPoolSize,
		MaxPayloadSize:  config.AppConfig.MaxPayloadSize,
		IdleTimeout:     time.Duration(config.AppConfig.IdleTimeoutSec) * time.Second,
		PoolDebug:       config.AppConfig.PoolDebug,
		LossProfile:     config.AppConfig.LossProfile,
		LossRate:        config.AppConfig.LossRate,
		BurstRate:       config.AppConfig.BurstRate,
		LossSeed:        config.AppConfig.LossSeed,
	}
	core, err := lib.NewCore(coreConfig)
	if err != nil {
		log.Println(err)
		return
	}
	defer core.Close()

	connConfig := &lib.ConnectionConfig{
		WindowSize:        config.AppConfig.WindowSize,
		ResendTimeout:     time.Duration(config.AppConfig.ResendTimeoutMs) * time.Millisecond,
		MaxPayloadSize:    config.AppConfig.MaxPayloadSize,
		InitialRecvWindow: config.AppConfig.InitialRecvWindow,
		HandshakeRetries:  config.AppConfig.HandshakeRetries,
		MaxResendCount:    config.AppConfig.MaxResendCount,
		TeardownTimeout:   time.Duration(config.AppConfig.TeardownTimeoutMs) * time.Millisecond,
	}
	srv, err := core.Listen(addr, connConfig)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}

	log.Println("Chat server listening on", srv.Addr())
	log.Println("Press Ctrl+C to stop.")

	server := chat.NewServer()
	if err := server.Serve(srv); err != nil {
		log.Println("Chat server stopped:", err)
		return
	}
	log.Println("Chat server shut down.")
}
