package main

import (
	"flag"
	"io"
	"log"
	"time"

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

	log.Println("Echo server listening on", srv.Addr())

	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Println("Accept error:", err)
			return
		}
		log.Printf("New connection from %s\n", conn.RemoteAddr())
		go handleConn(conn)
	}
}

func handleConn(c *lib.Connection) {
	defer c.Close()
	buf := make([]byte, config.AppConfig.MaxPayloadSize)
	if len(buf) == 0 {
		buf = make([]byte, lib.DefaultMaxPayloadSize)
	}
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Println("Connection closed by client")
				return
			}
			log.Println("Read error:", err)
			return
		}
		log.Printf("Echo server got: %s", string(buf[:n]))
		for {
			_, err = c.Write(buf[:n])
			if err == lib.ErrWindowFull {
				lib.SleepForMs(20)
				continue
			}
			break
		}
		if err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}
