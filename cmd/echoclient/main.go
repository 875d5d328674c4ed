package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelnet/rdtp/config"
	"github.com/kestrelnet/rdtp/lib"
)

func main() {
	serverAddr := flag.String("server", "", "Server address (overrides config)")
	localAddr := flag.String("local", "", "Local address (empty for ephemeral port)")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig("config.yaml")
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	addr := config.AppConfig.ServerAddr
	if *serverAddr != "" {
		addr = *serverAddr
	}

	core, err := lib.NewCore(coreConfigFromApp())
	if err != nil {
		log.Println(err)
		return
	}
	defer core.Close()

	connConfig := connConfigFromApp()

	reconnectCfg := lib.DefaultReconnectConfig()
	reconnectCfg.OnReconnect = func() {
		log.Println("[RECONNECT] Successfully reconnected to echo server")
	}
	reconnectCfg.OnFinalFailure = func(err error) {
		log.Printf("[RECONNECT] Failed to reconnect after all retries: %v\n", err)
	}
	reconnector := lib.NewReconnector(core, *localAddr, addr, connConfig, reconnectCfg)

	conn, err := core.Dial(*localAddr, addr, connConfig)
	if err != nil {
		fmt.Println("Error connecting:", err)
		return
	}
	reconnector.SetConnection(conn)

	fmt.Println("Echo client connected to server!")
	fmt.Printf("Sending packets at %v interval (press Ctrl+C to exit)...\n", *packetInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-sigChan
		close(done)
	}()

	buffer := make([]byte, lib.DefaultMaxPayloadSize)
	successCount := 0
	failureCount := 0
	packetCount := 0

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-done:
			break loop
		case <-ticker.C:
			packetCount++
			message := fmt.Sprintf("Echo message %d", packetCount)

			currentConn := reconnector.GetConnection()
			log.Printf("[%d] Sending: %s\n", packetCount, message)
			_, err := currentConn.Write([]byte(message))
			if err == lib.ErrWindowFull {
				log.Println("Send window full, will retry on next tick")
				continue
			}
			if err != nil {
				failureCount++
				if !reconnector.HandleError(err) {
					break loop
				}
				continue
			}

			n, err := currentConn.Read(buffer)
			if err != nil {
				failureCount++
				if !reconnector.HandleError(err) {
					break loop
				}
				continue
			}
			successCount++
			log.Printf("[%d] Received: %s\n", packetCount, string(buffer[:n]))
		}
	}

	conn = reconnector.GetConnection()
	snap := conn.Metrics()
	conn.Close()

	fmt.Printf("\nSent: %d, Echoed: %d, Failed: %d\n", packetCount, successCount, failureCount)
	fmt.Printf("Retransmissions: %d, AvgRTT: %v, P95RTT: %v, Goodput: %.0f bps\n",
		snap.Retransmissions, snap.AvgRTT, snap.P95RTT, snap.GoodputBps)
}

func coreConfigFromApp() *lib.CoreConfig {
	return &lib.CoreConfig{
		PayloadPoolSize: config.AppConfig.PayloadPoolSize,
		MaxPayloadSize:  config.AppConfig.MaxPayloadSize,
		IdleTimeout:     time.Duration(config.AppConfig.IdleTimeoutSec) * time.Second,
		PoolDebug:       config.AppConfig.PoolDebug,
		LossProfile:     config.AppConfig.LossProfile,
		LossRate:        config.AppConfig.LossRate,
		BurstRate:       config.AppConfig.BurstRate,
		LossSeed:        config.AppConfig.LossSeed,
	}
}

func connConfigFromApp() *lib.ConnectionConfig {
	return &lib.ConnectionConfig{
		WindowSize:        config.AppConfig.WindowSize,
		ResendTimeout:     time.Duration(config.AppConfig.ResendTimeoutMs) * time.Millisecond,
		MaxPayloadSize:    config.AppConfig.MaxPayloadSize,
		InitialRecvWindow: config.AppConfig.InitialRecvWindow,
		HandshakeRetries:  config.AppConfig.HandshakeRetries,
		MaxResendCount:    config.AppConfig.MaxResendCount,
		TeardownTimeout:   time.Duration(config.AppConfig.TeardownTimeoutMs) * time.Millisecond,
	}
}
