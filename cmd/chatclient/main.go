package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/kestrelnet/rdtp/config"
	"github.com/kestrelnet/rdtp/lib"
)

func main() {
	serverAddr := flag.String("server", "", "Chat server address (overrides config)")
	localAddr := flag.String("local", "", "Local address (empty for ephemeral port)")
	name := flag.String("name", "", "Display name to register on connect")
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
	conn, err := core.Dial(*localAddr, addr, connConfig)
	if err != nil {
		log.Fatalln("Error connecting:", err)
	}
	defer conn.Close()

	fmt.Println("Connected to chat server at", addr)
	fmt.Println("Commands: JOIN <room>, LEAVE <room>, MSG <room> <text>, NAME <name>")

	if *name != "" {
		if err := send(conn, "NAME "+*name); err != nil {
			log.Fatalln("Error registering name:", err)
		}
	}

	// print everything the server pushes at us
	go func() {
		buffer := make([]byte, lib.DefaultMaxPayloadSize)
		for {
			n, err := conn.Read(buffer)
			if err != nil {
				if err == io.EOF {
					fmt.Println("Server closed the connection.")
					os.Exit(0)
				}
				log.Println("Read error:", err)
				return
			}
			fmt.Println(string(buffer[:n]))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := send(conn, line); err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}

// send writes one command, pacing retries while the send window is full.
func send(conn *lib.Connection, line string) error {
	for {
		_, err := conn.Write([]byte(line))
		if err == lib.ErrWindowFull {
			lib.SleepForMs(20)
			continue
		}
		return err
	}
}
