package lib

import (
	"log"
	"os"
	"testing"
)

// testCore backs every test in this package: one payload pool, shared by
// unit tests that need chunks and by the loopback end-to-end tests.
var testCore *Core

func TestMain(m *testing.M) {
	var err error
	testCore, err = NewCore(&CoreConfig{
		PayloadPoolSize: 500,
		MaxPayloadSize:  DefaultMaxPayloadSize,
	})
	if err != nil {
		log.Fatalln("test core setup failed:", err)
	}

	code := m.Run()
	testCore.Close()
	os.Exit(code)
}
