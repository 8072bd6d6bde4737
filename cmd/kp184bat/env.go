package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
)

// envDefaults are flag defaults taken from the environment, optionally
// loaded from a .env file.
type envDefaults struct {
	TTY         string
	Socket      string
	Serial      string
	Address     string
	MQTTBroker  string
	MQTTTopic   string
	MetricsAddr string
	LogLevel    string
}

func loadEnv(logger io.Writer) envDefaults {
	envPath := ".env"
	if p := os.Getenv("KP184_ENV_PATH"); p != "" {
		envPath = p
	}
	if err := godotenv.Load(envPath); err != nil {
		fmt.Fprintf(logger, "[DEBUG] no .env file loaded from %s: %v\n", envPath, err)
	} else {
		fmt.Fprintf(logger, "[DEBUG] loaded .env file from %s\n", envPath)
	}

	return envDefaults{
		TTY:         os.Getenv("KP184_TTY"),
		Socket:      os.Getenv("KP184_SOCKET"),
		Serial:      getenv("KP184_SERIAL", "19200,8,N,1"),
		Address:     os.Getenv("KP184_ADDRESS"),
		MQTTBroker:  os.Getenv("KP184_MQTT_BROKER"),
		MQTTTopic:   getenv("KP184_MQTT_TOPIC", "kp184"),
		MetricsAddr: os.Getenv("KP184_METRICS_ADDR"),
		LogLevel:    getenv("KP184_LOG_LEVEL", "WARNING"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
