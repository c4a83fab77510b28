package config

import (
	"os"
	"strconv"
)

type Config struct {
	DatabasePath  string
	ServerAddress string
	JWTSecret     string
	WSToken       string
	Timezone      string
	DefaultPrice  float64
	MQTTBroker    string
	MQTTUsername  string
	MQTTPassword  string
}

func Load() *Config {
	return &Config{
		DatabasePath:  getEnv("DATABASE_PATH", "./ocpp-cs.db"),
		ServerAddress: getEnv("SERVER_ADDRESS", ":9000"),
		JWTSecret:     getEnv("JWT_SECRET", "ocpp-cs-secret-change-in-production"),
		WSToken:       getEnv("WS_TOKEN", ""),
		Timezone:      getEnv("TIMEZONE", "Asia/Taipei"),
		DefaultPrice:  getEnvFloat("DEFAULT_PRICE", 6.0),
		MQTTBroker:    getEnv("MQTT_BROKER", ""),
		MQTTUsername:  getEnv("MQTT_USERNAME", ""),
		MQTTPassword:  getEnv("MQTT_PASSWORD", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
