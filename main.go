package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/rglonek/logger"
	"gopkg.in/yaml.v3"

	"sip-call-interceptor/pkg/callinterceptor"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env file: %v", err)
	}

	configPath := flag.String("config", os.Getenv("SIP_CALL_INTERCEPTOR_CONFIG"), "path to config file")
	flag.Parse()
	if *configPath == "" {
		log.Fatal("--config parameter is required")
	}
	configData, err := os.ReadFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}
	cfg, err := callinterceptor.ParseConfig(configData)
	if err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}
	if p := os.Getenv("SIP_PASSWORD"); p != "" {
		cfg.SetPassword(p)
	}
	if k := os.Getenv("ORACLE_API_KEY"); k != "" {
		cfg.SetOracleAPIKey(k)
	}
	configYaml, err := yaml.Marshal(cfg)
	if err != nil {
		log.Fatalf("Failed to marshal config: %v", err)
	}
	log.Printf("Loaded config:\n%s", string(configYaml))

	l := logger.NewLogger()
	l.SetLogLevel(logger.LogLevel(cfg.LogLevel))
	l.MillisecondLogging(true)
	if err := callinterceptor.Run(cfg, l); err != nil {
		l.Critical(err.Error())
	}
}
