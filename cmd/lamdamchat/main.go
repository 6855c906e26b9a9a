package main

import (
	"flag"
	"fmt"
	"os"

	"LamdamChat/internal/chatbot"
	"LamdamChat/internal/config"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	var (
		configPath     string
		debug          bool
		initialMessage string
		endpoint       string
	)

	flag.StringVar(&configPath, "config", "", "Path to config file (default ~/.lamdamchat/config.toml)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&initialMessage, "initial-message", "", "Pre-fill the input of a new conversation")
	flag.StringVar(&endpoint, "endpoint", "", "Default completion server base URL")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// flags win over the config file and the environment
	if debug {
		cfg.Debug = true
	}
	if initialMessage != "" {
		cfg.Session.InitialMessage = initialMessage
	}
	if endpoint != "" {
		cfg.Endpoint.BaseURL = endpoint
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
