package main

import "strings"

type Settings struct {
	Port        int    `env:"PORT,default=5050"`
	BasePath    string `env:"BASE_PATH,default=/"`
	LogEncoding string `env:"LOG_ENCODING,default=console"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	ConfigFile  string `env:"CONFIG_FILE"`

	LogFile    string `env:"LOG_FILE,default=decoded_messages.log"`
	LogEnabled bool   `env:"LOG_ENABLED,default=false"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE,default=intercept"`

	JWTSecret      string `env:"JWT_SECRET"`
	APIKeys        string `env:"API_KEYS"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	KillStaleOnStart bool `env:"KILL_STALE_ON_START,default=true"`
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}
