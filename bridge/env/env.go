// Package env loads the environment file and evaluates common switches
package env

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	_debug          = "DEBUG"            // print debug messages
	_verbose        = "VERBOSE"          // print file and line number in logs
	_disableLogTime = "DISABLE_LOG_TIME" // disable timestamp in logs
	_envFile        = "./.env"           // path to environment variables file
)

var (
	Debug         = false
	Verbose       = false
	LogTimestamps = true
)

// Eval returns the boolean value of the env variable with the given key
func Eval(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true"
}

// String returns the value of the env variable or the fallback when it is unset
func String(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// Int parses the env variable as an integer. Unset variables return the fallback.
func Int(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// Load reads the env file (if any) and refreshes the switches
func Load() {
	err := godotenv.Load(_envFile)
	if err == nil {
		log.Println("Loaded environment file:", _envFile)
	}

	Debug = Eval(_debug)
	Verbose = Eval(_verbose)
	LogTimestamps = !Eval(_disableLogTime)
}

func init() {
	Load()
}
