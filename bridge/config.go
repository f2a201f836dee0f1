package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/env"
	"code.linksmart.eu/dt/serial-bridge/bridge/mqtt"
	"code.linksmart.eu/dt/serial-bridge/bridge/storage"
	"code.linksmart.eu/dt/serial-bridge/bridge/zeromq"
	"gopkg.in/yaml.v2"
)

const (
	EnvConfigFile     = "CONFIG_FILE"
	EnvHTTPPort       = "HTTP_PORT"
	EnvWebsocketPort  = "WEBSOCKET_PORT"
	EnvUpstreamHost   = "RFC2217_HOST"
	EnvUpstreamPort   = "RFC2217_PORT"
	EnvReconnectDelay = "RECONNECT_DELAY"
	EnvStorage        = "STORAGE"
	EnvDatabasePath   = "DATABASE_PATH"
	EnvBackupDir      = "BACKUP_DIR"
	EnvBackupCompress = "BACKUP_COMPRESS"
	EnvElasticURL     = "ELASTIC_URL"
	EnvUIDir          = "UI_DIR"
	EnvLEDKeywords    = "LED_KEYWORDS"
	EnvMQTTBroker     = "MQTT_BROKER"
	EnvMQTTPrefix     = "MQTT_TOPIC_PREFIX"
	EnvZeroMQPub      = "ZEROMQ_PUB"
	EnvZeroMQSub      = "ZEROMQ_SUB"
	EnvLogFile        = "LOG_FILE"

	DefaultConfigFile = "config.yml"
)

type upstream struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// seconds between connection attempts
	ReconnectDelay int `yaml:"reconnectDelay"`
}

type config struct {
	HTTPPort      int            `yaml:"httpPort"`
	WebsocketPort int            `yaml:"websocketPort"`
	Upstream      upstream       `yaml:"upstream"`
	Storage       storage.Config `yaml:"storage"`
	UIDir         string         `yaml:"uiDir"`
	LEDKeywords   []string       `yaml:"ledKeywords"`
	MQTT          mqtt.Config    `yaml:"mqtt"`
	ZeroMQ        zeromq.Config  `yaml:"zeromq"`
	LogFile       string         `yaml:"logFile"`
}

func defaultConf() *config {
	return &config{
		HTTPPort:      5000,
		WebsocketPort: 8765,
		Upstream: upstream{
			Host:           "localhost",
			Port:           4000,
			ReconnectDelay: 5,
		},
		Storage: storage.Config{
			Backend:      storage.BackendSQLite,
			DatabasePath: "data/events.db",
			ElasticURL:   "http://localhost:9200",
		},
		UIDir:       "ui",
		LEDKeywords: []string{"LED1", "LED2", "TOGGLE_1", "TOGGLE_2"},
		MQTT: mqtt.Config{
			TopicPrefix: "serial-bridge",
		},
	}
}

// loadConf reads the config file, if any, and then applies env variables
func loadConf() (*config, error) {
	c := defaultConf()

	path := env.String(EnvConfigFile, DefaultConfigFile)
	b, err := ioutil.ReadFile(path)
	if err != nil {
		// only an explicitly set file must exist
		if !os.IsNotExist(err) || os.Getenv(EnvConfigFile) != "" {
			return nil, fmt.Errorf("error reading config file: %s", err)
		}
	} else {
		err = yaml.Unmarshal(b, c)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %s", err)
		}
		log.Println("Loaded config file:", path)
	}

	for key, dest := range map[string]*int{
		EnvHTTPPort:       &c.HTTPPort,
		EnvWebsocketPort:  &c.WebsocketPort,
		EnvUpstreamPort:   &c.Upstream.Port,
		EnvReconnectDelay: &c.Upstream.ReconnectDelay,
	} {
		*dest, err = env.Int(key, *dest)
		if err != nil {
			return nil, fmt.Errorf("error parsing %s: %s", key, err)
		}
	}

	c.Upstream.Host = env.String(EnvUpstreamHost, c.Upstream.Host)
	c.Storage.Backend = env.String(EnvStorage, c.Storage.Backend)
	c.Storage.DatabasePath = env.String(EnvDatabasePath, c.Storage.DatabasePath)
	c.Storage.BackupDir = env.String(EnvBackupDir, c.Storage.BackupDir)
	if os.Getenv(EnvBackupCompress) != "" {
		c.Storage.CompressBackup = env.Eval(EnvBackupCompress)
	}
	c.Storage.ElasticURL = env.String(EnvElasticURL, c.Storage.ElasticURL)
	c.UIDir = env.String(EnvUIDir, c.UIDir)
	c.MQTT.Broker = env.String(EnvMQTTBroker, c.MQTT.Broker)
	c.MQTT.TopicPrefix = env.String(EnvMQTTPrefix, c.MQTT.TopicPrefix)
	c.ZeroMQ.PubEndpoint = env.String(EnvZeroMQPub, c.ZeroMQ.PubEndpoint)
	c.ZeroMQ.SubEndpoint = env.String(EnvZeroMQSub, c.ZeroMQ.SubEndpoint)
	c.LogFile = env.String(EnvLogFile, c.LogFile)

	if keywords := os.Getenv(EnvLEDKeywords); keywords != "" {
		c.LEDKeywords = splitList(keywords)
	}

	return c, c.validate()
}

func (c *config) validate() error {
	for name, port := range map[string]int{
		EnvHTTPPort:      c.HTTPPort,
		EnvWebsocketPort: c.WebsocketPort,
		EnvUpstreamPort:  c.Upstream.Port,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s is out of range: %d", name, port)
		}
	}
	if c.Upstream.Host == "" {
		return fmt.Errorf("%s is not set", EnvUpstreamHost)
	}
	if c.Upstream.ReconnectDelay < 1 {
		return fmt.Errorf("%s must be positive", EnvReconnectDelay)
	}
	switch c.Storage.Backend {
	case storage.BackendSQLite, storage.BackendElastic:
	default:
		return fmt.Errorf("%s has invalid value: %s", EnvStorage, c.Storage.Backend)
	}
	if (c.ZeroMQ.PubEndpoint == "") != (c.ZeroMQ.SubEndpoint == "") {
		return fmt.Errorf("both %s and %s must be set", EnvZeroMQPub, EnvZeroMQSub)
	}
	return nil
}

func (c *config) upstreamAddr() string {
	return net.JoinHostPort(c.Upstream.Host, strconv.Itoa(c.Upstream.Port))
}

func (c *config) reconnectDelay() time.Duration {
	return time.Duration(c.Upstream.ReconnectDelay) * time.Second
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
