package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setEnv sets the variables for the duration of the test
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		old, found := os.LookupEnv(k)
		require.NoError(t, os.Setenv(k, v))
		k := k
		t.Cleanup(func() {
			if found {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestLoadConfDefaults(t *testing.T) {
	setEnv(t, map[string]string{EnvConfigFile: ""})

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	c, err := loadConf()
	require.NoError(t, err)
	assert.Equal(t, 5000, c.HTTPPort)
	assert.Equal(t, 8765, c.WebsocketPort)
	assert.Equal(t, "localhost:4000", c.upstreamAddr())
	assert.Equal(t, 5*time.Second, c.reconnectDelay())
	assert.Equal(t, storage.BackendSQLite, c.Storage.Backend)
	assert.Equal(t, "data/events.db", c.Storage.DatabasePath)
	assert.Equal(t, []string{"LED1", "LED2", "TOGGLE_1", "TOGGLE_2"}, c.LEDKeywords)
	assert.Equal(t, "serial-bridge", c.MQTT.TopicPrefix)
	assert.Empty(t, c.MQTT.Broker)
}

func TestLoadConfFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
httpPort: 8080
upstream:
  host: esp32.local
  port: 2217
storage:
  backend: elastic
  elasticURL: http://elastic:9200
ledKeywords: [LED3]
`), 0600))

	setEnv(t, map[string]string{
		EnvConfigFile:     path,
		EnvUpstreamPort:   "4001",
		EnvReconnectDelay: "2",
		EnvLEDKeywords:    "LED1, ,TOGGLE_1",
	})

	c, err := loadConf()
	require.NoError(t, err)
	assert.Equal(t, 8080, c.HTTPPort)
	assert.Equal(t, "esp32.local:4001", c.upstreamAddr())
	assert.Equal(t, 2*time.Second, c.reconnectDelay())
	assert.Equal(t, storage.BackendElastic, c.Storage.Backend)
	assert.Equal(t, "http://elastic:9200", c.Storage.ElasticURL)
	assert.Equal(t, []string{"LED1", "TOGGLE_1"}, c.LEDKeywords)
}

func TestLoadConfInvalid(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yml")

	for name, vars := range map[string]map[string]string{
		"missing file":    {EnvConfigFile: missing},
		"bad port":        {EnvHTTPPort: "http"},
		"port range":      {EnvWebsocketPort: "70000"},
		"zero delay":      {EnvReconnectDelay: "0"},
		"unknown backend": {EnvStorage: "csv"},
		"half zeromq":     {EnvZeroMQPub: "tcp://*:5556"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, found := vars[EnvConfigFile]; !found {
				vars[EnvConfigFile] = ""
			}
			setEnv(t, vars)
			_, err := loadConf()
			assert.Error(t, err)
		})
	}
}
