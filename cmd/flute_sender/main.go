// flute_sender multicasts the files listed in its YAML config over one
// FLUTE session and exits once everything has been delivered.
package main

import (
	"flag"
	"os"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/oti"
	"github.com/idlab-discover/5GBDash/pkg/transmitter"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

type appConfig struct {
	Sender senderConfig `yaml:"sender"`
}

type senderConfig struct {
	Network networkConfig `yaml:"network"`
	Flute   fluteConfig   `yaml:"flute"`
	Files   []fileConfig  `yaml:"files"`
	Logging loggingConfig `yaml:"logging"`
}

type networkConfig struct {
	Destination string `yaml:"destination"`
	Port        uint16 `yaml:"port"`
	Mtu         uint   `yaml:"mtu"`
}

type fluteConfig struct {
	Tsi               uint16 `yaml:"tsi"`
	Fec               string `yaml:"fec"` // "no_code" | "raptor" | "reed_solomon_gf28"
	RateLimitKbps     uint32 `yaml:"rate_limit_kbps"`
	FdtRepeatSeconds  uint   `yaml:"fdt_repeat_seconds"`
	ExpiresInSeconds  uint64 `yaml:"expires_in_seconds"`
	DeadlineInMillis  uint64 `yaml:"deadline_in_millis"`
	RemoveAfterSend   bool   `yaml:"remove_after_send"`
}

type fileConfig struct {
	Path        string `yaml:"path"`
	ContentType string `yaml:"content_type"`
}

type loggingConfig struct {
	Level string `yaml:"level"`
}

func loadConfig(p string) (*appConfig, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var cfg appConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func schemeFromName(name string) oti.FecScheme {
	switch name {
	case "raptor":
		return oti.Raptor
	case "reed_solomon_gf28":
		return oti.ReedSolomonGF28
	default:
		return oti.CompactNoCode
	}
}

func main() {
	configPath := flag.String("config", "sender.yaml", "path to the sender config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.Sender.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("process", "flute_sender")

	dest := cfg.Sender.Network.Destination
	if dest == "" {
		dest = transport.DefaultMulticastGroup
	}
	port := cfg.Sender.Network.Port
	if port == 0 {
		port = transport.DefaultPort
	}
	endpoint := transport.NewUDPEndpoint("", dest, port)

	conn, err := endpoint.DialSend()
	if err != nil {
		log.WithError(err).Fatal("failed to open socket")
	}
	defer conn.Close()

	mets := metrics.New()
	tx, err := transmitter.New(conn, transmitter.Config{
		Endpoint:          endpoint,
		Tsi:               cfg.Sender.Flute.Tsi,
		Mtu:               cfg.Sender.Network.Mtu,
		RateLimitKbps:     cfg.Sender.Flute.RateLimitKbps,
		Scheme:            schemeFromName(cfg.Sender.Flute.Fec),
		FdtRepeatInterval: time.Duration(cfg.Sender.Flute.FdtRepeatSeconds) * time.Second,
	}, mets)
	if err != nil {
		log.WithError(err).Fatal("failed to create transmitter")
	}

	tx.SetStopWhenDone(true)
	tx.SetRemoveAfterTransmission(cfg.Sender.Flute.RemoveAfterSend)
	tx.RegisterCompletionCallback(func(toi uint32) {
		log.Infof("TOI %d transmitted", toi)
	})

	// Buffers stay alive in this slice until the completion callbacks have
	// fired; the transmitter references them without copy.
	buffers := make([][]byte, 0, len(cfg.Sender.Files))

	expires := uint64(time.Now().Unix()) + cfg.Sender.Flute.ExpiresInSeconds
	var deadline uint64
	if cfg.Sender.Flute.DeadlineInMillis > 0 {
		deadline = uint64(time.Now().UnixMilli()) + cfg.Sender.Flute.DeadlineInMillis
	}

	tx.Start()
	for _, file := range cfg.Sender.Files {
		data, err := os.ReadFile(file.Path)
		if err != nil {
			log.WithError(err).Errorf("skipping %s", file.Path)
			continue
		}
		buffers = append(buffers, data)

		toi, err := tx.Send(path.Base(file.Path), file.ContentType, expires, deadline, data)
		if err != nil {
			log.WithError(err).Errorf("failed to queue %s", file.Path)
			continue
		}
		log.Infof("queued %s as TOI %d (%d bytes)", file.Path, toi, len(data))
	}

	<-tx.Done()
	tx.Stop()
	_ = buffers
}
