// flute_receiver joins a FLUTE session, writes every completed object to
// disk and recovers missing symbols over the unicast channel when one is
// configured.
package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/idlab-discover/5GBDash/pkg/metrics"
	"github.com/idlab-discover/5GBDash/pkg/object"
	"github.com/idlab-discover/5GBDash/pkg/receiver"
	"github.com/idlab-discover/5GBDash/pkg/transport"
)

type appConfig struct {
	Receiver receiverConfig `yaml:"receiver"`
}

type receiverConfig struct {
	Network networkConfig `yaml:"network"`
	Flute   fluteConfig   `yaml:"flute"`
	Storage storageConfig `yaml:"storage"`
	Logging loggingConfig `yaml:"logging"`
}

type networkConfig struct {
	Group string `yaml:"group"`
	Port  uint16 `yaml:"port"`
}

type fluteConfig struct {
	Tsi            uint16 `yaml:"tsi"`
	RetrievalURL   string `yaml:"retrieval_url"`
	MaxFileAgeSecs uint   `yaml:"max_file_age_seconds"`
}

type storageConfig struct {
	SaveDir string `yaml:"save_dir"`
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

func main() {
	configPath := flag.String("config", "receiver.yaml", "path to the receiver config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.Receiver.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("process", "flute_receiver")

	group := cfg.Receiver.Network.Group
	if group == "" {
		group = transport.DefaultMulticastGroup
	}
	port := cfg.Receiver.Network.Port
	if port == 0 {
		port = transport.DefaultPort
	}
	endpoint := transport.NewUDPEndpoint("", group, port)

	conn, err := endpoint.ListenReceive()
	if err != nil {
		log.WithError(err).Fatal("failed to open socket")
	}

	saveDir := cfg.Receiver.Storage.SaveDir
	if saveDir == "" {
		saveDir = "received_files"
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create save directory")
	}

	mets := metrics.New()
	rx, err := receiver.New(conn, receiver.Config{
		Tsi:          cfg.Receiver.Flute.Tsi,
		RetrievalURL: cfg.Receiver.Flute.RetrievalURL,
		MaxFileAge:   time.Duration(cfg.Receiver.Flute.MaxFileAgeSecs) * time.Second,
	}, mets)
	if err != nil {
		log.WithError(err).Fatal("failed to create receiver")
	}

	rx.RegisterCompletionCallback(func(file object.Object) {
		meta := file.Meta()
		name := filepath.Base(meta.ContentLocation)
		if name == "" || name == "." {
			name = "object"
		}
		target := filepath.Join(saveDir, name)
		if err := os.WriteFile(target, file.Buffer(), 0o644); err != nil {
			log.WithError(err).Errorf("failed to store %s", target)
			return
		}
		log.Infof("completed TOI %d: %s (%d bytes)", meta.Toi, target, file.Length())
	})

	rx.Start()
	log.Infof("listening on %s:%d (TSI %d)", group, port, cfg.Receiver.Flute.Tsi)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	rx.Stop()
}
