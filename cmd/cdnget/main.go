package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	audiocdn "github.com/devgianlu/go-audiocdn"
	"github.com/devgianlu/go-audiocdn/cdn"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type Config struct {
	LogLevel     string `koanf:"log_level"`
	ResolveUrl   string `koanf:"resolve_url"`
	HeadFilesUrl string `koanf:"head_files_url"`

	FileId  string `koanf:"file_id"`
	Key     string `koanf:"key"`
	Url     string `koanf:"url"`
	Episode bool   `koanf:"episode"`

	Output string `koanf:"output"`
}

func loadConfig(cfg *Config) error {
	f := pflag.NewFlagSet("cdnget", pflag.ExitOnError)
	f.String("config_path", "config.yml", "the configuration file path")
	f.String("log_level", "", "the log level")
	f.String("resolve_url", "", "the storage resolve endpoint base url")
	f.String("head_files_url", "", "the head files endpoint template")
	f.String("file_id", "", "the hex file id (or episode gid) to download")
	f.String("key", "", "the hex aes key for the file")
	f.String("url", "", "a cdn url to download from directly, skips resolving")
	f.Bool("episode", false, "treat the target as an unencrypted external episode")
	f.String("output", "", "the output file path")
	_ = f.Parse(os.Args[1:])

	k := koanf.New(".")

	_ = k.Load(confmap.Provider(map[string]interface{}{
		"log_level": "info",
	}, "."), nil)

	configPath, _ := f.GetString("config_path")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed loading config file: %w", err)
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return fmt.Errorf("failed loading config flags: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("failed unmarshalling config: %w", err)
	}

	return nil
}

type logHaltListener struct {
	log audiocdn.Logger
}

func (l logHaltListener) StreamReadHalted(chunk int, elapsed time.Duration) {
	l.log.Warnf("read halted on chunk %d after %dms", chunk, elapsed.Milliseconds())
}

func (l logHaltListener) StreamReadResumed(chunk int, elapsed time.Duration) {
	l.log.Infof("read resumed on chunk %d after %dms", chunk, elapsed.Milliseconds())
}

func main() {
	var cfg Config
	if err := loadConfig(&cfg); err != nil {
		log.WithError(err).Fatal("failed loading configuration")
	}

	logLevel, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	}
	log.SetLevel(logLevel)

	logger := LogrusAdapter{log.NewEntry(log.StandardLogger())}

	if len(cfg.FileId) == 0 {
		log.Fatal("a file id is required")
	} else if len(cfg.Output) == 0 {
		log.Fatal("an output path is required")
	}

	fileId, err := hex.DecodeString(cfg.FileId)
	if err != nil {
		log.WithError(err).Fatalf("invalid file id: %s", cfg.FileId)
	}

	manager, err := cdn.NewManager(cdn.ManagerOptions{
		Log:            logger,
		ResolveBaseUrl: cfg.ResolveUrl,
		HeadFilesUrl:   cfg.HeadFilesUrl,
	})
	if err != nil {
		log.WithError(err).Fatal("failed creating cdn manager")
	}

	ctx := context.Background()

	cdnUrl := cfg.Url
	if len(cdnUrl) == 0 && !cfg.Episode {
		cdnUrl, err = manager.ResolveAudioUrl(ctx, fileId)
		if err != nil {
			log.WithError(err).Fatal("failed resolving cdn url")
		}
	} else if len(cdnUrl) == 0 {
		log.Fatal("a url is required for external episodes")
	}

	var key []byte
	if !cfg.Episode {
		key, err = hex.DecodeString(cfg.Key)
		if err != nil {
			log.WithError(err).Fatal("invalid aes key")
		}
	}

	// retrying the open is our concern, the streamer never retries on its own
	var streamer *cdn.Streamer
	err = backoff.Retry(func() error {
		var err error
		if cfg.Episode {
			streamer, err = manager.StreamExternalEpisode(ctx, fileId, cdnUrl, logHaltListener{logger})
		} else {
			streamer, err = manager.StreamFile(ctx, fileId, key, cdnUrl, logHaltListener{logger})
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	if err != nil {
		log.WithError(err).Fatal("failed opening stream")
	}

	stream := streamer.Stream()
	defer func() { _ = stream.Close() }()

	out, err := os.Create(cfg.Output)
	if err != nil {
		log.WithError(err).Fatalf("failed creating output file: %s", cfg.Output)
	}
	defer func() { _ = out.Close() }()

	n, err := io.Copy(out, stream)
	if err != nil {
		log.WithError(err).Fatalf("failed downloading %s", streamer.Describe())
	}

	log.Infof("downloaded %d bytes (%s), avg decrypt time: %dms", n, streamer.Describe(), streamer.DecryptTimeMs())
}
