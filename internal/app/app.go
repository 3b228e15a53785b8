// Package app contains the top-level orchestration: it turns a Config into a
// running channel with its adapter and traffic reporter.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/filetunnel/internal/adapter"
	"github.com/1ureka/filetunnel/internal/channel"
	"github.com/1ureka/filetunnel/internal/config"
	"github.com/1ureka/filetunnel/internal/fileaccess"
	"github.com/1ureka/filetunnel/internal/relay"
	"github.com/1ureka/filetunnel/internal/util"
)

// Run orchestrates the full tunnel lifecycle:
//  1. Build the backend and channel variant
//  2. Start the traffic reporter
//  3. Run the channel pumps and the adapter
//  4. Release backend connections on shutdown
//
// It blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	ch, closeBackend, err := NewChannel(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBackend(); err != nil {
			util.LogWarning("closing backend: %v", err)
		}
	}()

	adOpts, err := cfg.AdapterOptions()
	if err != nil {
		return err
	}
	ad := adapter.New(ch, adOpts)

	ch.OnOnlineStatusChanged(func(online bool) {
		if online {
			util.LogSuccess("[%s] peer online, RTT %v", ch.Name(), ch.RTT())
		} else {
			util.LogWarning("[%s] peer offline", ch.Name())
		}
	})
	ch.OnSessionChanged(func() {
		util.LogWarning("[%s] peer restarted, connections reset", ch.Name())
	})

	util.StartStatsReporter(ctx, cfg.Name, ch.Stats(), cfg.StatsInterval)
	util.LogInfo("[%s] %s channel on %s backend: writing %s, reading %s",
		cfg.Name, cfg.Variant, cfg.Backend, cfg.WriteName, cfg.ReadName)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ch.Run(ctx) })
	g.Go(func() error { return ad.Run(ctx) })
	return g.Wait()
}

// NewChannel builds the channel variant and backend cfg names. The returned
// function releases any backend connection.
func NewChannel(cfg *config.Config) (*channel.Channel, func() error, error) {
	opts := cfg.ChannelOptions()
	noop := func() error { return nil }

	var (
		fa      fileaccess.FileAccess
		release = noop
	)

	switch cfg.Backend {
	case config.BackendLocal:
		info, err := os.Stat(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("shared directory: %w", err)
		}
		if !info.IsDir() {
			return nil, nil, fmt.Errorf("shared directory %s is not a directory", cfg.Dir)
		}
		local := fileaccess.NewLocal(cfg.Dir)
		if cfg.Variant == config.VariantReusable {
			return channel.NewReusableFile(opts, local, cfg.WriteName, cfg.ReadName), noop, nil
		}
		fa = local

	case config.BackendFTP:
		f := fileaccess.NewFTP(fileaccess.FTPConfig{
			Addr:     cfg.FTP.Addr,
			User:     cfg.FTP.User,
			Password: cfg.FTP.Password,
			Dir:      cfg.FTP.Dir,
			Timeout:  cfg.Timeout,
		})
		fa, release = f, f.Close

	case config.BackendRelay:
		c, err := relay.NewClient(cfg.Relay.URL, cfg.Relay.PIN, cfg.Timeout)
		if err != nil {
			return nil, nil, err
		}
		fa, release = c, c.Close

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	switch cfg.Variant {
	case config.VariantUploadDownload:
		return channel.NewUploadDownload(opts, fa, cfg.WriteName, cfg.ReadName), release, nil
	case config.VariantWriteWait:
		return channel.NewWriteWait(opts, fa, cfg.WriteName, cfg.ReadName), release, nil
	case config.VariantReusable:
		return nil, nil, errors.Join(
			fmt.Errorf("variant %s needs the local backend", cfg.Variant),
			release(),
		)
	default:
		return nil, nil, errors.Join(
			fmt.Errorf("unknown variant %q", cfg.Variant),
			release(),
		)
	}
}
