// Command presence-node runs a zentalk presence node: it keeps every connected
// peer informed about which peers are reachable and can deliver one directed
// message on its first connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/taskgroup"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-presence/pkg/api"
	keys "github.com/ZentaChain/zentalk-presence/pkg/crypto"
	"github.com/ZentaChain/zentalk-presence/pkg/network"
	"github.com/ZentaChain/zentalk-presence/pkg/presence"
	"github.com/ZentaChain/zentalk-presence/pkg/telemetry"
)

const (
	defaultPort    = 4001
	defaultKeyPath = "./keys/presence.pem"
)

type options struct {
	port      int
	bootstrap string
	recipient string
	message   string
	keyPath   string
	seed      string
	apiPort   int
	logLevel  string
	dev       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "presence-node",
		Short: "Peer-to-peer presence node",
		Long: `presence-node listens for peers, tells each new connection which peers
it can reach, and announces peers that become unreachable. With --recipient
and --message it sends one directed message over its first connection.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: false,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, &opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.port, "port", defaultPort, "TCP port to listen on")
	f.StringVar(&opts.bootstrap, "bootstrap", "", "multiaddr of a peer to connect to, including its /p2p/ id")
	f.StringVar(&opts.recipient, "recipient", "", "peer id the start-up message is addressed to")
	f.StringVar(&opts.message, "message", "", "start-up message text (requires --recipient)")
	f.StringVar(&opts.keyPath, "key", defaultKeyPath, "identity key file, generated if missing (empty for an ephemeral identity)")
	f.StringVar(&opts.seed, "seed", "", "derive the identity from this seed instead of --key")
	f.IntVar(&opts.apiPort, "api-port", 0, "HTTP status API port (0 disables the API)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.BoolVar(&opts.dev, "dev", false, "human-readable console logging")
	return cmd
}

func (o *options) validate() error {
	if (o.recipient == "") != (o.message == "") {
		return errors.New("--recipient and --message must be given together")
	}
	if o.recipient != "" {
		if _, err := peer.Decode(o.recipient); err != nil {
			return fmt.Errorf("invalid --recipient: %w", err)
		}
	}
	if o.port < 0 || o.port > 65535 {
		return fmt.Errorf("invalid --port %d", o.port)
	}
	if o.apiPort < 0 || o.apiPort > 65535 {
		return fmt.Errorf("invalid --api-port %d", o.apiPort)
	}
	return nil
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	config := zap.NewProductionConfig()
	if dev {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = lvl
	return config.Build()
}

func loadIdentity(o *options, log *zap.Logger) (crypto.PrivKey, error) {
	switch {
	case o.seed != "":
		return keys.DeriveIdentity(o.seed)
	case o.keyPath == "":
		return keys.GenerateIdentity()
	}

	key, created, err := keys.LoadOrGenerateIdentity(o.keyPath)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info("generated new identity", zap.String("path", o.keyPath))
	} else {
		log.Info("loaded identity", zap.String("path", o.keyPath))
	}
	return key, nil
}

func run(ctx context.Context, o *options) error {
	log, err := newLogger(o.logLevel, o.dev)
	if err != nil {
		return err
	}
	defer log.Sync()

	key, err := loadIdentity(o, log)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	config := network.DefaultNodeConfig()
	config.Port = o.port
	config.PrivateKey = key

	node, err := network.NewNode(config, log.Named("node"))
	if err != nil {
		return err
	}
	defer node.Close()

	metrics := telemetry.NewMetrics()
	handlerOpts := []network.HandlerOption{
		network.WithLogger(log.Named("presence")),
		network.WithMetrics(metrics),
	}
	if o.recipient != "" {
		handlerOpts = append(handlerOpts, network.WithPending(presence.Pending{
			Recipient: o.recipient,
			Message:   o.message,
		}))
	}
	handler := network.NewHandler(node, handlerOpts...)

	if err := node.Start(ctx, handler); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	log.Info("presence node ready",
		zap.Stringer("peer", node.LocalPeerID()),
		zap.Stringers("addrs", node.FullAddrs()))

	if o.bootstrap != "" {
		if err := node.Bootstrap(ctx, o.bootstrap); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := taskgroup.New(func(error) { cancel() })

	if o.apiPort != 0 {
		apiConfig := api.DefaultConfig()
		apiConfig.Port = o.apiPort
		server := api.NewServer(node, handler.Table(), metrics, apiConfig, log.Named("api"))
		g.Go(func() error { return server.Start(ctx) })
	}

	<-ctx.Done()
	log.Info("shutting down")
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	return node.Close()
}
