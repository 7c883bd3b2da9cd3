// Package main provides p2pnode, a small node that accepts and dials secure
// multiplexed connections and serves an echo protocol over them.
//
// Usage:
//
//	p2pnode keygen [--identity path] [--force]
//	p2pnode listen [--config file] [--listen addr] [--metrics addr]
//	p2pnode dial   [--config file] [--peer id] [--message text] <addr>
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/p2pconn/config"
	"github.com/opd-ai/p2pconn/crypto"
	"github.com/opd-ai/p2pconn/upgrader"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(os.Args[2:])
	case "listen":
		err = runListen(os.Args[2:])
	case "dial":
		err = runDial(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("p2pnode - secure connection upgrade node")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  keygen   generate an identity key")
	fmt.Println("  listen   accept connections and serve " + EchoProtocol)
	fmt.Println("  dial     connect to a node and send an echo message")
	fmt.Println()
	fmt.Printf("Run '%s <command> --help' for command options.\n", os.Args[0])
}

// commonFlags are shared by listen and dial.
type commonFlags struct {
	configPath string
	identity   string
	logLevel   string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "YAML config file")
	fs.StringVar(&c.identity, "identity", "", "identity key file (overrides config)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level (overrides config)")
}

// load reads the config file if one was given, then applies environment
// and flag overrides in that order.
func (c *commonFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if c.identity != "" {
		cfg.IdentityPath = c.identity
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := cfg.Level()
	logrus.SetLevel(lvl)
	return cfg, nil
}

func runKeygen(args []string) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	path := fs.String("identity", config.Default().IdentityPath, "where to write the identity key")
	force := fs.Bool("force", false, "overwrite an existing key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	id, err := keygen(*path, *force)
	if err != nil {
		return err
	}
	fmt.Println(id.ID().String())
	return nil
}

func keygen(path string, force bool) (*crypto.Identity, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	id, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.SaveIdentity(path); err != nil {
		return nil, err
	}
	return id, nil
}

func runListen(args []string) error {
	fs := pflag.NewFlagSet("listen", pflag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	listenAddr := fs.StringP("listen", "l", "", "TCP address to listen on (overrides config)")
	metricsAddr := fs.String("metrics", "", "HTTP address for /metrics (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	identity, err := loadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return err
	}
	n, err := newNode(cfg, identity)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, n)
}

// serve runs the listener and the optional metrics endpoint until ctx ends.
func serve(ctx context.Context, n *node) error {
	err := n.listen(func(c *upgrader.Connection) {
		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"peer":     c.RemotePeer().String(),
			"muxer":    c.MuxerProtocol(),
			"early":    c.UsedEarlyMuxerNegotiation(),
		}).Info("Peer connected")
	})
	if err != nil {
		return err
	}
	fmt.Printf("Listening on %s as %s\n", n.transport.LocalAddr(), n.identity.ID())

	g, ctx := errgroup.WithContext(ctx)
	if n.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              n.cfg.MetricsAddr,
			Handler:           metricsHandler(n),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return n.Close()
	})
	return g.Wait()
}

func metricsHandler(n *node) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	return mux
}

func runDial(args []string) error {
	fs := pflag.NewFlagSet("dial", pflag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	peerFlag := fs.StringP("peer", "p", "", "expected remote peer ID")
	message := fs.StringP("message", "m", "hello", "message to echo")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("dial needs exactly one address")
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	var remote peer.ID
	if *peerFlag != "" {
		if remote, err = peer.Decode(*peerFlag); err != nil {
			return fmt.Errorf("invalid peer ID: %w", err)
		}
	}

	identity, err := loadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return err
	}
	n, err := newNode(cfg, identity)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.UpgradeTimeout)
	defer cancel()

	if len(*message) > maxEchoMessage {
		return fmt.Errorf("--message: %w", ErrEchoTooLarge)
	}
	reply, conn, err := n.echo(ctx, fs.Arg(0), remote, []byte(*message))
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("%s via %s (early muxer: %v): %s\n", conn.RemotePeer(), conn.MuxerProtocol(), conn.UsedEarlyMuxerNegotiation(), reply)
	return nil
}
