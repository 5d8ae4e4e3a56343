package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/probelab/netprobe/pkg/bridge"
	"github.com/probelab/netprobe/pkg/broker"
	"github.com/probelab/netprobe/pkg/config"
	"github.com/probelab/netprobe/pkg/log"
	"github.com/probelab/netprobe/pkg/metrics"
	"github.com/probelab/netprobe/pkg/ping"
	"github.com/probelab/netprobe/pkg/registry"
	"github.com/probelab/netprobe/pkg/scanner"
	"github.com/probelab/netprobe/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netprobe",
	Short: "Netprobe - network diagnostic service",
	Long: `Netprobe bundles three network diagnostic engines behind one service:
an asynchronous port scanner, an ICMP ping engine with method fallback,
and a length-framed TCP message broker. Results stream to live
subscribers over websockets and are retained in an in-memory registry
for polling consumers.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Netprobe version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to YAML configuration file")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(brokerCmd)

	serveCmd.Flags().String("listen", "", "Bridge/ops listen address (overrides config)")
	serveCmd.Flags().Bool("broker", false, "Also start the TCP broker")

	scanCmd.Flags().String("ports", "1-1024", "Port specification, e.g. 22,80,8000-8100")
	scanCmd.Flags().String("protocol", "tcp", "Probe protocol (tcp, udp, syn)")
	scanCmd.Flags().Int("concurrency", 100, "Maximum in-flight probes")
	scanCmd.Flags().Duration("timeout", 3*time.Second, "Per-probe timeout")
	scanCmd.Flags().Bool("services", false, "Detect well-known services on open ports")
	scanCmd.Flags().Bool("banners", false, "Grab banners from open TCP ports")

	pingCmd.Flags().Int("count", 4, "Number of probes (0 = continuous)")
	pingCmd.Flags().Duration("interval", time.Second, "Delay between probes")
	pingCmd.Flags().Duration("timeout", 5*time.Second, "Per-probe timeout")
	pingCmd.Flags().Int("size", 64, "ICMP packet size in bytes")
	pingCmd.Flags().Bool("raw", false, "Enable the raw-socket strategy (needs privileges)")

	brokerServeCmd.Flags().String("host", "0.0.0.0", "Bind host")
	brokerServeCmd.Flags().Int("port", 9000, "Bind port (0 = ephemeral)")
	brokerServeCmd.Flags().Int("max-connections", 1000, "Maximum concurrent sessions")

	brokerSendCmd.Flags().String("host", "127.0.0.1", "Broker host")
	brokerSendCmd.Flags().Int("port", 9000, "Broker port")
	brokerSendCmd.Flags().String("target", "", "Client id for a private message")
	brokerSendCmd.Flags().Duration("watch", 0, "Keep receiving messages for this long after sending")

	brokerCmd.AddCommand(brokerServeCmd)
	brokerCmd.AddCommand(brokerSendCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}

// loadConfig resolves the effective configuration from file and flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diagnostic service",
	Long: `Start the netprobe service: the session registry, the stream bridge
with its websocket endpoints, the Prometheus metrics and health
endpoints, and optionally the TCP broker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Bridge.Listen = listen
		}
		if withBroker, _ := cmd.Flags().GetBool("broker"); withBroker {
			cfg.Broker.Enabled = true
		}

		metrics.SetVersion(Version)

		reg := registry.New()
		defer reg.Shutdown()
		metrics.RegisterComponent("registry", true, "")

		pinger := ping.NewPinger(ping.Config{
			PacketSize:         cfg.Ping.PacketSize,
			Timeout:            cfg.Ping.Timeout,
			Interval:           cfg.Ping.Interval,
			UseSystemCommand:   cfg.Ping.UseSystemCommand,
			UseLibraryFallback: cfg.Ping.UseLibraryFallback,
			UseRawSocket:       cfg.Ping.UseRawSocket,
		})
		sc := scanner.NewScanner(scanner.Config{
			MaxConcurrent:    cfg.Scanner.MaxConcurrent,
			Timeout:          cfg.Scanner.Timeout,
			RetryCount:       cfg.Scanner.RetryCount,
			ServiceDetection: cfg.Scanner.ServiceDetection,
			BannerGrabbing:   cfg.Scanner.BannerGrabbing,
		})

		var brokerServer *broker.Server
		if cfg.Broker.Enabled {
			brokerServer = broker.NewServer(broker.ServerConfig{
				Host:              cfg.Broker.Host,
				Port:              cfg.Broker.Port,
				MaxConnections:    cfg.Broker.MaxConnections,
				MessageBufferSize: cfg.Broker.MessageBufferSize,
				ClientTimeout:     cfg.Broker.ClientTimeout,
				MaxHistorySize:    cfg.Broker.MaxHistorySize,
			})
			if err := brokerServer.Start(); err != nil {
				return fmt.Errorf("failed to start broker: %v", err)
			}
			defer brokerServer.Stop()
			metrics.RegisterComponent("broker", true, "")
			fmt.Printf("✓ Broker listening on %s\n", brokerServer.Addr())
		}

		br := bridge.New(bridge.Config{
			DefaultInterval: cfg.Ping.Interval,
			MaxThreads:      cfg.Bridge.MaxThreads,
		}, reg, pinger, sc)

		router := mux.NewRouter()
		br.Register(router)
		router.Handle("/metrics", metrics.Handler())
		router.Handle("/health", metrics.HealthHandler())
		metrics.RegisterComponent("bridge", true, "")

		httpServer := &http.Server{
			Addr:    cfg.Bridge.Listen,
			Handler: router,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		fmt.Printf("✓ Stream bridge listening on %s\n", cfg.Bridge.Listen)

		// Wait for interrupt signal or server error
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %v, shutting down...\n", sig)
		case err := <-errCh:
			return fmt.Errorf("bridge server failed: %v", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <target> [target...]",
	Short: "Scan ports on one or more targets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		portSpec, _ := cmd.Flags().GetString("ports")
		protoStr, _ := cmd.Flags().GetString("protocol")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		services, _ := cmd.Flags().GetBool("services")
		banners, _ := cmd.Flags().GetBool("banners")

		proto := types.Protocol(protoStr)
		if !proto.Valid() {
			return fmt.Errorf("unsupported protocol %q", protoStr)
		}
		ports, err := scanner.ParsePortSpec(portSpec)
		if err != nil {
			return err
		}

		sc := scanner.NewScanner(scanner.Config{
			MaxConcurrent:    concurrency,
			Timeout:          timeout,
			ServiceDetection: services,
			BannerGrabbing:   banners,
			RetryCount:       1,
		})

		fmt.Printf("Scanning %d port(s) on %d target(s)...\n", len(ports), len(args))
		start := time.Now()
		results := sc.ScanBatch(cmd.Context(), args, ports, proto)

		open := scanner.OpenPorts(results)
		for _, r := range open {
			line := fmt.Sprintf("%s:%d open", r.Host, r.Port)
			if r.ServiceName != "" && r.ServiceName != "unknown" {
				line += " (" + r.ServiceName + ")"
			}
			if r.ResponseTime != nil {
				line += fmt.Sprintf(" %.1fms", *r.ResponseTime)
			}
			fmt.Println(line)
			if r.Banner != "" {
				fmt.Printf("    banner: %s\n", r.Banner)
			}
		}

		fmt.Printf("\n%d/%d open in %s\n", len(open), len(results), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <host>",
	Short: "Measure host reachability with ICMP probes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host := args[0]
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		size, _ := cmd.Flags().GetInt("size")
		raw, _ := cmd.Flags().GetBool("raw")

		pinger := ping.NewPinger(ping.Config{
			PacketSize:         size,
			Timeout:            timeout,
			Interval:           interval,
			UseSystemCommand:   true,
			UseLibraryFallback: true,
			UseRawSocket:       raw,
		})

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var samples []types.PingSample
		if count > 0 {
			samples = pinger.PingCount(ctx, host, count)
			for _, s := range samples {
				printSample(s)
			}
		} else {
			for s := range pinger.ContinuousPing(ctx, host, ping.ContinuousOptions{}) {
				printSample(s)
				samples = append(samples, s)
			}
		}

		stats := ping.CalculateStatistics(samples)
		score, rating := ping.AssessConnectionQuality(samples)
		fmt.Printf("\n--- %s ping statistics ---\n", host)
		fmt.Printf("%d sent, %d received, %.1f%% loss\n",
			stats.PacketsSent, stats.PacketsReceived, stats.PacketLoss)
		if stats.PacketsReceived > 0 {
			fmt.Printf("rtt min/avg/max = %.2f/%.2f/%.2f ms, jitter %.2f ms\n",
				stats.MinResponseTime, stats.AvgResponseTime, stats.MaxResponseTime, stats.Jitter)
		}
		fmt.Printf("quality: %s (%.0f/100)\n", rating, score)
		return nil
	},
}

func printSample(s types.PingSample) {
	if s.Success {
		line := fmt.Sprintf("seq=%d from %s time=%.2fms", s.Sequence, s.ResolvedIP, *s.ResponseTime)
		if s.TTL != nil {
			line += fmt.Sprintf(" ttl=%d", *s.TTL)
		}
		fmt.Println(line)
		return
	}
	fmt.Printf("seq=%d %s: %s\n", s.Sequence, s.ErrorKind, s.Error)
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run or talk to the TCP message broker",
}

var brokerServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a broker server",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		maxConns, _ := cmd.Flags().GetInt("max-connections")

		server := broker.NewServer(broker.ServerConfig{
			Host:           host,
			Port:           port,
			MaxConnections: maxConns,
		})
		if err := server.Start(); err != nil {
			return err
		}
		fmt.Printf("✓ Broker listening on %s\n", server.Addr())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		server.Stop()
		return nil
	},
}

var brokerSendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message through a broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		target, _ := cmd.Flags().GetString("target")
		watch, _ := cmd.Flags().GetDuration("watch")

		client := broker.NewClient(broker.ClientConfig{
			ServerHost:    host,
			ServerPort:    port,
			AutoReconnect: false,
		})
		client.OnMessage(func(msg *types.BrokerMessage) {
			fmt.Printf("[%s] %s: %s\n", msg.Type, msg.Sender, msg.Content)
		})

		if err := client.Connect(); err != nil {
			return err
		}
		defer client.Disconnect()

		msg := broker.NewMessage(types.MessageBroadcast, args[0])
		if target != "" {
			msg = broker.NewMessage(types.MessagePrivate, args[0])
			msg.Target = target
		}
		if err := client.SendMessage(msg, types.PriorityNormal); err != nil {
			return err
		}

		if watch > 0 {
			time.Sleep(watch)
		} else {
			// Give the broadcast a moment to echo back
			time.Sleep(500 * time.Millisecond)
		}
		return nil
	},
}
