// adslink connects to a Beckhoff TwinCAT I/O server over ADS/AMS, exports
// its notification stream to MQTT/Kafka, caches its symbol catalog in
// Valkey, and exposes its facade over HTTP and SSH.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"adslink/ads"
	"adslink/config"
	"adslink/kafka"
	"adslink/logging"
	"adslink/mqtt"
	"adslink/ssh"
	"adslink/valkey"
	"adslink/web"
)

var (
	configPath  = flag.String("config", config.DefaultPath(), "path to configuration file")
	targetFlag  = flag.String("target", "", "target name to operate on (defaults to the first enabled target)")
	logFile     = flag.String("log", "", "path to an operational log file (connect/sink-start/shutdown lifecycle events)")
	logDebug    = flag.String("log-debug", "", "enable debug logging to debug.log for the given components; empty value disables it")
	discoverOp  = flag.Bool("discover", false, "send a UDP discovery broadcast to the target and print its AmsNetId, then exit")
	introspect  = flag.Bool("introspect", false, "connect, run EtherCAT topology discovery, print the tree as JSON, then exit")
	watchSymbol = flag.String("watch", "", "connect and print notification samples for the named symbol until interrupted")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	if *logDebug != "" {
		logger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			logger.SetFilter(filter)
			logging.SetGlobalDebugLogger(logger)
			defer logger.Close()
		}
	}

	target := selectTarget(cfg, *targetFlag)
	if target == nil {
		fmt.Fprintf(os.Stderr, "no enabled target found (use -target to select one from %s)\n", *configPath)
		os.Exit(1)
	}

	switch {
	case *discoverOp:
		runDiscover(target)
	case *introspect:
		runIntrospect(target)
	case *watchSymbol != "":
		runWatch(target, *watchSymbol)
	default:
		runServe(cfg, target)
	}
}

func selectTarget(cfg *config.Config, name string) *config.TargetConfig {
	if name != "" {
		return cfg.FindTarget(name)
	}
	for i := range cfg.Targets {
		if cfg.Targets[i].Enabled {
			return &cfg.Targets[i]
		}
	}
	return nil
}

func dialTarget(ctx context.Context, t *config.TargetConfig) (*ads.Connection, error) {
	remoteNetID, err := ads.ParseNetworkId(t.AmsNetId)
	if err != nil {
		return nil, err
	}

	targetHost, _, err := splitHostPort(t.Address)
	if err != nil {
		return nil, err
	}
	localIP, err := localOutboundIP(targetHost)
	if err != nil {
		return nil, fmt.Errorf("adslink: determine local address for route to %s: %w", targetHost, err)
	}
	localNetID, err := ads.NetworkIdFromIP(localIP)
	if err != nil {
		return nil, err
	}

	if t.AutoRoute {
		hostname, _ := os.Hostname()
		routeName := t.RouteName
		if routeName == "" {
			routeName = hostname
		}
		if err := ads.AddRoute(ctx, targetHost+":"+strconv.Itoa(ads.DefaultUDPPort), localNetID, hostname, ads.RouteOptions{
			RouteName: routeName,
			Username:  t.Username,
			Password:  t.Password,
			Timeout:   t.Timeout,
		}); err != nil {
			return nil, fmt.Errorf("adslink: add route to %s: %w", t.Address, err)
		}
	}

	return ads.Open(ctx, t.Address, ads.ConnectOptions{
		Local:   ads.Endpoint{NetId: localNetID, Port: 0},
		Remote:  ads.Endpoint{NetId: remoteNetID, Port: t.DefaultAmsPort()},
		Timeout: t.Timeout,
	})
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return addr, "", fmt.Errorf("adslink: address %q has no port", addr)
}

// localOutboundIP reports the local IP the kernel would route through to
// reach host, by opening (and immediately discarding) a UDP "connection" -
// no packet is sent, this only resolves routing.
func localOutboundIP(host string) (string, error) {
	conn, err := net.Dial("udp", host+":9")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return splitIPFromAddr(conn.LocalAddr().String())
}

func splitIPFromAddr(addr string) (string, error) {
	host, _, err := splitHostPort(addr)
	return host, err
}

func runDiscover(t *config.TargetConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	host, _, err := splitHostPort(t.Address)
	if err != nil {
		host = t.Address
	}
	netID, err := ads.DiscoverPeer(ctx, host+":"+strconv.Itoa(ads.DefaultUDPPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "discover failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s -> AmsNetId %s\n", t.Name, netID)
}

func runIntrospect(t *config.TargetConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conn, err := dialTarget(ctx, t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	server, err := conn.Introspect(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "introspect failed: %v\n", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(server)
}

func runWatch(t *config.TargetConfig, symbolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := dialTarget(ctx, t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	cat, err := conn.Catalog(ctx, t.DefaultAmsPort())
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog discovery failed: %v\n", err)
		os.Exit(1)
	}
	sym, ok := cat.ByName(symbolName)
	if !ok {
		fmt.Fprintf(os.Stderr, "symbol %q not found\n", symbolName)
		os.Exit(1)
	}

	sub, err := conn.Client().Notifications().Subscribe(ctx, t.DefaultAmsPort(),
		sym.IndexGroup, sym.IndexOffset, sym.Size, ads.ServerOnChange, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe failed: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("watching %s (press Ctrl+C to stop)\n", symbolName)
	for {
		watchCtx, watchCancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-sigChan:
				watchCancel()
			case <-watchCtx.Done():
			}
		}()

		sample, err := sub.Next(watchCtx)
		watchCancel()
		if err != nil {
			fmt.Println()
			sub.Cancel(context.Background())
			return
		}
		if sub.Overflowed() {
			fmt.Println("(samples dropped, buffer overflow)")
		}
		value := ads.Value{DataType: sym.DataType, Bytes: sample.Data}.Decode()
		fmt.Printf("%s  %v\n", sample.Timestamp.Format(time.RFC3339Nano), value)
	}
}

func runServe(cfg *config.Config, t *config.TargetConfig) {
	if cfg.Debug.Enabled && *logDebug == "" {
		logger, err := logging.NewDebugLogger(defaultString(cfg.Debug.Path, "debug.log"))
		if err == nil {
			logger.SetFilter(cfg.Debug.Filter)
			logging.SetGlobalDebugLogger(logger)
			defer logger.Close()
		}
	}

	// Redirect stderr to a crash log so a panic in a background goroutine
	// does not interleave with normal console output.
	crashPath := filepath.Join(filepath.Dir(*configPath), "adslink-crash.log")
	if f, err := os.OpenFile(crashPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		redirectStderr(f)
		defer f.Close()
	}

	var opLog *logging.FileLogger
	if *logFile != "" {
		var err error
		opLog, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to open log file: %v\n", err)
		} else {
			defer opLog.Close()
		}
	}
	logOp := func(format string, args ...interface{}) {
		if opLog != nil {
			opLog.Log(format, args...)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	conn, err := dialTarget(ctx, t)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error connecting to %s: %v\n", t.Name, err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Printf("connected to %s (%s)\n", t.Name, t.Address)
	logOp("connected to target %q (%s)", t.Name, t.Address)

	discoverCtx, discoverCancel := context.WithTimeout(context.Background(), 60*time.Second)
	cat, err := conn.Catalog(discoverCtx, t.DefaultAmsPort())
	discoverCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: symbol discovery failed: %v\n", err)
	} else {
		fmt.Printf("discovered %d symbols\n", len(cat.Symbols))
	}

	var valkeyCache *valkey.Cache
	for i := range cfg.Valkey {
		vc := cfg.Valkey[i]
		if !vc.Enabled {
			continue
		}
		valkeyCache = valkey.NewCache(&vc, cfg.Namespace, t.Name)
		connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := valkeyCache.Connect(connectCtx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: valkey cache unavailable: %v\n", err)
			valkeyCache = nil
		} else if cat != nil {
			valkeyCache.Store(connectCtx, t.DefaultAmsPort(), cat)
		}
		connectCancel()
		break
	}

	var mqttSinks []*mqtt.Sink
	for i := range cfg.MQTT {
		mc := cfg.MQTT[i]
		if !mc.Enabled {
			continue
		}
		sink := mqtt.NewSink(&mc, conn, cfg.Namespace, t.Name)
		if err := sink.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: mqtt sink %q failed to start: %v\n", mc.Name, err)
			continue
		}
		mqttSinks = append(mqttSinks, sink)
		fmt.Printf("mqtt sink %q connected to %s:%d\n", mc.Name, mc.Broker, mc.Port)
		logOp("mqtt sink %q started", mc.Name)
	}

	var kafkaSinks []*kafka.Sink
	for i := range cfg.Kafka {
		kc := cfg.Kafka[i]
		if !kc.Enabled {
			continue
		}
		sink := kafka.NewSink(&kc, cfg.Namespace, t.Name)
		if err := sink.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: kafka sink %q failed to start: %v\n", kc.Name, err)
			continue
		}
		kafkaSinks = append(kafkaSinks, sink)
		fmt.Printf("kafka sink %q connected to %v\n", kc.Name, kc.Brokers)
		logOp("kafka sink %q started", kc.Name)
	}

	if cat != nil {
		startTagNotifications(conn, t, cat, mqttSinks, kafkaSinks)
	}

	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(&cfg.Web, conn)
		if err := webServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: web server failed to start: %v\n", err)
			webServer = nil
		} else {
			fmt.Printf("web server at %s\n", webServer.Address())
		}
	}

	var sshServer *ssh.Server
	if cfg.SSH.Enabled {
		sshServer = ssh.NewServer(&ssh.Config{
			Port:           portFromListen(cfg.SSH.Listen),
			Password:       cfg.SSH.Password,
			AuthorizedKeys: cfg.SSH.AuthorizedKeys,
		}, conn)
		if err := sshServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ssh server failed to start: %v\n", err)
			sshServer = nil
		} else {
			fmt.Printf("ssh console on %s\n", cfg.SSH.Listen)
		}
	}

	fmt.Println("running. press Ctrl+C to stop.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nreceived %v, shutting down\n", sig)
	logOp("received %v, shutting down", sig)

	for _, s := range mqttSinks {
		s.Stop()
	}
	for _, s := range kafkaSinks {
		s.Stop()
	}
	if valkeyCache != nil {
		valkeyCache.Close()
	}
	if webServer != nil {
		webServer.Stop()
	}
	if sshServer != nil {
		sshServer.Stop()
	}
}

// startTagNotifications subscribes to every enabled tag selection and fans
// out each sample to the sinks that are not inhibited for it.
func startTagNotifications(conn *ads.Connection, t *config.TargetConfig, cat *ads.Catalog, mqttSinks []*mqtt.Sink, kafkaSinks []*kafka.Sink) {
	for _, tag := range t.Tags {
		if !tag.Enabled {
			continue
		}
		sym, ok := cat.ByName(tag.Name)
		if !ok {
			logging.DebugLog("facade", "tag %q not found in catalog, skipping", tag.Name)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sub, err := conn.Client().Notifications().Subscribe(ctx, t.DefaultAmsPort(),
			sym.IndexGroup, sym.IndexOffset, sym.Size, ads.ServerOnChange, 0)
		cancel()
		if err != nil {
			logging.DebugError("facade", "subscribe "+tag.Name, err)
			continue
		}

		go forwardSamples(sub, tag, sym, mqttSinks, kafkaSinks)
	}
}

func forwardSamples(sub *ads.Subscription, tag config.TagSelection, sym *ads.Symbol, mqttSinks []*mqtt.Sink, kafkaSinks []*kafka.Sink) {
	name := tag.Name
	if tag.Alias != "" {
		name = tag.Alias
	}
	for {
		sample, err := sub.Next(context.Background())
		if err != nil {
			return
		}
		value := ads.Value{DataType: sym.DataType, Bytes: sample.Data}.Decode()

		if !tag.NoMQTT {
			for _, s := range mqttSinks {
				s.Publish(name, tag.Writable, value, sample.Timestamp)
			}
		}
		if !tag.NoKafka {
			for _, s := range kafkaSinks {
				s.Publish(name, tag.Writable, value, sample.Timestamp)
			}
		}
	}
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func portFromListen(listen string) int {
	_, portStr, err := splitHostPort(listen)
	if err != nil {
		return 2222
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 2222
	}
	return port
}
