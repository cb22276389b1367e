// Command webagent runs the ArmorCode web agent: it long-polls a control
// plane for HTTP tasks, executes them against target URLs, and posts the
// results back, per the CLI surface documented in spec §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/projectdiscovery/goflags"
	"github.com/projectdiscovery/utils/env"

	"github.com/armorcode/web-agent-go/internal/agent"
	"github.com/armorcode/web-agent-go/internal/config"
	"github.com/armorcode/web-agent-go/internal/logger"
)

type cliOptions struct {
	ServerURL     string
	APIKey        string
	Index         string
	Timeout       int
	Verify        bool
	DebugMode     bool
	EnvName       string
	InwardHTTP    string
	InwardHTTPS   string
	OutgoingHTTP  string
	OutgoingHTTPS string
	PoolSize      int
	RateLimit     int
	MetricsDays   int
	UploadToAC    bool
	GetTaskStale  int
	TaskRecvStale int
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &cliOptions{}

	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("ArmorCode web agent: executes HTTP tasks handed out by the control plane.")

	flagSet.CreateGroup("connection", "Connection",
		flagSet.StringVarP(&opts.ServerURL, "serverUrl", "su", envOrDefault("server_url", ""), "control plane base URL"),
		flagSet.StringVarP(&opts.APIKey, "apiKey", "ak", envOrDefault("api_key", ""), "control plane bearer token"),
		flagSet.StringVarP(&opts.Index, "index", "idx", "", "agent index/identifier"),
		flagSet.IntVarP(&opts.Timeout, "timeout", "to", envOrDefaultInt("timeout", 300), "request timeout in seconds (parsed but not applied; per-call timeouts are fixed)"),
		flagSet.BoolVarP(&opts.Verify, "verify", "vc", envOrDefaultBool("verify", false), "verify TLS certificates on outbound calls"),
		flagSet.StringVarP(&opts.EnvName, "envName", "en", "", "optional environment tag"),
	)

	flagSet.CreateGroup("proxy", "Proxy",
		flagSet.StringVarP(&opts.InwardHTTP, "inwardProxyHttp", "iph", "", "HTTP proxy for target requests"),
		flagSet.StringVarP(&opts.InwardHTTPS, "inwardProxyHttps", "ips", "", "HTTPS proxy for target requests"),
		flagSet.StringVarP(&opts.OutgoingHTTP, "outgoingProxyHttp", "oph", "", "HTTP proxy for control-plane requests"),
		flagSet.StringVarP(&opts.OutgoingHTTPS, "outgoingProxyHttps", "ops", "", "HTTPS proxy for control-plane requests"),
	)

	flagSet.CreateGroup("runtime", "Runtime",
		flagSet.BoolVarP(&opts.DebugMode, "debugMode", "dm", false, "enable debug logging"),
		flagSet.IntVarP(&opts.PoolSize, "poolSize", "ps", config.DefaultPoolSize, "maximum concurrent in-flight tasks"),
		flagSet.IntVarP(&opts.RateLimit, "rateLimitPerMin", "rl", config.DefaultRateLimitPerMin, "control-plane calls allowed per minute"),
		flagSet.IntVarP(&opts.MetricsDays, "metricsRetentionDays", "mrd", 7, "days of metrics JSONL files to retain (stored in config; old files are not deleted)"),
		flagSet.BoolVarP(&opts.UploadToAC, "uploadToAc", "uac", true, "upload large artifacts to the control plane instead of object storage"),
		flagSet.IntVarP(&opts.GetTaskStale, "getTaskStaleThreshold", "gts", int(config.DefaultGetTaskStaleThreshold.Seconds()), "seconds before a silent get-task loop is considered stalled"),
		flagSet.IntVarP(&opts.TaskRecvStale, "taskReceivedStaleThreshold", "trs", int(config.DefaultTaskReceivedStale.Seconds()), "seconds before no received tasks is considered stalled"),
	)

	if err := flagSet.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "webagent: %v\n", err)
		return 1
	}

	if opts.ServerURL == "" || opts.APIKey == "" {
		fmt.Fprintln(os.Stderr, "webagent: serverUrl and apiKey are required")
		return 1
	}

	if opts.DebugMode {
		logger.Default.EnableDebug()
	}

	cfg := config.Defaults()
	cfg.ServerURL = opts.ServerURL
	cfg.APIKey = opts.APIKey
	cfg.AgentID = opts.Index
	cfg.EnvName = opts.EnvName
	cfg.VerifyCert = opts.Verify
	cfg.DebugMode = opts.DebugMode
	cfg.InwardProxy = firstNonEmpty(opts.InwardHTTPS, opts.InwardHTTP)
	cfg.OutgoingProxy = firstNonEmpty(opts.OutgoingHTTPS, opts.OutgoingHTTP)
	cfg.PoolSize = opts.PoolSize
	cfg.RateLimitPerMin = opts.RateLimit
	cfg.UploadToAC = opts.UploadToAC
	cfg.MetricsRetentionDays = opts.MetricsDays
	cfg.GetTaskStaleThreshold = time.Duration(opts.GetTaskStale) * time.Second
	cfg.TaskReceivedStaleThreshold = time.Duration(opts.TaskRecvStale) * time.Second

	baseDir := defaultBaseDir()
	a, err := agent.New(cfg, baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webagent: init failed: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().Msgf("web agent starting, server=%s pool=%d", cfg.ServerURL, cfg.PoolSize)
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "webagent: %v\n", err)
		return 1
	}
	return 0
}

func defaultBaseDir() string {
	return fmt.Sprintf("%s/armorcode", os.TempDir())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	return env.GetEnvOrDefault(key, fallback)
}

func envOrDefaultBool(key string, fallback bool) bool {
	return env.GetEnvOrDefault(key, fallback)
}

func envOrDefaultInt(key string, fallback int) int {
	return env.GetEnvOrDefault(key, fallback)
}
