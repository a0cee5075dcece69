package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
)

const (
	envVarMode            = "WEBRTC_CALL_MODE"
	envVarLogFormat       = "WEBRTC_CALL_LOG_FORMAT"
	envVarLogLevel        = "WEBRTC_CALL_LOG_LEVEL"
	envVarListenAddr      = "WEBRTC_CALL_LISTEN_ADDR"
	envVarShutdownTimeout = "WEBRTC_CALL_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	envVarICECandidatePoolSize   = "WEBRTC_CALL_ICE_CANDIDATE_POOL_SIZE"
	envVarICEDisconnectedTimeout = "WEBRTC_CALL_ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout       = "WEBRTC_CALL_ICE_FAILED_TIMEOUT"
	envVarICEKeepaliveInterval   = "WEBRTC_CALL_ICE_KEEPALIVE_INTERVAL"

	// Shared document store used for signaling.
	envVarStore             = "WEBRTC_CALL_STORE"
	envVarStoreDSN          = "WEBRTC_CALL_STORE_DSN"
	envVarStoreDatabase     = "WEBRTC_CALL_STORE_DATABASE"
	envVarStorePollInterval = "WEBRTC_CALL_STORE_POLL_INTERVAL"

	envVarMedia = "WEBRTC_CALL_MEDIA"

	// Store server WebSocket hardening.
	envVarStoreWSIdleTimeout        = "STORE_WS_IDLE_TIMEOUT"
	envVarStoreWSPingInterval       = "STORE_WS_PING_INTERVAL"
	envVarMaxStoreMessageBytes      = "MAX_STORE_MESSAGE_BYTES"
	envVarMaxStoreMessagesPerSecond = "MAX_STORE_MESSAGES_PER_SECOND"

	// Store access credentials. The server verifies, clients present.
	envVarStoreAuthMode  = "STORE_AUTH_MODE"
	envVarStoreAPIKey    = "STORE_API_KEY"
	envVarStoreJWTSecret = "STORE_JWT_SECRET"
	envVarStoreToken     = "STORE_TOKEN"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
)

const (
	DefaultListenAddr           = "127.0.0.1:8090"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultStoreBackend         = StoreMemory
	DefaultStoreDatabase        = "webrtc_call"
	DefaultStorePollInterval    = time.Second
	DefaultMediaSource          = MediaSynthetic
	DefaultStoreAuthMode        = AuthModeNone
	DefaultWebRTCUDPListenIP    = "0.0.0.0"

	// DefaultICECandidatePoolSize pre-gathers candidates before the local
	// description is set.
	DefaultICECandidatePoolSize   = 10
	DefaultICEDisconnectedTimeout = 5 * time.Second
	DefaultICEFailedTimeout       = 25 * time.Second
	DefaultICEKeepaliveInterval   = 2 * time.Second

	DefaultStoreWSIdleTimeout        = 60 * time.Second
	DefaultStoreWSPingInterval       = 20 * time.Second
	DefaultMaxStoreMessageBytes      = int64(256 * 1024)
	DefaultMaxStoreMessagesPerSecond = 200
)

// DefaultSTUNURLs are used when neither an ICE server JSON document nor an
// explicit STUN URL list is configured.
var DefaultSTUNURLs = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// recommendedWebRTCUDPPortRangeSize is an intentionally conservative minimum.
// Each call may consume multiple UDP ports (one per gathered candidate), and
// running out of ports shows up as connectivity failures.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StoreBackend selects the document store implementation used for signaling.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreSQLite StoreBackend = "sqlite"
	StoreMongo  StoreBackend = "mongo"
	StoreRemote StoreBackend = "remote"
)

// MediaSource selects where local audio/video comes from.
type MediaSource string

const (
	MediaSynthetic MediaSource = "synthetic"
	MediaDevices   MediaSource = "devices"
	MediaNone      MediaSource = "none"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	// Args are the positional arguments left after flag parsing.
	Args []string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	ICEServers           []webrtc.ICEServer
	ICECandidatePoolSize uint8

	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// StoreDSN is a file path for sqlite, a mongodb:// URI for mongo, and a
	// ws:// URL for remote. Unused for memory.
	Store             StoreBackend
	StoreDSN          string
	StoreDatabase     string
	StorePollInterval time.Duration

	Media MediaSource

	StoreWSIdleTimeout        time.Duration
	StoreWSPingInterval       time.Duration
	MaxStoreMessageBytes      int64
	MaxStoreMessagesPerSecond int

	// StoreAuthMode, StoreAPIKey and StoreJWTSecret configure the store
	// server. StoreToken is the credential a remote store client sends.
	StoreAuthMode  AuthMode
	StoreAPIKey    string
	StoreJWTSecret string
	StoreToken     string

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs configures pion to advertise these public IPs for ICE when
	// running behind NAT. Values must be literal IPs (no hostnames).
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE will bind UDP
	// sockets to. 0.0.0.0 means "use library default" (typically all interfaces).
	WebRTCUDPListenIP net.IP
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, strings.Join(DefaultSTUNURLs, ","))
	storeStr := envOrDefault(lookup, envVarStore, string(DefaultStoreBackend))
	storeDSN := envOrDefault(lookup, envVarStoreDSN, "")
	storeDatabase := envOrDefault(lookup, envVarStoreDatabase, DefaultStoreDatabase)
	mediaStr := envOrDefault(lookup, envVarMedia, string(DefaultMediaSource))
	storeAuthModeStr := envOrDefault(lookup, envVarStoreAuthMode, string(DefaultStoreAuthMode))
	storeAPIKey := envOrDefault(lookup, envVarStoreAPIKey, "")
	storeJWTSecret := envOrDefault(lookup, envVarStoreJWTSecret, "")
	storeToken := envOrDefault(lookup, envVarStoreToken, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	storePollInterval, err := envDurationOrDefault(lookup, envVarStorePollInterval, DefaultStorePollInterval)
	if err != nil {
		return Config{}, err
	}
	iceDisconnectedTimeout, err := envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, DefaultICEDisconnectedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceFailedTimeout, err := envDurationOrDefault(lookup, envVarICEFailedTimeout, DefaultICEFailedTimeout)
	if err != nil {
		return Config{}, err
	}
	iceKeepaliveInterval, err := envDurationOrDefault(lookup, envVarICEKeepaliveInterval, DefaultICEKeepaliveInterval)
	if err != nil {
		return Config{}, err
	}
	storeWSIdleTimeout, err := envDurationOrDefault(lookup, envVarStoreWSIdleTimeout, DefaultStoreWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	storeWSPingInterval, err := envDurationOrDefault(lookup, envVarStoreWSPingInterval, DefaultStoreWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	iceCandidatePoolSize, err := envIntOrDefault(lookup, envVarICECandidatePoolSize, DefaultICECandidatePoolSize)
	if err != nil {
		return Config{}, err
	}
	maxStoreMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxStoreMessagesPerSecond, DefaultMaxStoreMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxStoreMessageBytes := DefaultMaxStoreMessageBytes
	if raw, ok := lookup(envVarMaxStoreMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxStoreMessageBytes, raw, err)
		}
		maxStoreMessageBytes = n
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}

	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("webrtc-call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Store server listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.IntVar(&iceCandidatePoolSize, "ice-candidate-pool-size", iceCandidatePoolSize, "ICE candidate pool size (env "+envVarICECandidatePoolSize+")")
	fs.DurationVar(&iceDisconnectedTimeout, "ice-disconnected-timeout", iceDisconnectedTimeout, "ICE disconnected timeout (env "+envVarICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailedTimeout, "ice-failed-timeout", iceFailedTimeout, "ICE failed timeout (env "+envVarICEFailedTimeout+")")
	fs.DurationVar(&iceKeepaliveInterval, "ice-keepalive-interval", iceKeepaliveInterval, "ICE keepalive interval (env "+envVarICEKeepaliveInterval+")")

	fs.StringVar(&storeStr, "store", storeStr, "Signaling store: memory, sqlite, mongo, or remote (env "+envVarStore+")")
	fs.StringVar(&storeDSN, "store-dsn", storeDSN, "Signaling store location: sqlite file, mongodb URI, or ws:// URL (env "+envVarStoreDSN+")")
	fs.StringVar(&storeDatabase, "store-database", storeDatabase, "MongoDB database name (env "+envVarStoreDatabase+")")
	fs.DurationVar(&storePollInterval, "store-poll-interval", storePollInterval, "Fallback poll interval for file-backed stores (env "+envVarStorePollInterval+")")
	fs.StringVar(&mediaStr, "media", mediaStr, "Local media: synthetic, devices, or none (env "+envVarMedia+")")

	fs.DurationVar(&storeWSIdleTimeout, "store-ws-idle-timeout", storeWSIdleTimeout, "Close idle store WebSocket connections after this duration (env "+envVarStoreWSIdleTimeout+")")
	fs.DurationVar(&storeWSPingInterval, "store-ws-ping-interval", storeWSPingInterval, "Send ping frames on store WebSocket connections at this interval (must be < --store-ws-idle-timeout; env "+envVarStoreWSPingInterval+")")
	fs.Int64Var(&maxStoreMessageBytes, "max-store-message-bytes", maxStoreMessageBytes, "Max inbound store WS message size in bytes (env "+envVarMaxStoreMessageBytes+")")
	fs.IntVar(&maxStoreMessagesPerSecond, "max-store-messages-per-second", maxStoreMessagesPerSecond, "Max inbound store WS messages per second (env "+envVarMaxStoreMessagesPerSecond+")")

	fs.StringVar(&storeAuthModeStr, "store-auth-mode", storeAuthModeStr, "Store server auth mode: none, api_key, or jwt (env "+envVarStoreAuthMode+")")
	fs.StringVar(&storeToken, "store-token", storeToken, "Credential sent to a remote store: API key or JWT (env "+envVarStoreToken+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	store, err := parseStoreBackend(storeStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--store: %w", envVarStore, err)
	}
	media, err := parseMediaSource(mediaStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--media: %w", envVarMedia, err)
	}

	storeAuthMode, err := parseAuthMode(storeAuthModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if iceCandidatePoolSize < 0 || iceCandidatePoolSize > 255 {
		return Config{}, fmt.Errorf("%s/--ice-candidate-pool-size must be within 0-255", envVarICECandidatePoolSize)
	}
	if iceDisconnectedTimeout <= 0 || iceFailedTimeout <= 0 || iceKeepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("ICE timeouts must be > 0")
	}
	if iceDisconnectedTimeout > iceFailedTimeout {
		return Config{}, fmt.Errorf("%s/--ice-disconnected-timeout must be <= %s/--ice-failed-timeout", envVarICEDisconnectedTimeout, envVarICEFailedTimeout)
	}
	switch store {
	case StoreSQLite, StoreMongo, StoreRemote:
		if strings.TrimSpace(storeDSN) == "" {
			return Config{}, fmt.Errorf("%s/--store-dsn must be set when %s=%s", envVarStoreDSN, envVarStore, store)
		}
	}
	if store == StoreRemote && !strings.HasPrefix(storeDSN, "ws://") && !strings.HasPrefix(storeDSN, "wss://") {
		return Config{}, fmt.Errorf("invalid %s/--store-dsn %q (expected ws:// or wss:// for remote store)", envVarStoreDSN, storeDSN)
	}
	if store == StoreMongo && strings.TrimSpace(storeDatabase) == "" {
		return Config{}, fmt.Errorf("%s/--store-database must not be empty", envVarStoreDatabase)
	}
	if storePollInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--store-poll-interval must be > 0", envVarStorePollInterval)
	}
	if storeWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--store-ws-idle-timeout must be > 0", envVarStoreWSIdleTimeout)
	}
	if storeWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--store-ws-ping-interval must be > 0", envVarStoreWSPingInterval)
	}
	if storeWSPingInterval >= storeWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--store-ws-ping-interval must be < %s/--store-ws-idle-timeout", envVarStoreWSPingInterval, envVarStoreWSIdleTimeout)
	}
	if maxStoreMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-store-message-bytes must be > 0", envVarMaxStoreMessageBytes)
	}
	if maxStoreMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-store-messages-per-second must be > 0", envVarMaxStoreMessagesPerSecond)
	}

	if storeAuthMode == AuthModeAPIKey && strings.TrimSpace(storeAPIKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarStoreAPIKey, envVarStoreAuthMode, AuthModeAPIKey)
	}
	if storeAuthMode == AuthModeJWT && strings.TrimSpace(storeJWTSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarStoreJWTSecret, envVarStoreAuthMode, AuthModeJWT)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Args:            fs.Args(),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		ShutdownTimeout: shutdownTimeout,

		ICEServers:             iceServers,
		ICECandidatePoolSize:   uint8(iceCandidatePoolSize),
		ICEDisconnectedTimeout: iceDisconnectedTimeout,
		ICEFailedTimeout:       iceFailedTimeout,
		ICEKeepaliveInterval:   iceKeepaliveInterval,

		Store:             store,
		StoreDSN:          strings.TrimSpace(storeDSN),
		StoreDatabase:     strings.TrimSpace(storeDatabase),
		StorePollInterval: storePollInterval,
		Media:             media,

		StoreWSIdleTimeout:        storeWSIdleTimeout,
		StoreWSPingInterval:       storeWSPingInterval,
		MaxStoreMessageBytes:      maxStoreMessageBytes,
		MaxStoreMessagesPerSecond: maxStoreMessagesPerSecond,

		StoreAuthMode:  storeAuthMode,
		StoreAPIKey:    storeAPIKey,
		StoreJWTSecret: storeJWTSecret,
		StoreToken:     strings.TrimSpace(storeToken),

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
	}, nil
}

// PeerConnectionConfiguration returns the pion configuration for a new call.
func (c Config) PeerConnectionConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           c.ICEServers,
		ICECandidatePoolSize: c.ICECandidatePoolSize,
	}
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseStoreBackend(raw string) (StoreBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreMemory), "":
		return StoreMemory, nil
	case string(StoreSQLite), "sqlite3":
		return StoreSQLite, nil
	case string(StoreMongo), "mongodb":
		return StoreMongo, nil
	case string(StoreRemote), "ws":
		return StoreRemote, nil
	default:
		return "", fmt.Errorf("invalid store %q (expected %s, %s, %s, or %s)", raw, StoreMemory, StoreSQLite, StoreMongo, StoreRemote)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStoreAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseMediaSource(raw string) (MediaSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(MediaSynthetic), "":
		return MediaSynthetic, nil
	case string(MediaDevices):
		return MediaDevices, nil
	case string(MediaNone):
		return MediaNone, nil
	default:
		return "", fmt.Errorf("invalid media source %q (expected %s, %s, or %s)", raw, MediaSynthetic, MediaDevices, MediaNone)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
