// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"cyclesmarket.org/cmarket/cm"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "cmarketd.conf"
	defaultLogFilename    = "cmarketd.log"
	defaultCertFilename   = "admin.cert"
	defaultKeyFilename    = "admin.key"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultMaxLogZips     = 16
	defaultAdminHost      = "127.0.0.1"
	defaultAdminPort      = "6472"

	defaultCyclesName     = "Cycles"
	defaultCyclesSymbol   = "CYCLES"
	defaultCyclesDecimals = 12
	defaultCyclesFee      = 10_000_000
)

// tokenSpec describes one collaborator token ledger to host, parsed from a
// SYMBOL:decimals:fee option string.
type tokenSpec struct {
	Symbol      string
	Decimals    uint8
	TransferFee uint64
}

// marketConf is the data that is required to set up the market.
type marketConf struct {
	DataDir  string
	InMemory bool

	BankName     string
	BankSymbol   string
	BankDecimals uint8
	BankFee      uint64

	Tokens []tokenSpec

	AdminSrvOn   bool
	AdminSrvAddr string
	AdminSrvPW   []byte
	AdminNoTLS   bool
	Cert         string
	Key          string

	LogMaker *cm.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	InMemory bool `long:"inmemory" description:"Keep all actor stable memory in process memory instead of the data directory. State is lost on shutdown."`

	BankName     string `long:"bankname" description:"Cycles ledger token name."`
	BankSymbol   string `long:"banksymbol" description:"Cycles ledger token symbol."`
	BankDecimals uint8  `long:"bankdecimals" description:"Cycles ledger token decimals."`
	BankFee      uint64 `long:"bankfee" description:"Cycles ledger transfer fee."`

	Tokens []string `long:"token" description:"A token ledger to host and open a trade contract for, as SYMBOL:decimals:fee. May be specified multiple times."`

	AdminSrvOn   bool   `long:"adminsrvon" description:"Turn on the admin server."`
	AdminSrvAddr string `long:"adminsrvaddr" description:"Administration HTTPS server address (default: 127.0.0.1:6472)."`
	AdminSrvPW   string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`
	AdminNoTLS   bool   `long:"adminsrvnotls" description:"Run the admin server without TLS. INSECURE outside of loopback."`
	Cert         string `long:"cert" description:"Admin server TLS certificate file"`
	Key          string `long:"key" description:"Admin server TLS private key file"`
}

// defaultAppDataDir returns an operating system specific home directory for
// the application.
func defaultAppDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		homeDir = "."
	}
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return filepath.Join(appData, "Cmarketd")
		}
		return filepath.Join(homeDir, "Cmarketd")
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "Cmarketd")
	default:
		return filepath.Join(homeDir, ".cmarketd")
	}
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that
// include a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to normalize address %s after port resolution: %v", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %v", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port, nil
}

// parseTokenSpec parses a SYMBOL:decimals:fee option string.
func parseTokenSpec(s string) (tokenSpec, error) {
	var spec tokenSpec
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return spec, fmt.Errorf("invalid token spec %q, expected SYMBOL:decimals:fee", s)
	}
	spec.Symbol = strings.TrimSpace(fields[0])
	if spec.Symbol == "" {
		return spec, fmt.Errorf("invalid token spec %q, empty symbol", s)
	}
	decimals, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return spec, fmt.Errorf("invalid decimals in token spec %q: %v", s, err)
	}
	spec.Decimals = uint8(decimals)
	fee, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return spec, fmt.Errorf("invalid fee in token spec %q: %v", s, err)
	}
	spec.TransferFee = fee
	return spec, nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
func loadConfig() (*marketConf, error) {
	loadConfigError := func(err error) (*marketConf, error) {
		return nil, err
	}

	// Default config
	cfg := flagsData{
		AppDataDir:   defaultAppDataDir(),
		MaxLogZips:   defaultMaxLogZips,
		DebugLevel:   defaultLogLevel,
		Cert:         defaultCertFilename,
		Key:          defaultKeyFilename,
		BankName:     defaultCyclesName,
		BankSymbol:   defaultCyclesSymbol,
		BankDecimals: defaultCyclesDecimals,
		BankFee:      defaultCyclesFee,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified. Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", AppName,
			Version(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// If a non-default appdata folder is specified on the command line, it
	// may be necessary to adjust the config file location.
	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return loadConfigError(fmt.Errorf("unable to determine working directory: %v", err))
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return loadConfigError(err)
		}
		// Missing default config file is fine, just use defaults.
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return loadConfigError(err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	// Create the app data directory if it doesn't already exist.
	err = os.MkdirAll(cfg.AppDataDir, 0700)
	if err != nil {
		return loadConfigError(fmt.Errorf("failed to create home directory: %v", err))
	}

	// If datadir or logdir are defaults or non-default relative paths,
	// prepend the appdata directory.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	if !cfg.InMemory {
		if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return loadConfigError(err)
		}
	}

	// Ensure that the specified cert and key files are absolute paths,
	// prepending the appdata path if not.
	if !filepath.IsAbs(cfg.Cert) {
		cfg.Cert = filepath.Join(cfg.AppDataDir, cfg.Cert)
	}
	if !filepath.IsAbs(cfg.Key) {
		cfg.Key = filepath.Join(cfg.AppDataDir, cfg.Key)
	}

	adminSrvAddr := ""
	if cfg.AdminSrvOn {
		adminSrvAddr, err = normalizeNetworkAddress(cfg.AdminSrvAddr, defaultAdminHost, defaultAdminPort)
		if err != nil {
			return loadConfigError(err)
		}
	}

	tokens := make([]tokenSpec, 0, len(cfg.Tokens))
	seen := make(map[string]bool)
	for _, s := range cfg.Tokens {
		spec, err := parseTokenSpec(s)
		if err != nil {
			return loadConfigError(err)
		}
		if seen[spec.Symbol] {
			return loadConfigError(fmt.Errorf("duplicate token symbol %q", spec.Symbol))
		}
		seen[spec.Symbol] = true
		tokens = append(tokens, spec)
	}

	// Initialize log rotation. After log rotation has been initialized,
	// the logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips)

	// Parse, validate, and set debug log level(s).
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Data folder:     %s", cfg.DataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)

	return &marketConf{
		DataDir:      cfg.DataDir,
		InMemory:     cfg.InMemory,
		BankName:     cfg.BankName,
		BankSymbol:   cfg.BankSymbol,
		BankDecimals: cfg.BankDecimals,
		BankFee:      cfg.BankFee,
		Tokens:       tokens,
		AdminSrvOn:   cfg.AdminSrvOn,
		AdminSrvAddr: adminSrvAddr,
		AdminSrvPW:   []byte(cfg.AdminSrvPW),
		AdminNoTLS:   cfg.AdminNoTLS,
		Cert:         cfg.Cert,
		Key:          cfg.Key,
		LogMaker:     logMaker,
	}, nil
}
